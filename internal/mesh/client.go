package mesh

import (
	"context"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-xrt/internal/session"
	"github.com/23skdu/longbow-xrt/internal/wire"
)

// Client talks to a mesh service.
type Client struct {
	id      string
	address string
	session *session.Session
}

// NewClient connects to the mesh service at address.
func NewClient(address string) (*Client, error) {
	s, err := session.Dial("mesh", address)
	if err != nil {
		return nil, err
	}
	return &Client{id: uuid.NewString(), address: address, session: s}, nil
}

// ID identifies this client in rendezvous.
func (c *Client) ID() string { return c.id }

// Address of the mesh service.
func (c *Client) Address() string { return c.address }

// GetConfig fetches the cluster configuration.
func (c *Client) GetConfig(ctx context.Context) (*wire.MeshConfig, error) {
	var cfg wire.MeshConfig
	if err := c.session.Do(ctx, wire.ActionMeshConfig, struct{}{}, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Rendezvous blocks until every mesh member joined tag and returns their payloads
// indexed by ordinal.
func (c *Client) Rendezvous(ctx context.Context, tag string, ordinal int, payload []byte) ([][]byte, error) {
	var resp wire.RendezvousResponse
	req := wire.RendezvousRequest{Tag: tag, ClientID: c.id, Ordinal: ordinal, Payload: payload}
	if err := c.session.Do(ctx, wire.ActionMeshRendezvous, req, &resp); err != nil {
		return nil, err
	}
	return resp.Payloads, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.session.Close()
}
