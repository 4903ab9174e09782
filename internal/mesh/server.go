// Package mesh implements the service cooperating client processes use to agree on
// the cluster topology, and to meet at named barriers.
package mesh

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-xrt/internal/wire"
)

// Server answers mesh actions over Flight.
type Server struct {
	flight.BaseFlightServer

	config   *wire.MeshConfig
	barriers *barriers
}

// NewServer serves cfg. Rendezvous barriers wait for cfg.MeshSize participants.
func NewServer(cfg *wire.MeshConfig) *Server {
	return &Server{config: cfg, barriers: newBarriers(max(cfg.MeshSize, 1))}
}

func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.Type {
	case wire.ActionMeshConfig:
		return send(stream, s.config)
	case wire.ActionMeshRendezvous:
		var req wire.RendezvousRequest
		if err := wire.Unmarshal(action.Body, &req); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		payloads, err := s.barriers.join(stream.Context(), req)
		if err != nil {
			return err
		}
		return send(stream, wire.RendezvousResponse{Payloads: payloads})
	}
	return status.Errorf(codes.Unimplemented, "unknown mesh action %q", action.Type)
}

func send(stream flight.FlightService_DoActionServer, v any) error {
	body, err := wire.Marshal(v)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(&flight.Result{Body: body})
}

// Service is a running mesh server.
type Service struct {
	server flight.Server
}

// Serve starts a mesh server bound to address.
func Serve(address string, cfg *wire.MeshConfig) (*Service, error) {
	server := flight.NewServerWithMiddleware(nil,
		grpc.MaxRecvMsgSize(math.MaxInt32),
		grpc.MaxSendMsgSize(math.MaxInt32),
	)
	server.RegisterFlightService(NewServer(cfg))
	if err := server.Init(address); err != nil {
		return nil, errors.Wrapf(err, "binding mesh service to %s", address)
	}
	go func() {
		if err := server.Serve(); err != nil {
			log.Error().Err(err).Msg("mesh service stopped")
		}
	}()
	log.Info().Str("address", server.Addr().String()).Int("mesh_size", cfg.MeshSize).Int("workers", len(cfg.Workers)).Msg("mesh service started")
	return &Service{server: server}, nil
}

// Addr is the bound address.
func (s *Service) Addr() string { return s.server.Addr().String() }

// Close stops the service.
func (s *Service) Close() error {
	s.server.Shutdown()
	return nil
}
