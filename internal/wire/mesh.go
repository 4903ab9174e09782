package wire

// Topology describes the TPU mesh. DeviceCoordinates is a flattened
// [NumTasks][DevicesPerTask][len(MeshShape)] array of mesh coordinates, usually
// {x, y, z, core}.
type Topology struct {
	NumTasks          int   `cbor:"1,keyasint"`
	DevicesPerTask    int   `cbor:"2,keyasint"`
	MeshShape         []int `cbor:"3,keyasint"`
	DeviceCoordinates []int `cbor:"4,keyasint"`
}

// MeshDevice maps a worker local device name ("TPU:3") to its global name.
type MeshDevice struct {
	LocalName  string `cbor:"1,keyasint"`
	GlobalName string `cbor:"2,keyasint"`
}

// MeshWorker is one worker of the mesh.
type MeshWorker struct {
	Name    string       `cbor:"1,keyasint"`
	Task    int          `cbor:"2,keyasint"`
	Address string       `cbor:"3,keyasint"`
	Devices []MeshDevice `cbor:"4,keyasint"`
}

// MeshConfig is the topology the mesh service hands out.
type MeshConfig struct {
	Workers  []MeshWorker `cbor:"1,keyasint"`
	Topology *Topology    `cbor:"2,keyasint,omitempty"`
	MeshSize int          `cbor:"3,keyasint"`
}

// RendezvousRequest joins the barrier named Tag.
type RendezvousRequest struct {
	Tag      string `cbor:"1,keyasint"`
	ClientID string `cbor:"2,keyasint"`
	Ordinal  int    `cbor:"3,keyasint"`
	Payload  []byte `cbor:"4,keyasint,omitempty"`
}

// RendezvousResponse lists the payloads of every participant, by ordinal.
type RendezvousResponse struct {
	Payloads [][]byte `cbor:"1,keyasint"`
}
