package memory

import "fmt"

// DeviceType represents where buffer data resides
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (dt DeviceType) String() string {
	switch dt {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(dt))
	}
}

// Device identifies a compute device. It is passed explicitly into every
// loader and sync node; nothing reads the device mode from global state.
type Device struct {
	Type DeviceType
	ID   int // accelerator ordinal, -1 for the host
}

// CPUDevice returns the host device
func CPUDevice() Device {
	return Device{Type: CPU, ID: -1}
}

// GPUDevice returns the accelerator with the given ordinal
func GPUDevice(id int) Device {
	return Device{Type: GPU, ID: id}
}

// IsAccelerator reports whether data for this device must be staged off the host
func (d Device) IsAccelerator() bool {
	return d.Type == GPU
}

func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", d.ID)
}

// Topology answers proximity questions used when pairing devices into a
// reduction tree.
type Topology interface {
	// SameBoard reports whether two devices sit on the same multi-device board
	SameBoard(a, b int) bool
	// CanAccessPeer reports whether a can read b's memory directly
	CanAccessPeer(a, b int) bool
}

// FlatTopology reports no proximity between any devices
type FlatTopology struct{}

func (FlatTopology) SameBoard(a, b int) bool     { return false }
func (FlatTopology) CanAccessPeer(a, b int) bool { return false }

// StaticTopology is a fixed description of a host's interconnect
type StaticTopology struct {
	Boards map[int]int          // device -> board group; devices without an entry are on no shared board
	Peers  map[int]map[int]bool // device -> set of devices it can access directly
}

// NewStaticTopology creates an empty topology
func NewStaticTopology() *StaticTopology {
	return &StaticTopology{
		Boards: make(map[int]int),
		Peers:  make(map[int]map[int]bool),
	}
}

// SetBoard places devices on the same board group
func (st *StaticTopology) SetBoard(group int, devices ...int) {
	for _, d := range devices {
		st.Boards[d] = group
	}
}

// LinkPeers records symmetric peer access between a and b
func (st *StaticTopology) LinkPeers(a, b int) {
	if st.Peers[a] == nil {
		st.Peers[a] = make(map[int]bool)
	}
	if st.Peers[b] == nil {
		st.Peers[b] = make(map[int]bool)
	}
	st.Peers[a][b] = true
	st.Peers[b][a] = true
}

func (st *StaticTopology) SameBoard(a, b int) bool {
	ga, okA := st.Boards[a]
	gb, okB := st.Boards[b]
	return okA && okB && ga == gb
}

func (st *StaticTopology) CanAccessPeer(a, b int) bool {
	return st.Peers[a][b]
}
