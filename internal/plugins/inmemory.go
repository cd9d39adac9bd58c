package plugins

import (
	"fmt"
	"sync"
	"time"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// NoopAccounting discards every event, logging is left to the caller
// (spec.md §4.11 "best-effort, failures are logged not propagated" -- here
// there is nothing to fail).
type NoopAccounting struct{}

func (NoopAccounting) JobStart(*structs.Job)       {}
func (NoopAccounting) JobEnd(*structs.Job)         {}
func (NoopAccounting) StepStart(*structs.Step)     {}
func (NoopAccounting) StepEnd(*structs.Step)       {}
func (NoopAccounting) NodeDown(string, string)     {}

// MemoryStateSave is an in-process StateSave used by tests and by
// single-node demo wiring; a production deployment replaces it with a
// shadow-file-and-rename implementation per spec.md §6.
type MemoryStateSave struct {
	mu           sync.Mutex
	jobs         []*structs.Job
	nodes        []*structs.Node
	partitions   []*structs.Partition
	reservations []*structs.Reservation
}

func NewMemoryStateSave() *MemoryStateSave { return &MemoryStateSave{} }

func (m *MemoryStateSave) SaveJobs(jobs []*structs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = jobs
	return nil
}

func (m *MemoryStateSave) SaveNodes(nodes []*structs.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = nodes
	return nil
}

func (m *MemoryStateSave) SavePartitions(parts []*structs.Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions = parts
	return nil
}

func (m *MemoryStateSave) SaveReservations(res []*structs.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations = res
	return nil
}

func (m *MemoryStateSave) RestoreAll() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxID uint32
	for _, j := range m.jobs {
		if j.ID > maxID {
			maxID = j.ID
		}
	}
	return &Snapshot{
		Jobs:         m.jobs,
		Nodes:        m.nodes,
		Partitions:   m.partitions,
		Reservations: m.reservations,
		NextJobID:    maxID + 1,
	}, nil
}

// AgePriority is a minimal PriorityPlugin: priority grows with submit-time
// age only. Fair-share computation internals are a Non-goal (spec.md §1);
// production deployments supply a real plugin.
type AgePriority struct {
	Now func() time.Time
}

func (p AgePriority) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p AgePriority) PriorityOf(j *structs.Job) uint32 {
	age := p.now().Sub(j.SubmitTime)
	if age < 0 {
		age = 0
	}
	// One priority point per second waited, capped to stay in range.
	v := age.Seconds()
	if v > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}

func (p AgePriority) Factors(j *structs.Job) PriorityFactors {
	return PriorityFactors{Age: p.now().Sub(j.SubmitTime).Seconds()}
}

// IdentityTopology returns the candidate subset unchanged; a real topology
// plugin reorders by fabric locality.
type IdentityTopology struct{}

func (IdentityTopology) OrderNodes(subset []string) []string { return subset }

// PassthroughSwitch treats PluginData as already-packed bytes, for drivers
// with no switch-specific framing.
type PassthroughSwitch struct{}

func (PassthroughSwitch) Pack(d structs.PluginData) ([]byte, error) { return d.Bytes, nil }
func (PassthroughSwitch) Unpack(b []byte) (structs.PluginData, error) {
	return structs.PluginData{Bytes: b}, nil
}
func (PassthroughSwitch) Copy(d structs.PluginData) structs.PluginData { return d.Clone() }

// StaticAuth resolves a credential to a uid/gid from a fixed table, for
// tests and single-node demos. A production deployment delegates to the
// real authentication backend named in spec.md §1 (out of scope here). It
// also implements UIDResolver over the same table, since test/demo wiring
// has no separate passwd database to consult.
type StaticAuth struct {
	mu    sync.RWMutex
	table map[string][2]uint32 // credential string -> {uid, gid}
	names map[uint32]string    // uid -> username
}

func NewStaticAuth() *StaticAuth {
	return &StaticAuth{table: make(map[string][2]uint32), names: make(map[uint32]string)}
}

func (a *StaticAuth) Add(credential, username string, uid, gid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table[credential] = [2]uint32{uid, gid}
	a.names[uid] = username
}

func (a *StaticAuth) Username(uid uint32) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if name, ok := a.names[uid]; ok {
		return name, nil
	}
	return "", structs.ErrUserIDMissing
}

func (a *StaticAuth) Verify(credential []byte) (uint32, uint32, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids, ok := a.table[string(credential)]
	if !ok {
		return 0, 0, structs.ErrUserIDMissing
	}
	return ids[0], ids[1], nil
}

func (a *StaticAuth) ErrorString(credential []byte) string {
	return fmt.Sprintf("no identity for credential %q", credential)
}

// MsgpackCodec implements WireCodec over github.com/hashicorp/go-msgpack/v2,
// matching the teacher's own wire encoding (teacher go.mod:
// github.com/hashicorp/go-msgpack/v2, github.com/hashicorp/net-rpc-msgpackrpc/v2).
// Encode/Decode frame a message as a 2-byte big-endian msg_type followed
// by the body bytes, which pass through unchanged; the other spec.md §6
// header fields (version/flags/body_length/forwarding) are neither written
// nor read here. EncodeValue/DecodeValue do the msgpack body
// (de)serialization.
type MsgpackCodec struct {
	handle *msgpack.MsgpackHandle
}

func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{handle: &msgpack.MsgpackHandle{}}
}

func (c *MsgpackCodec) Decode(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("short message")
	}
	msgType := uint16(b[0])<<8 | uint16(b[1])
	return msgType, b[2:], nil
}

func (c *MsgpackCodec) Encode(msgType uint16, payload []byte) ([]byte, error) {
	out := make([]byte, 2+len(payload))
	out[0] = byte(msgType >> 8)
	out[1] = byte(msgType)
	copy(out[2:], payload)
	return out, nil
}

// EncodeValue/DecodeValue expose the underlying msgpack handle for RPC
// body (de)serialization of structs.* request/response types.
func (c *MsgpackCodec) EncodeValue(v interface{}) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, c.handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *MsgpackCodec) DecodeValue(b []byte, v interface{}) error {
	dec := msgpack.NewDecoderBytes(b, c.handle)
	return dec.Decode(v)
}
