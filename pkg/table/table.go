// Package table wraps the two kernel/user shared maps (§4.2 of the
// spec) in typed Go handles: ServiceAvailability (an IPv4->flag hash
// the classifier reads lock-free and userspace writes) and the
// wake-event ring (a lossy per-CPU queue the classifier emits into and
// userspace drains).
package table

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
)

// ErrMapCapacityExceeded is returned by Insert when the kernel map is
// full. The caller logs and continues; the service remains managed only
// after a later slot frees.
var ErrMapCapacityExceeded = errors.New("scale-to-zero: service availability map at capacity")

// MinCapacity is the minimum number of entries the ServiceAvailability
// map must support, per spec.md §4.2.
const MinCapacity = 1024

// Action mirrors the WakeEvent action field.
type Action uint8

const (
	ActionObservedLive   Action = 0
	ActionDropTriggered  Action = 1
)

// WakeEvent is the userspace mirror of the fixed-size kernel record
// {ipv4_address u32, action u8}.
type WakeEvent struct {
	IPv4Address uint32
	Action      Action
}

// ServiceAvailability wraps the BPF_MAP_TYPE_HASH(u32,u32) map the
// classifier looks up on every packet.
type ServiceAvailability struct {
	m *ebpf.Map
}

// NewServiceAvailability wraps an already-loaded map handle (obtained
// from the Loader by name).
func NewServiceAvailability(m *ebpf.Map) *ServiceAvailability {
	return &ServiceAvailability{m: m}
}

// Get returns the current flag for ip (host byte order), and whether
// the key is present at all (membership encodes "managed").
func (t *ServiceAvailability) Get(ip uint32) (flag uint32, ok bool) {
	var v uint32
	if err := t.m.Lookup(&ip, &v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return 0, false
		}
		return 0, false
	}
	return v, true
}

// Insert writes (or overwrites) the flag for ip.
func (t *ServiceAvailability) Insert(ip uint32, flag uint32) error {
	if err := t.m.Put(&ip, &flag); err != nil {
		if errors.Is(err, ebpf.ErrMapFull) || errors.Is(err, ebpf.ErrNotSupported) {
			return fmt.Errorf("%w: %v", ErrMapCapacityExceeded, err)
		}
		return err
	}
	return nil
}

// Remove deletes ip from the map. Removing an absent key is not an
// error: callers may race with a previous removal.
func (t *ServiceAvailability) Remove(ip uint32) error {
	if err := t.m.Delete(&ip); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

// Keys enumerates every IPv4 key currently present in the map.
func (t *ServiceAvailability) Keys() ([]uint32, error) {
	var (
		keys []uint32
		key  uint32
		val  uint32
	)
	it := t.m.Iterate()
	for it.Next(&key, &val) {
		keys = append(keys, key)
	}
	return keys, it.Err()
}

// Close releases the underlying map handle.
func (t *ServiceAvailability) Close() error {
	return t.m.Close()
}

// InMemory is a map-backed stand-in for ServiceAvailability, used by
// the controller's --dry-run mode so Registry Sync has somewhere to
// project into without a loaded kernel program.
type InMemory struct {
	mu sync.Mutex
	m  map[uint32]uint32
}

// NewInMemory constructs an empty InMemory table.
func NewInMemory() *InMemory {
	return &InMemory{m: make(map[uint32]uint32)}
}

func (t *InMemory) Get(ip uint32) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[ip]
	return v, ok
}

func (t *InMemory) Insert(ip uint32, flag uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[ip] = flag
	return nil
}

func (t *InMemory) Remove(ip uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, ip)
	return nil
}

func (t *InMemory) Keys() ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]uint32, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	return keys, nil
}

// IPv4ToHostUint32 converts the four octets of an IPv4 address (most
// significant first) to the host-order u32
// representation stored in ServiceAvailability.
func IPv4ToHostUint32(ip [4]byte) uint32 {
	return binary.BigEndian.Uint32(ip[:])
}

// WakeEventReader drains the per-CPU wake-event ring. cilium/ebpf's
// perf.Reader already demultiplexes the underlying per-CPU buffers, so
// a single reader instance gives the "one ring per CPU, one reader per
// ring" semantics of spec.md §4.2 without a second layer of fan-out.
type WakeEventReader struct {
	r *perf.Reader
}

// NewWakeEventReader opens a perf-event reader over the wake-event map.
// perCPUBufferSize is the per-CPU ring size in bytes.
func NewWakeEventReader(m *ebpf.Map, perCPUBufferSize int) (*WakeEventReader, error) {
	r, err := perf.NewReader(m, perCPUBufferSize)
	if err != nil {
		return nil, fmt.Errorf("open wake event reader: %w", err)
	}
	return &WakeEventReader{r: r}, nil
}

// ReadBatch blocks until the next record is available (or the reader is
// closed) and returns that one record decoded into WakeEvent, so a
// batch holds at most one event. A record with LostSamples > 0
// represents a full-ring drop and yields an empty batch: the decision
// was still made correctly by the classifier, only the event was lost,
// per spec.md §4.1's "best-effort" rule. A closed reader returns
// perf.ErrClosed unwrapped.
func (w *WakeEventReader) ReadBatch() ([]WakeEvent, error) {
	rec, err := w.r.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("read wake event: %w", err)
	}
	if rec.LostSamples > 0 || len(rec.RawSample) < 5 {
		return nil, nil
	}
	return []WakeEvent{{
		IPv4Address: binary.LittleEndian.Uint32(rec.RawSample[0:4]),
		Action:      Action(rec.RawSample[4]),
	}}, nil
}

// Close stops the reader; any goroutine blocked in ReadBatch receives
// perf.ErrClosed and should exit.
func (w *WakeEventReader) Close() error {
	return w.r.Close()
}
