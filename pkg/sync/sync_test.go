package sync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isala404/scale-to-zero-ebpf/pkg/registry"
	"github.com/isala404/scale-to-zero-ebpf/pkg/table"
)

// fakeTable is an in-memory kernelTable double, used so these tests
// exercise Tick's projection logic without a real kernel map.
type fakeTable struct {
	m           map[uint32]uint32
	insertErr   error
	insertCalls int
}

func newFakeTable() *fakeTable {
	return &fakeTable{m: map[uint32]uint32{}}
}

func (f *fakeTable) Get(ip uint32) (uint32, bool) {
	v, ok := f.m[ip]
	return v, ok
}

func (f *fakeTable) Insert(ip uint32, flag uint32) error {
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.m[ip] = flag
	return nil
}

func (f *fakeTable) Remove(ip uint32) error {
	delete(f.m, ip)
	return nil
}

func (f *fakeTable) Keys() ([]uint32, error) {
	keys := make([]uint32, 0, len(f.m))
	for k := range f.m {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestSyncer(reg *registry.Registry, ft *fakeTable) *Syncer {
	return New(reg, ft, DefaultInterval, nil)
}

func TestTickWritesMissingKey(t *testing.T) {
	reg := registry.New()
	reg.UpsertService("10.0.0.5", registry.KindDeployment, "foo", "default", 60, 1)
	ft := newFakeTable()
	s := newTestSyncer(reg, ft)

	s.Tick()

	ip, err := ipv4ToUint32("10.0.0.5")
	require.NoError(t, err)
	v, ok := ft.m[ip]
	require.True(t, ok, "expected kernel table to hold an entry for 10.0.0.5")
	assert.Equal(t, uint32(1), v)
	assert.Equal(t, 1, ft.insertCalls, "expected exactly one insert")
}

func TestTickSkipsNoopWrite(t *testing.T) {
	reg := registry.New()
	reg.UpsertService("10.0.0.5", registry.KindDeployment, "foo", "default", 60, 1)
	ft := newFakeTable()
	ip, _ := ipv4ToUint32("10.0.0.5")
	ft.m[ip] = 1
	s := newTestSyncer(reg, ft)

	s.Tick()

	assert.Zero(t, ft.insertCalls, "expected no-op write to skip Insert")
}

func TestTickRemovesUndesiredKey(t *testing.T) {
	reg := registry.New() // nothing managed
	ft := newFakeTable()
	staleIP, _ := ipv4ToUint32("10.0.0.9")
	ft.m[staleIP] = 1
	s := newTestSyncer(reg, ft)

	s.Tick()

	_, ok := ft.m[staleIP]
	assert.False(t, ok, "expected stale key to be removed from kernel table")
}

func TestTickCapacityExceededIsSkippedNotFatal(t *testing.T) {
	reg := registry.New()
	reg.UpsertService("10.0.0.5", registry.KindDeployment, "foo", "default", 60, 1)
	ft := newFakeTable()
	ft.insertErr = table.ErrMapCapacityExceeded
	s := newTestSyncer(reg, ft)

	s.Tick() // must not panic and must leave the table untouched

	ip, _ := ipv4ToUint32("10.0.0.5")
	_, ok := ft.m[ip]
	assert.False(t, ok, "expected failed insert to leave no entry in the table")
}

func TestTickOtherInsertErrorIsLoggedAndSkipped(t *testing.T) {
	reg := registry.New()
	reg.UpsertService("10.0.0.5", registry.KindDeployment, "foo", "default", 60, 1)
	ft := newFakeTable()
	ft.insertErr = errors.New("boom")
	s := newTestSyncer(reg, ft)

	s.Tick() // must not panic; a non-capacity error is also skip-and-continue

	assert.Equal(t, 1, ft.insertCalls, "expected one attempted insert")
}

func TestIPv4ToUint32RejectsUnparseable(t *testing.T) {
	_, err := ipv4ToUint32("not-an-ip")
	assert.Error(t, err, "expected error for unparseable IP")
}
