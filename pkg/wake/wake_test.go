package wake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isala404/scale-to-zero-ebpf/pkg/registry"
	"github.com/isala404/scale-to-zero-ebpf/pkg/scaler"
	"github.com/isala404/scale-to-zero-ebpf/pkg/table"
)

// fakeReader feeds a fixed batch once, then blocks until closed.
type fakeReader struct {
	mu     sync.Mutex
	batch  []table.WakeEvent
	sent   bool
	closed chan struct{}
}

func newFakeReader(batch []table.WakeEvent) *fakeReader {
	return &fakeReader{batch: batch, closed: make(chan struct{})}
}

func (f *fakeReader) ReadBatch() ([]table.WakeEvent, error) {
	f.mu.Lock()
	if !f.sent {
		f.sent = true
		out := f.batch
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()

	<-f.closed
	return nil, errors.New("reader closed")
}

func (f *fakeReader) close() { close(f.closed) }

// fakeScaler records ScaleUp calls.
type fakeScaler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeScaler) ScaleUp(ctx context.Context, clusterIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, clusterIP)
	return f.err
}

func (f *fakeScaler) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func ipToUint32(ip string) uint32 {
	n, err := parseIPv4(ip)
	if err != nil {
		panic(err)
	}
	a, b, c, d := uint32(n[0]), uint32(n[1]), uint32(n[2]), uint32(n[3])
	return a<<24 | b<<16 | c<<8 | d
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	var part, idx int
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if idx > 3 {
				return out, errors.New("too many octets")
			}
			out[idx] = byte(part)
			idx++
			part = 0
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return out, errors.New("invalid octet")
		}
		part = part*10 + int(s[i]-'0')
	}
	if idx != 4 {
		return out, errors.New("too few octets")
	}
	return out, nil
}

func TestConsumerTouchesRegistryAndScalesUpOnDrop(t *testing.T) {
	reg := registry.New()
	reg.UpsertService("10.0.0.5", registry.KindDeployment, "foo", "default", 60, 0)

	fr := newFakeReader([]table.WakeEvent{
		{IPv4Address: ipToUint32("10.0.0.5"), Action: table.ActionDropTriggered},
	})
	fs := &fakeScaler{}
	c := New(fr, reg, fs, 2)
	const touchedAt = int64(1) << 40
	c.now = func() int64 { return touchedAt }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, func() bool { return len(fs.snapshot()) == 1 })
	assert.Equal(t, []string{"10.0.0.5"}, fs.snapshot())
	rec, ok := reg.Get("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, touchedAt, rec.LastPacketTime, "expected last_packet_time to be touched")

	cancel()
	fr.close()
	<-done
}

func TestConsumerSkipsUnmanagedDestination(t *testing.T) {
	reg := registry.New() // nothing managed
	fr := newFakeReader([]table.WakeEvent{
		{IPv4Address: ipToUint32("10.0.0.9"), Action: table.ActionDropTriggered},
	})
	fs := &fakeScaler{}
	c := New(fr, reg, fs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fs.snapshot(), "expected no scale up for unmanaged destination")

	cancel()
	fr.close()
	<-done
}

func TestConsumerDoesNotScaleUpOnLiveEvent(t *testing.T) {
	reg := registry.New()
	reg.UpsertService("10.0.0.5", registry.KindDeployment, "foo", "default", 60, 1)

	fr := newFakeReader([]table.WakeEvent{
		{IPv4Address: ipToUint32("10.0.0.5"), Action: table.ActionObservedLive},
	})
	fs := &fakeScaler{}
	c := New(fr, reg, fs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, func() bool {
		rec, ok := reg.Get("10.0.0.5")
		return ok && rec.LastPacketTime > 0
	})
	assert.Empty(t, fs.snapshot(), "expected no scale up on a live (action=0) event")

	cancel()
	fr.close()
	<-done
}

func TestConsumerRateLimitedScaleUpIsNotFatal(t *testing.T) {
	reg := registry.New()
	reg.UpsertService("10.0.0.5", registry.KindDeployment, "foo", "default", 60, 0)

	fr := newFakeReader([]table.WakeEvent{
		{IPv4Address: ipToUint32("10.0.0.5"), Action: table.ActionDropTriggered},
	})
	fs := &fakeScaler{err: scaler.ErrRateLimited}
	c := New(fr, reg, fs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, func() bool { return len(fs.snapshot()) == 1 })

	cancel()
	fr.close()
	require.NoError(t, <-done, "expected Run to return nil on context cancellation")
}
