// Package wake implements the Wake Consumer (C5): drains the kernel's
// wake-event ring and, per spec.md §4.5, touches the registry's
// last_packet_time on every event and triggers a scale-up when the
// classifier reports a dropped (scaled-to-zero) packet.
package wake

import (
	"context"
	"encoding/binary"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isala404/scale-to-zero-ebpf/pkg/registry"
	"github.com/isala404/scale-to-zero-ebpf/pkg/scaler"
	"github.com/isala404/scale-to-zero-ebpf/pkg/table"
)

// reader is the subset of *table.WakeEventReader the Consumer needs,
// narrowed so tests can feed it a synthetic event source.
type reader interface {
	ReadBatch() ([]table.WakeEvent, error)
}

// upScaler is the subset of *scaler.Scaler the Consumer needs.
type upScaler interface {
	ScaleUp(ctx context.Context, clusterIP string) error
}

// Consumer pumps wake events from the kernel ring into a bounded worker
// pool, per spec.md §9 ("one ring per CPU, fan out to a worker pool
// rather than a single global consumer goroutine"). cilium/ebpf's
// perf.Reader already demultiplexes the per-CPU rings into one ordered
// stream (pkg/table.WakeEventReader), so the pool here provides the
// fan-out property without a second per-CPU reader layer.
type Consumer struct {
	events reader
	reg    *registry.Registry
	scaler upScaler
	now    func() int64

	workers int
}

// New constructs a Consumer. workers defaults to runtime.NumCPU() when
// <= 0.
func New(events reader, reg *registry.Registry, s upScaler, workers int) *Consumer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Consumer{
		events:  events,
		reg:     reg,
		scaler:  s,
		now:     func() int64 { return time.Now().Unix() },
		workers: workers,
	}
}

// Run pumps ReadBatch in a single goroutine (the reader itself is not
// safe for concurrent Read calls) and dispatches each event to a pool
// of s.workers goroutines. It returns when ctx is cancelled or the
// reader returns an error other than context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	jobs := make(chan table.WakeEvent, c.workers*4)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, jobs)
		}()
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := c.events.ReadBatch()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, evt := range batch {
			select {
			case jobs <- evt:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Consumer) worker(ctx context.Context, jobs <-chan table.WakeEvent) {
	for evt := range jobs {
		c.handle(ctx, evt)
	}
}

// handle applies spec.md §4.5's per-event rule: resolve the event's
// destination IP to a ServiceRecord, unconditionally touch
// last_packet_time, and on a drop-triggered event (action==1) invoke
// the Scaler. Loopback destinations are filtered, mirroring
// original_source/.../utils.rs::process_packet's guard (the classifier
// never manages loopback, but a defensive skip costs nothing here).
func (c *Consumer) handle(ctx context.Context, evt table.WakeEvent) {
	ip := uint32ToIPv4(evt.IPv4Address)
	if ip.IsLoopback() {
		return
	}
	clusterIP := ip.String()

	if _, ok := c.reg.Get(clusterIP); !ok {
		return
	}
	c.reg.Touch(clusterIP, c.now())

	if evt.Action != table.ActionDropTriggered {
		return
	}

	if err := c.scaler.ScaleUp(ctx, clusterIP); err != nil {
		if err == scaler.ErrRateLimited {
			return
		}
		logrus.WithError(err).WithField("cluster_ip", clusterIP).Error("scale up from wake event failed")
	}
}

// uint32ToIPv4 is the inverse of table.IPv4ToHostUint32: it recovers the
// dotted-quad net.IP from the host-order u32 the kernel emits.
func uint32ToIPv4(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IPv4(b[0], b[1], b[2], b[3])
}
