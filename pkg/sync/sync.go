// Package sync implements Registry Sync (C4): the loop that projects
// the userspace ServiceRegistry onto the kernel ServiceAvailability
// table every tick.
package sync

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/isala404/scale-to-zero-ebpf/pkg/registry"
	"github.com/isala404/scale-to-zero-ebpf/pkg/table"
)

// DefaultInterval is the sync tick period from spec.md §4.4.
const DefaultInterval = 100 * time.Millisecond

// kernelTable is the subset of *table.ServiceAvailability the Syncer
// needs. It exists so tests can exercise Tick's projection logic
// against an in-memory fake instead of a real kernel map.
type kernelTable interface {
	Get(ip uint32) (uint32, bool)
	Insert(ip uint32, flag uint32) error
	Remove(ip uint32) error
	Keys() ([]uint32, error)
}

// Syncer periodically projects a Registry's availability snapshot into
// the kernel ServiceAvailability table.
type Syncer struct {
	reg      *registry.Registry
	table    kernelTable
	interval time.Duration

	writes           prometheus.Counter
	noops            prometheus.Counter
	removals         prometheus.Counter
	capacityExceeded prometheus.Counter
}

// New constructs a Syncer. reg2 (a prometheus.Registerer) may be nil in
// tests.
func New(reg *registry.Registry, t kernelTable, interval time.Duration, reg2 prometheus.Registerer) *Syncer {
	s := &Syncer{reg: reg, table: t, interval: interval}
	s.writes = promCounter(reg2, "sync_writes_total", "Number of kernel table writes issued by Registry Sync.")
	s.noops = promCounter(reg2, "sync_noop_total", "Number of sync ticks where a key's value already matched and no write was issued.")
	s.removals = promCounter(reg2, "sync_removals_total", "Number of kernel table keys removed because they are no longer managed.")
	s.capacityExceeded = promCounter(reg2, "sync_capacity_exceeded_total", "Number of inserts skipped because the kernel table was at capacity.")
	return s
}

func promCounter(registerer prometheus.Registerer, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "scale_to_zero", Name: name, Help: help})
	if registerer != nil {
		registerer.MustRegister(c)
	}
	return c
}

// Run ticks every s.interval until ctx is cancelled, calling Tick each
// time.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one projection of the registry onto the kernel table,
// exactly per spec.md §4.4: write keys whose value differs or is
// missing, remove keys no longer desired. It is idempotent and safe to
// call concurrently with registry mutations, since registry reads go
// through the registry's own lock and each kernel write is a
// single-key, independently-atomic map operation.
func (s *Syncer) Tick() {
	log := logrus.WithField("sync_id", uuid.NewString())

	desired := s.reg.SnapshotForSync()

	desiredIPs := make(map[uint32]struct{}, len(desired))
	for ipStr, available := range desired {
		ip, err := ipv4ToUint32(ipStr)
		if err != nil {
			log.WithError(err).WithField("cluster_ip", ipStr).Warn("skipping unparseable cluster IP during sync")
			continue
		}
		desiredIPs[ip] = struct{}{}

		want := uint32(0)
		if available {
			want = 1
		}

		current, present := s.table.Get(ip)
		if present && current == want {
			s.noops.Inc()
			continue
		}
		if err := s.table.Insert(ip, want); err != nil {
			if errors.Is(err, table.ErrMapCapacityExceeded) {
				s.capacityExceeded.Inc()
				log.WithField("cluster_ip", ipStr).Warn("service availability table at capacity, will retry next tick")
				continue
			}
			log.WithError(err).WithField("cluster_ip", ipStr).Error("failed to write service availability entry")
			continue
		}
		s.writes.Inc()
	}

	existing, err := s.table.Keys()
	if err != nil {
		log.WithError(err).Error("failed to enumerate service availability table during sync")
		return
	}
	for _, ip := range existing {
		if _, ok := desiredIPs[ip]; ok {
			continue
		}
		if err := s.table.Remove(ip); err != nil {
			log.WithError(err).Error("failed to remove stale service availability entry")
			continue
		}
		s.removals.Inc()
	}
}

func ipv4ToUint32(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, &net.ParseError{Type: "IP address", Text: s}
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, &net.ParseError{Type: "IPv4 address", Text: s}
	}
	return table.IPv4ToHostUint32([4]byte{v4[0], v4[1], v4[2], v4[3]}), nil
}
