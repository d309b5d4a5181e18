// Package scaler implements the Scaler (C6): scale-up on a wake event,
// and the periodic scale-down loop that idles a managed workload's
// backend once it has been quiet for longer than its configured
// scale-down-time.
package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/isala404/scale-to-zero-ebpf/pkg/orchestrator"
	"github.com/isala404/scale-to-zero-ebpf/pkg/registry"
)

// DefaultScaleDownCheckInterval is the scale-down loop's poll period,
// per spec.md §4.6.
const DefaultScaleDownCheckInterval = 1 * time.Second

// rateLimitWindow is the minimum gap between two ScaleUp attempts for
// the same ClusterIP, per spec.md §5 ("a second independent mutex-
// guarded map of ClusterIP -> last scale-up attempt time").
const rateLimitWindow = 5 * time.Second

// ErrRateLimited is returned by ScaleUp when a prior attempt for the
// same ClusterIP is still inside rateLimitWindow. It is not logged as
// an error by the Wake Consumer (spec.md §4.5: "log errors, except a
// rate-limited scale-up, which is expected and frequent").
var ErrRateLimited = errors.New("scale-to-zero: scale up rate limited")

// RateLimiter tracks the last scale-up attempt time per ClusterIP,
// independently of Registry, since it is Scaler-internal bookkeeping
// rather than state other components need to observe.
type RateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewRateLimiter constructs an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether a scale-up attempt for clusterIP may proceed,
// and if so records the attempt immediately (check-then-set under a
// single lock acquisition, so two concurrent callers can't both pass).
func (l *RateLimiter) Allow(clusterIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[clusterIP]; ok && now.Sub(last) < rateLimitWindow {
		return false
	}
	l.last[clusterIP] = now
	return true
}

// Scaler owns the scale-up and scale-down decisions against a Registry,
// issued through an orchestrator.Client.
type Scaler struct {
	client  orchestrator.Client
	reg     *registry.Registry
	limiter *RateLimiter
	now     func() int64

	checkInterval time.Duration
}

// New constructs a Scaler.
func New(client orchestrator.Client, reg *registry.Registry, checkInterval time.Duration) *Scaler {
	return &Scaler{
		client:        client,
		reg:           reg,
		limiter:       NewRateLimiter(),
		now:           func() int64 { return time.Now().Unix() },
		checkInterval: checkInterval,
	}
}

// ScaleUp patches the workload backing clusterIP to 1 replica, subject
// to rate limiting. The rate limiter's attempt timestamp is recorded
// before the API call is issued (spec.md §5: "update-before-call", so a
// slow or hanging patch can't let a burst of wake events all pass the
// check). The registry's backend_available flag is set optimistically,
// ahead of the patch actually landing, matching spec.md §4.6.
func (s *Scaler) ScaleUp(ctx context.Context, clusterIP string) error {
	if !s.limiter.Allow(clusterIP) {
		return ErrRateLimited
	}

	rec, ok := s.reg.Get(clusterIP)
	if !ok {
		return errors.Errorf("scale up: %s is not a managed service", clusterIP)
	}
	if rec.BackendAvailable {
		return nil
	}

	log := logrus.WithFields(logrus.Fields{
		"cluster_ip":    clusterIP,
		"workload_kind": rec.WorkloadKind,
		"workload_name": rec.WorkloadName,
	})

	s.reg.MarkScaledUp(clusterIP)

	var err error
	switch rec.WorkloadKind {
	case registry.KindDeployment:
		err = s.client.PatchDeploymentReplicas(ctx, rec.WorkloadName, 1)
	case registry.KindStatefulSet:
		err = s.client.PatchStatefulSetReplicas(ctx, rec.WorkloadName, 1)
	default:
		err = errors.Errorf("unhandled workload kind %q", rec.WorkloadKind)
	}
	if err != nil {
		log.WithError(err).Error("scale up patch failed")
		return errors.Wrap(err, "scale up")
	}

	log.Info("scaled up")
	return nil
}

// RunScaleDownLoop ticks every s.checkInterval, scaling down any
// managed service that has been idle longer than its configured
// scale-down-time and whose backend is currently available.
func (s *Scaler) RunScaleDownLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scaleDownTick(ctx)
		}
	}
}

func (s *Scaler) scaleDownTick(ctx context.Context) {
	now := s.now()
	for _, ip := range s.reg.Keys() {
		rec, ok := s.reg.Get(ip)
		if !ok || !rec.BackendAvailable {
			continue
		}
		if now-rec.LastPacketTime <= rec.ScaleDownTimeSeconds {
			continue
		}

		log := logrus.WithFields(logrus.Fields{
			"cluster_ip":    ip,
			"workload_kind": rec.WorkloadKind,
			"workload_name": rec.WorkloadName,
			"idle_seconds":  now - rec.LastPacketTime,
		})

		var err error
		switch rec.WorkloadKind {
		case registry.KindDeployment:
			err = s.client.PatchDeploymentReplicas(ctx, rec.WorkloadName, 0)
		case registry.KindStatefulSet:
			err = s.client.PatchStatefulSetReplicas(ctx, rec.WorkloadName, 0)
		default:
			log.Error("unhandled workload kind during scale down")
			continue
		}
		if err != nil {
			log.WithError(err).Error("scale down patch failed")
			continue
		}

		s.reg.MarkScaledDown(ip)
		log.Info("scaled down")
	}
}
