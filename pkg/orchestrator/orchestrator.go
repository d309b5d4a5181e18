// Package orchestrator is the narrow contract the rest of the
// controller consumes against the container orchestrator: watch<T>,
// get<T>, patch<T> (spec.md §6). It is the only package that imports
// k8s.io/client-go directly, so every other component can be tested
// against a fake implementation of Client.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	apps "k8s.io/api/apps/v1"
	core "k8s.io/api/core/v1"
)

// Kind tags which watched resource an Event carries.
type Kind int

const (
	KindService Kind = iota
	KindDeployment
	KindStatefulSet
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindDeployment:
		return "deployment"
	case KindStatefulSet:
		return "statefulset"
	default:
		return "unknown"
	}
}

// Event is the tagged-variant merged event the Cluster Watcher selects
// over three independent watch streams to produce, per spec.md §9
// ("prefer a single enumerated event type with three variants over
// three independent handlers"). Exactly one of Service/Deployment/
// StatefulSet is non-nil, selected by Kind.
type Event struct {
	Kind         Kind
	Service      *core.Service
	Deployment   *apps.Deployment
	StatefulSet  *apps.StatefulSet
}

// ErrTransient marks a per-event API error that should be logged and
// skipped, with the watch loop continuing.
var ErrTransient = errors.New("scale-to-zero: transient orchestrator error")

// ErrFatalStream marks an unrecoverable error on one of the underlying
// watch streams; it propagates up and terminates the Cluster Watcher.
var ErrFatalStream = errors.New("scale-to-zero: fatal orchestrator stream error")

// Client is the opaque watch+get+patch interface the control plane
// consumes. The concrete implementation (client.go) wraps
// k8s.io/client-go and is tested here over client-go's own fake
// clientset; the watcher and scaler tests use hand-written Client
// doubles instead.
type Client interface {
	// Events returns a single merged, ordered-per-source stream of
	// applied-object events across Services, Deployments, and
	// StatefulSets in the configured namespace. The channel is closed
	// when ctx is done or a fatal stream error occurs; in the latter
	// case, Err returns a non-nil error wrapping ErrFatalStream once
	// the channel has drained.
	Events(ctx context.Context) (<-chan Event, error)

	// Err returns the fatal stream error that caused the Events
	// channel to close, or nil if it closed because ctx was done (or
	// has not closed yet).
	Err() error

	GetDeployment(ctx context.Context, name string) (*apps.Deployment, error)
	GetStatefulSet(ctx context.Context, name string) (*apps.StatefulSet, error)

	PatchDeploymentReplicas(ctx context.Context, name string, replicas int32) error
	PatchStatefulSetReplicas(ctx context.Context, name string, replicas int32) error
}

// IsTransient reports whether err represents a transient, skip-and-
// continue API failure (as opposed to a fatal stream error).
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}
