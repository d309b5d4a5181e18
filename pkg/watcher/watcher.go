// Package watcher implements the Cluster Watcher (C3): it drains the
// merged event stream from pkg/orchestrator and applies spec.md §4.3's
// service/workload event handling rules against a pkg/registry.Registry.
package watcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isala404/scale-to-zero-ebpf/pkg/orchestrator"
	"github.com/isala404/scale-to-zero-ebpf/pkg/registry"
)

const (
	// ReferenceAnnotation names the workload a managed service scales.
	ReferenceAnnotation = "scale-to-zero.isala.me/reference"
	// ScaleDownTimeAnnotation names the idle window, in seconds, after
	// which the Scaler scales the workload down.
	ScaleDownTimeAnnotation = "scale-to-zero.isala.me/scale-down-time"
)

// settleDelay is applied before marking a workload's owning service
// available again, as a crude stand-in for checking pod readiness
// conditions (spec.md §4.3, flagged as an open question in §9 — not
// resolved here, carried forward deliberately).
var settleDelay = 2 * time.Second

// Watcher is the Cluster Watcher: one goroutine draining the merged
// event stream and applying it to a Registry.
type Watcher struct {
	client orchestrator.Client
	reg    *registry.Registry
}

// New constructs a Watcher over client, mutating reg.
func New(client orchestrator.Client, reg *registry.Registry) *Watcher {
	return &Watcher{client: client, reg: reg}
}

// Run blocks draining events until ctx is cancelled or a fatal stream
// error occurs, in which case it returns a non-nil error wrapping
// orchestrator.ErrFatalStream (spec.md §4.3/§7: "a fatal stream error
// surfaces upward, terminating the watcher").
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.client.Events(ctx)
	if err != nil {
		return fmt.Errorf("start event stream: %w", err)
	}

	for evt := range events {
		switch evt.Kind {
		case orchestrator.KindService:
			w.handleService(ctx, evt)
		case orchestrator.KindDeployment:
			replicas := int32(0)
			if evt.Deployment.Spec.Replicas != nil {
				replicas = *evt.Deployment.Spec.Replicas
			}
			w.handleWorkload(ctx, registry.KindDeployment, evt.Deployment.Name, evt.Deployment.Namespace, replicas)
		case orchestrator.KindStatefulSet:
			replicas := int32(0)
			if evt.StatefulSet.Spec.Replicas != nil {
				replicas = *evt.StatefulSet.Spec.Replicas
			}
			w.handleWorkload(ctx, registry.KindStatefulSet, evt.StatefulSet.Name, evt.StatefulSet.Namespace, replicas)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil
	}
	if fatal := w.client.Err(); fatal != nil {
		return fatal
	}
	return nil
}

// handleService implements spec.md §4.3's service-event handling.
func (w *Watcher) handleService(ctx context.Context, evt orchestrator.Event) {
	svc := evt.Service
	log := logrus.WithFields(logrus.Fields{"service": svc.Name, "namespace": svc.Namespace})

	ref, hasRef := svc.Annotations[ReferenceAnnotation]
	scaleDownRaw, hasScaleDown := svc.Annotations[ScaleDownTimeAnnotation]
	if !hasRef || !hasScaleDown {
		// Not managed: neither annotation alone is enough (spec.md §9
		// resolves the "which annotation gates management" ambiguity
		// in favor of requiring both).
		return
	}

	kind, name, err := parseReference(ref)
	if err != nil {
		log.WithError(err).Warn("invalid reference annotation, skipping service")
		return
	}

	scaleDownTime, err := strconv.ParseInt(scaleDownRaw, 10, 64)
	if err != nil {
		log.WithError(fmt.Errorf("%w: %v", registry.ErrInvalidAnnotation, err)).Warn("invalid scale-down-time annotation, skipping service")
		return
	}

	clusterIP := svc.Spec.ClusterIP
	if clusterIP == "" || clusterIP == "None" {
		log.Warn("managed service has no cluster IP, skipping")
		return
	}

	replicas, err := w.resolveWorkloadReplicas(ctx, kind, name)
	if err != nil {
		log.WithError(err).WithField("workload", name).Warn("failed to resolve referenced workload, skipping service")
		return
	}

	log.WithFields(logrus.Fields{
		"workload_kind":   kind,
		"workload_name":   name,
		"scale_down_time": scaleDownTime,
		"cluster_ip":      clusterIP,
	}).Info("registering managed service")

	w.reg.UpsertService(clusterIP, kind, name, svc.Namespace, scaleDownTime, replicas)
}

// handleWorkload implements spec.md §4.3's workload-event handling.
func (w *Watcher) handleWorkload(ctx context.Context, kind registry.WorkloadKind, name, namespace string, replicas int32) {
	ref := registry.WorkloadRef{Kind: kind, Name: name, Namespace: namespace}

	if replicas >= 1 {
		select {
		case <-time.After(settleDelay):
		case <-ctx.Done():
			return
		}
	}

	if _, ok := w.reg.ApplyWorkloadUpdate(ref, replicas); !ok {
		// Workload event arrived before its owning service; dropped,
		// per spec.md §5 ("the next service-applied event
		// re-establishes state").
		return
	}
}

// resolveWorkloadReplicas fetches the current replica count for the
// workload a service references.
func (w *Watcher) resolveWorkloadReplicas(ctx context.Context, kind registry.WorkloadKind, name string) (int32, error) {
	switch kind {
	case registry.KindDeployment:
		dep, err := w.client.GetDeployment(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", registry.ErrMissingReference, err)
		}
		if dep.Spec.Replicas == nil {
			return 0, nil
		}
		return *dep.Spec.Replicas, nil
	case registry.KindStatefulSet:
		sts, err := w.client.GetStatefulSet(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", registry.ErrMissingReference, err)
		}
		if sts.Spec.Replicas == nil {
			return 0, nil
		}
		return *sts.Spec.Replicas, nil
	default:
		return 0, fmt.Errorf("%w: unhandled workload kind %q", registry.ErrInvalidAnnotation, kind)
	}
}

// parseReference splits a "<kind>/<name>" annotation value.
func parseReference(ref string) (registry.WorkloadKind, string, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: reference %q is not \"<kind>/<name>\"", registry.ErrInvalidAnnotation, ref)
	}
	kind, err := registry.ParseWorkloadKind(parts[0])
	if err != nil {
		return "", "", err
	}
	return kind, parts[1], nil
}
