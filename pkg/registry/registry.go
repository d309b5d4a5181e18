// Package registry owns the authoritative in-memory ServiceRegistry: the
// single source of truth that the Cluster Watcher writes, Registry Sync
// reads, the Wake Consumer touches, and the Scaler mutates.
//
// A single mutex guards both the ServiceRecord map and the WorkloadRef
// index, since the two are always mutated together. This replaces the
// ad-hoc pattern of several independent locked globals (one per
// concern) with one module exposing narrow operations, each holding the
// lock only across an in-memory update.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// WorkloadKind identifies the kind of workload backing a managed service.
type WorkloadKind string

const (
	KindDeployment  WorkloadKind = "deployment"
	KindStatefulSet WorkloadKind = "statefulset"
)

// ParseWorkloadKind validates the workload kind token from the reference
// annotation ("<kind>/<name>").
func ParseWorkloadKind(s string) (WorkloadKind, error) {
	switch s {
	case string(KindDeployment):
		return KindDeployment, nil
	case string(KindStatefulSet):
		return KindStatefulSet, nil
	default:
		return "", fmt.Errorf("%w: unknown workload kind %q", ErrInvalidAnnotation, s)
	}
}

// WorkloadRef is the secondary index key: (kind, name, namespace) routes
// a workload event back to the owning ServiceRecord's ClusterIP.
type WorkloadRef struct {
	Kind      WorkloadKind
	Name      string
	Namespace string
}

// ServiceRecord is the userspace authoritative state for one managed
// service, keyed by ClusterIP.
type ServiceRecord struct {
	ClusterIP            string
	WorkloadKind         WorkloadKind
	WorkloadName         string
	WorkloadNamespace    string
	ScaleDownTimeSeconds int64
	LastPacketTime       int64
	BackendAvailable     bool
}

func (r ServiceRecord) workloadRef() WorkloadRef {
	return WorkloadRef{Kind: r.WorkloadKind, Name: r.WorkloadName, Namespace: r.WorkloadNamespace}
}

var (
	// ErrInvalidAnnotation marks a managed-service annotation that is
	// present but malformed (bad reference format, unknown kind,
	// unparseable scale-down-time).
	ErrInvalidAnnotation = errors.New("scale-to-zero: invalid annotation")

	// ErrMissingReference marks a service whose referenced workload
	// does not exist in the cluster.
	ErrMissingReference = errors.New("scale-to-zero: referenced workload not found")

	// ErrNotFound is returned by lookups that miss.
	ErrNotFound = errors.New("scale-to-zero: service record not found")
)

// Registry is the single lock-guarded owner of all ServiceRecords and
// the WorkloadRef index.
type Registry struct {
	mu       sync.Mutex
	byIP     map[string]ServiceRecord
	byWorkload map[WorkloadRef]string // WorkloadRef -> ClusterIP
	now      func() int64
}

// New constructs an empty Registry. Its clock (the now field) is the
// wall clock in Unix seconds; tests in this package may override it.
func New() *Registry {
	return &Registry{
		byIP:       make(map[string]ServiceRecord),
		byWorkload: make(map[WorkloadRef]string),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// UpsertService creates or replaces the ServiceRecord for clusterIP,
// seeding last_packet_time to now and backend_available from the
// current replica count. It (re)inserts the WorkloadRef index entry and
// removes any stale index entry the previous record (if any) held.
func (r *Registry) UpsertService(clusterIP string, kind WorkloadKind, workloadName, workloadNamespace string, scaleDownTimeSeconds int64, replicas int32) ServiceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byIP[clusterIP]; ok {
		delete(r.byWorkload, old.workloadRef())
	}

	rec := ServiceRecord{
		ClusterIP:            clusterIP,
		WorkloadKind:         kind,
		WorkloadName:         workloadName,
		WorkloadNamespace:    workloadNamespace,
		ScaleDownTimeSeconds: scaleDownTimeSeconds,
		LastPacketTime:       r.now(),
		BackendAvailable:     replicas >= 1,
	}
	r.byIP[clusterIP] = rec
	r.byWorkload[rec.workloadRef()] = clusterIP
	return rec
}

// ApplyWorkloadUpdate looks up the owning service via the WorkloadRef
// index and sets backend_available from the current replica count. It
// is a no-op if no service currently references that workload (the
// workload event arrived before its owning service, or the service was
// never managed).
func (r *Registry) ApplyWorkloadUpdate(ref WorkloadRef, replicas int32) (ServiceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ip, ok := r.byWorkload[ref]
	if !ok {
		return ServiceRecord{}, false
	}
	rec := r.byIP[ip]
	rec.BackendAvailable = replicas >= 1
	r.byIP[ip] = rec
	return rec, true
}

// Touch advances last_packet_time for clusterIP to now. An earlier or
// equal now leaves the timestamp unchanged, so last_packet_time never
// goes backwards. It is a no-op if clusterIP has no record.
func (r *Registry) Touch(clusterIP string, now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byIP[clusterIP]
	if !ok {
		return
	}
	if now > rec.LastPacketTime {
		rec.LastPacketTime = now
		r.byIP[clusterIP] = rec
	}
}

// Get returns a copy of the record for clusterIP.
func (r *Registry) Get(clusterIP string) (ServiceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byIP[clusterIP]
	return rec, ok
}

// SnapshotForSync returns the desired kernel-table projection: ClusterIP
// -> availability flag, for every currently-known ServiceRecord.
func (r *Registry) SnapshotForSync() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.byIP))
	for ip, rec := range r.byIP {
		out[ip] = rec.BackendAvailable
	}
	return out
}

// Keys returns a snapshot of all managed ClusterIPs, for callers (the
// scale-down loop) that need to iterate without holding the lock across
// per-key work.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.byIP))
	for ip := range r.byIP {
		keys = append(keys, ip)
	}
	return keys
}

// MarkScaledDown flips backend_available to false for clusterIP, used
// by the Scaler once its scale-down patch has been submitted.
func (r *Registry) MarkScaledDown(clusterIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byIP[clusterIP]
	if !ok {
		return
	}
	rec.BackendAvailable = false
	r.byIP[clusterIP] = rec
}

// MarkScaledUp flips backend_available to true for clusterIP,
// optimistically, before the scale-up patch call returns.
func (r *Registry) MarkScaledUp(clusterIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byIP[clusterIP]
	if !ok {
		return
	}
	rec.BackendAvailable = true
	r.byIP[clusterIP] = rec
}
