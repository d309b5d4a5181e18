package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertServiceSeedsAvailability(t *testing.T) {
	r := New()

	rec := r.UpsertService("10.0.0.5", KindDeployment, "foo", "default", 60, 0)
	assert.False(t, rec.BackendAvailable, "expected backend_available=false for replicas=0")

	rec = r.UpsertService("10.0.0.6", KindDeployment, "bar", "default", 60, 2)
	assert.True(t, rec.BackendAvailable, "expected backend_available=true for replicas=2")
}

func TestApplyWorkloadUpdateRoutesThroughIndex(t *testing.T) {
	r := New()
	r.UpsertService("10.0.0.5", KindDeployment, "foo", "default", 60, 0)

	ref := WorkloadRef{Kind: KindDeployment, Name: "foo", Namespace: "default"}
	rec, ok := r.ApplyWorkloadUpdate(ref, 3)
	require.True(t, ok, "expected workload update to find owning service")
	assert.True(t, rec.BackendAvailable, "expected backend_available=true after replicas=3 update")

	got, ok := r.Get("10.0.0.5")
	require.True(t, ok)
	assert.True(t, got.BackendAvailable, "update not persisted in registry")
}

func TestApplyWorkloadUpdateIgnoresUnknownWorkload(t *testing.T) {
	r := New()
	ref := WorkloadRef{Kind: KindDeployment, Name: "ghost", Namespace: "default"}
	_, ok := r.ApplyWorkloadUpdate(ref, 1)
	assert.False(t, ok, "expected no match for unregistered workload")
}

func TestTouchIsMonotonicNonDecreasing(t *testing.T) {
	r := New()
	r.UpsertService("10.0.0.5", KindDeployment, "foo", "default", 60, 1)

	rec, ok := r.Get("10.0.0.5")
	require.True(t, ok)
	before := rec.LastPacketTime

	r.Touch("10.0.0.5", before-100) // earlier timestamp must not regress
	rec, _ = r.Get("10.0.0.5")
	assert.Equal(t, before, rec.LastPacketTime, "last_packet_time must not regress")

	r.Touch("10.0.0.5", before+10)
	rec, _ = r.Get("10.0.0.5")
	assert.Equal(t, before+10, rec.LastPacketTime, "last_packet_time must advance")
}

func TestUpsertServiceReplacesWorkloadIndexEntry(t *testing.T) {
	r := New()
	r.UpsertService("10.0.0.5", KindDeployment, "foo", "default", 60, 1)
	// Re-point the same ClusterIP at a different workload.
	r.UpsertService("10.0.0.5", KindStatefulSet, "bar", "default", 30, 1)

	oldRef := WorkloadRef{Kind: KindDeployment, Name: "foo", Namespace: "default"}
	_, ok := r.ApplyWorkloadUpdate(oldRef, 5)
	assert.False(t, ok, "stale workload index entry should have been removed")

	newRef := WorkloadRef{Kind: KindStatefulSet, Name: "bar", Namespace: "default"}
	_, ok = r.ApplyWorkloadUpdate(newRef, 5)
	assert.True(t, ok, "expected new workload index entry to resolve")
}

func TestSnapshotForSyncReflectsAvailability(t *testing.T) {
	r := New()
	r.UpsertService("10.0.0.5", KindDeployment, "foo", "default", 60, 0)
	r.UpsertService("10.0.0.6", KindDeployment, "bar", "default", 60, 1)

	snap := r.SnapshotForSync()
	assert.Equal(t, map[string]bool{"10.0.0.5": false, "10.0.0.6": true}, snap)
}

func TestMarkScaledUpAndDown(t *testing.T) {
	r := New()
	r.UpsertService("10.0.0.5", KindDeployment, "foo", "default", 60, 0)

	r.MarkScaledUp("10.0.0.5")
	rec, ok := r.Get("10.0.0.5")
	require.True(t, ok)
	assert.True(t, rec.BackendAvailable, "expected backend_available=true after MarkScaledUp")

	r.MarkScaledDown("10.0.0.5")
	rec, _ = r.Get("10.0.0.5")
	assert.False(t, rec.BackendAvailable, "expected backend_available=false after MarkScaledDown")
}

func TestParseWorkloadKind(t *testing.T) {
	k, err := ParseWorkloadKind("deployment")
	assert.NoError(t, err)
	assert.Equal(t, KindDeployment, k)

	k, err = ParseWorkloadKind("statefulset")
	assert.NoError(t, err)
	assert.Equal(t, KindStatefulSet, k)

	_, err = ParseWorkloadKind("cronjob")
	assert.Error(t, err, "expected error for unknown kind")
}
