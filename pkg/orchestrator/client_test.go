package orchestrator

import (
	"context"
	"testing"
	"time"

	apps "k8s.io/api/apps/v1"
	core "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int32ptr(v int32) *int32 { return &v }

func TestEventsDeliversExistingObjectsOnStartup(t *testing.T) {
	svc := &core.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "svc-a", Namespace: "default"},
		Spec:       core.ServiceSpec{ClusterIP: "10.0.0.5"},
	}
	dep := &apps.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "foo", Namespace: "default"},
		Spec:       apps.DeploymentSpec{Replicas: int32ptr(0)},
	}

	clientset := fake.NewSimpleClientset(svc, dep)
	c := NewClientFromClientset(clientset, "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Events(ctx)
	require.NoError(t, err)

	seen := map[Kind]int{}
	timeout := time.After(2 * time.Second)
	for seen[KindService] == 0 || seen[KindDeployment] == 0 {
		select {
		case evt := <-events:
			seen[evt.Kind]++
		case <-timeout:
			t.Fatalf("timed out waiting for initial events, saw: %+v", seen)
		}
	}
}

func TestPatchDeploymentReplicasSendsMergePatch(t *testing.T) {
	dep := &apps.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "foo", Namespace: "default"},
		Spec:       apps.DeploymentSpec{Replicas: int32ptr(0)},
	}
	clientset := fake.NewSimpleClientset(dep)
	c := NewClientFromClientset(clientset, "default")

	require.NoError(t, c.PatchDeploymentReplicas(context.Background(), "foo", 1))

	got, err := c.GetDeployment(context.Background(), "foo")
	require.NoError(t, err)
	require.NotNil(t, got.Spec.Replicas)
	assert.EqualValues(t, 1, *got.Spec.Replicas)
}

func TestGetDeploymentMissingIsTransient(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	c := NewClientFromClientset(clientset, "default")

	_, err := c.GetDeployment(context.Background(), "missing")
	require.Error(t, err, "expected error for missing deployment")
	assert.True(t, IsTransient(err), "expected transient error")
}
