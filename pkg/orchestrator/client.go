package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apps "k8s.io/api/apps/v1"
	core "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

// client is the client-go-backed Client implementation.
type client struct {
	clientset kubernetes.Interface
	namespace string
	factory   informers.SharedInformerFactory

	mu        sync.Mutex
	lastFatal error
}

func (c *client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFatal
}

func (c *client) setFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFatal == nil {
		c.lastFatal = err
	}
}

// NewClient builds a Client for namespace. kubeconfigPath may be empty,
// in which case in-cluster config is used (the normal case when the
// controller itself runs as a pod).
func NewClient(kubeconfigPath, namespace string) (Client, error) {
	restConfig, err := buildRestConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("build kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}

	factory := informers.NewSharedInformerFactoryWithOptions(clientset, 0, informers.WithNamespace(namespace))

	return &client{clientset: clientset, namespace: namespace, factory: factory}, nil
}

func buildRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	return rest.InClusterConfig()
}

// NewClientFromClientset is used by tests to wrap a fake clientset.
func NewClientFromClientset(clientset kubernetes.Interface, namespace string) Client {
	factory := informers.NewSharedInformerFactoryWithOptions(clientset, 0, informers.WithNamespace(namespace))
	return &client{clientset: clientset, namespace: namespace, factory: factory}
}

func (c *client) Events(ctx context.Context) (<-chan Event, error) {
	svcInformer := c.factory.Core().V1().Services().Informer()
	depInformer := c.factory.Apps().V1().Deployments().Informer()
	stsInformer := c.factory.Apps().V1().StatefulSets().Informer()

	out := make(chan Event, 256)
	fatal := make(chan error, 1)

	reportFatal := func(err error) {
		select {
		case fatal <- fmt.Errorf("%w: %v", ErrFatalStream, err):
		default:
		}
	}
	svcInformer.SetWatchErrorHandler(func(_ *cache.Reflector, err error) { reportFatal(err) })
	depInformer.SetWatchErrorHandler(func(_ *cache.Reflector, err error) { reportFatal(err) })
	stsInformer.SetWatchErrorHandler(func(_ *cache.Reflector, err error) { reportFatal(err) })

	send := func(evt Event) {
		select {
		case out <- evt:
		case <-ctx.Done():
		}
	}

	svcInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if svc, ok := obj.(*core.Service); ok {
				send(Event{Kind: KindService, Service: svc})
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			if svc, ok := newObj.(*core.Service); ok {
				send(Event{Kind: KindService, Service: svc})
			}
		},
	})
	depInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if dep, ok := obj.(*apps.Deployment); ok {
				send(Event{Kind: KindDeployment, Deployment: dep})
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			if dep, ok := newObj.(*apps.Deployment); ok {
				send(Event{Kind: KindDeployment, Deployment: dep})
			}
		},
	})
	stsInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if sts, ok := obj.(*apps.StatefulSet); ok {
				send(Event{Kind: KindStatefulSet, StatefulSet: sts})
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			if sts, ok := newObj.(*apps.StatefulSet); ok {
				send(Event{Kind: KindStatefulSet, StatefulSet: sts})
			}
		},
	})

	c.factory.Start(ctx.Done())
	c.factory.WaitForCacheSync(ctx.Done())

	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case err := <-fatal:
			c.setFatal(err)
		}
	}()

	return out, nil
}

func (c *client) GetDeployment(ctx context.Context, name string) (*apps.Deployment, error) {
	dep, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrapTransient("get deployment "+name, err)
	}
	return dep, nil
}

func (c *client) GetStatefulSet(ctx context.Context, name string) (*apps.StatefulSet, error) {
	sts, err := c.clientset.AppsV1().StatefulSets(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrapTransient("get statefulset "+name, err)
	}
	return sts, nil
}

func (c *client) PatchDeploymentReplicas(ctx context.Context, name string, replicas int32) error {
	patch, err := replicasMergePatch(replicas)
	if err != nil {
		return err
	}
	_, err = c.clientset.AppsV1().Deployments(c.namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return wrapTransient("patch deployment "+name, err)
	}
	return nil
}

func (c *client) PatchStatefulSetReplicas(ctx context.Context, name string, replicas int32) error {
	patch, err := replicasMergePatch(replicas)
	if err != nil {
		return err
	}
	_, err = c.clientset.AppsV1().StatefulSets(c.namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return wrapTransient("patch statefulset "+name, err)
	}
	return nil
}

func replicasMergePatch(replicas int32) ([]byte, error) {
	patch := map[string]interface{}{
		"spec": map[string]interface{}{
			"replicas": replicas,
		},
	}
	b, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal replicas merge patch: %w", err)
	}
	return b, nil
}
