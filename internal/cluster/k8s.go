package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/topology"
)

// readyTimeout bounds how long the deployment-readiness watch is allowed
// to run before giving up and reporting the instance not-yet-ready.
const readyTimeout = 60 * time.Second

// K8s is the Kubernetes cluster adapter. Route targets are selected via
// Edge.Target: pod uses the pod IP directly, cluster uses the Service's
// ClusterIP, exposed uses the node/load-balancer address of a NodePort
// or LoadBalancer Service.
type K8s struct {
	Log       hclog.Logger
	Namespace string
	EdgeID    string // opaque back-reference, never the *topology.Edge itself

	client kubernetes.Interface
}

// NewK8s returns an adapter around an already-constructed clientset; the
// caller owns client construction (kubeconfig vs in-cluster) so the
// adapter itself stays testable against a fake clientset.
func NewK8s(log hclog.Logger, namespace, edgeID string, client kubernetes.Interface) *K8s {
	return &K8s{Log: log, Namespace: namespace, EdgeID: edgeID, client: client}
}

func (k *K8s) ID() string { return k.EdgeID }

func (k *K8s) Connect(ctx context.Context) error {
	if _, err := k.client.Discovery().ServerVersion(); err != nil {
		return transient(fmt.Errorf("connect to kubernetes api: %w", err))
	}
	return nil
}

func (k *K8s) Close(ctx context.Context) error {
	return nil
}

// manifestObjects is the minimal decoded shape of a manifest this
// adapter applies: a Deployment and a Service, both annotated with the
// edge.service label so initServices can recognize them later.
type manifestObjects struct {
	Deployment *appsv1.Deployment `json:"deployment"`
	Service    *corev1.Service    `json:"service"`
}

func (k *K8s) Deploy(ctx context.Context, ref ManifestRef) (*topology.ServiceInstance, error) {
	var objs manifestObjects
	if err := yaml.Unmarshal(ref.Body, &objs); err != nil {
		return nil, notFound(fmt.Errorf("decode manifest %s: %w", ref.Filename, err))
	}
	if objs.Deployment == nil || objs.Service == nil {
		return nil, notFound(fmt.Errorf("manifest %s missing deployment or service", ref.Filename))
	}

	objs.Deployment.Labels = labelWithEdge(objs.Deployment.Labels, ref.Label)
	objs.Service.Labels = labelWithEdge(objs.Service.Labels, ref.Label)
	if objs.Deployment.Spec.Template.Labels == nil {
		objs.Deployment.Spec.Template.Labels = map[string]string{}
	}
	objs.Deployment.Spec.Template.Labels[LabelKey] = ref.Label

	dep, err := k.client.AppsV1().Deployments(k.Namespace).Create(ctx, objs.Deployment, metav1.CreateOptions{})
	if err != nil {
		return nil, classify(err, "create deployment")
	}
	svc, err := k.client.CoreV1().Services(k.Namespace).Create(ctx, objs.Service, metav1.CreateOptions{})
	if err != nil {
		return nil, classify(err, "create service")
	}

	return k.toInstance(ctx, dep, svc)
}

func labelWithEdge(labels map[string]string, label string) map[string]string {
	if labels == nil {
		labels = map[string]string{}
	}
	labels[LabelKey] = label
	return labels
}

func (k *K8s) toInstance(ctx context.Context, dep *appsv1.Deployment, svc *corev1.Service) (*topology.ServiceInstance, error) {
	si := &topology.ServiceInstance{
		Deployment: topology.Deployment{
			Replicas:      int(*dep.Spec.Replicas),
			ReadyReplicas: int(dep.Status.ReadyReplicas),
		},
	}

	if svc.Spec.ClusterIP != "" && svc.Spec.ClusterIP != corev1.ClusterIPNone {
		if ip, err := addr.ParseIPv4(svc.Spec.ClusterIP); err == nil && len(svc.Spec.Ports) > 0 {
			si.ClusterAddr = addr.NewSocket(ip, uint16(svc.Spec.Ports[0].Port))
		}
	}

	podIP, err := k.firstPodIP(ctx, dep)
	if err == nil && podIP != "" {
		if ip, parseErr := addr.ParseIPv4(podIP); parseErr == nil && len(svc.Spec.Ports) > 0 {
			si.PodAddr = addr.NewSocket(ip, uint16(svc.Spec.Ports[0].TargetPort.IntValue()))
		}
	}

	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			if ip, parseErr := addr.ParseIPv4(ing.IP); parseErr == nil && len(svc.Spec.Ports) > 0 {
				si.PublicAddr = addr.NewSocket(ip, uint16(svc.Spec.Ports[0].Port))
			}
		}
	}

	return si, nil
}

func (k *K8s) firstPodIP(ctx context.Context, dep *appsv1.Deployment) (string, error) {
	sel := metav1.FormatLabelSelector(dep.Spec.Selector)
	pods, err := k.client.CoreV1().Pods(k.Namespace).List(ctx, metav1.ListOptions{LabelSelector: sel})
	if err != nil {
		return "", err
	}
	for _, p := range pods.Items {
		if p.Status.PodIP != "" {
			return p.Status.PodIP, nil
		}
	}
	return "", nil
}

// Scale patches the deployment's replica count and, unless replicas is
// 0, watches for readiness up to readyTimeout. Idempotent: scaling a
// deployment already at the requested replica count with matching
// readiness is a no-op patch.
func (k *K8s) Scale(ctx context.Context, inst *topology.ServiceInstance, replicas int) error {
	name := inst.Service.Name
	dep, err := k.client.AppsV1().Deployments(k.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return classify(err, "get deployment")
	}
	if int(*dep.Spec.Replicas) == replicas {
		inst.Deployment.Replicas = replicas
		inst.Deployment.ReadyReplicas = int(dep.Status.ReadyReplicas)
		if replicas == 0 || dep.Status.ReadyReplicas >= 1 {
			return nil
		}
		return k.waitReady(ctx, dep, inst)
	}

	r := int32(replicas)
	dep.Spec.Replicas = &r
	dep, err = k.client.AppsV1().Deployments(k.Namespace).Update(ctx, dep, metav1.UpdateOptions{})
	if err != nil {
		return classify(err, "update deployment replicas")
	}
	inst.Deployment.Replicas = replicas

	if replicas == 0 {
		inst.Deployment.ReadyReplicas = 0
		return nil
	}
	return k.waitReady(ctx, dep, inst)
}

func (k *K8s) waitReady(ctx context.Context, dep *appsv1.Deployment, inst *topology.ServiceInstance) error {
	wctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	w, err := k.client.AppsV1().Deployments(k.Namespace).Watch(wctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", dep.Name).String(),
	})
	if err != nil {
		return transient(fmt.Errorf("watch deployment %s: %w", dep.Name, err))
	}
	defer w.Stop()

	for {
		select {
		case <-wctx.Done():
			return transient(fmt.Errorf("deployment %s did not become ready within %s", dep.Name, readyTimeout))
		case ev, ok := <-w.ResultChan():
			if !ok {
				return transient(fmt.Errorf("watch closed before deployment %s became ready", dep.Name))
			}
			d, ok := ev.Object.(*appsv1.Deployment)
			if !ok {
				continue
			}
			if ev.Type == watch.Deleted {
				return notFound(fmt.Errorf("deployment %s deleted while waiting for readiness", dep.Name))
			}
			inst.Deployment.ReadyReplicas = int(d.Status.ReadyReplicas)
			if d.Status.ReadyReplicas >= 1 {
				return nil
			}
		}
	}
}

func (k *K8s) Services(ctx context.Context, label string) ([]topology.Service, error) {
	opts := metav1.ListOptions{}
	if label != "" {
		opts.LabelSelector = LabelKey + "=" + label
	}
	list, err := k.client.CoreV1().Services(k.Namespace).List(ctx, opts)
	if err != nil {
		return nil, classify(err, "list services")
	}
	out := make([]topology.Service, 0, len(list.Items))
	for _, s := range list.Items {
		out = append(out, topology.Service{Label: s.Labels[LabelKey], Name: s.Name})
	}
	return out, nil
}

func (k *K8s) Deployments(ctx context.Context, label string) ([]topology.Deployment, error) {
	opts := metav1.ListOptions{}
	if label != "" {
		opts.LabelSelector = LabelKey + "=" + label
	}
	list, err := k.client.AppsV1().Deployments(k.Namespace).List(ctx, opts)
	if err != nil {
		return nil, classify(err, "list deployments")
	}
	out := make([]topology.Deployment, 0, len(list.Items))
	for _, d := range list.Items {
		out = append(out, topology.Deployment{
			Replicas:      int(*d.Spec.Replicas),
			ReadyReplicas: int(d.Status.ReadyReplicas),
		})
	}
	return out, nil
}

func (k *K8s) Pods(ctx context.Context, label string) ([]string, error) {
	opts := metav1.ListOptions{}
	if label != "" {
		opts.LabelSelector = LabelKey + "=" + label
	}
	list, err := k.client.CoreV1().Pods(k.Namespace).List(ctx, opts)
	if err != nil {
		return nil, classify(err, "list pods")
	}
	out := make([]string, 0, len(list.Items))
	for _, p := range list.Items {
		out = append(out, p.Status.PodIP)
	}
	return out, nil
}

// classify maps a client-go error to the controller's error-kind
// taxonomy so the service manager can decide whether to retry.
func classify(err error, op string) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	switch {
	case apierrors.IsNotFound(err):
		return notFound(wrapped)
	case apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err):
		return &Error{Kind: KindPermissionDenied, Err: wrapped}
	case apierrors.IsServiceUnavailable(err) || apierrors.IsTimeout(err):
		return unavailable(wrapped)
	case apierrors.IsServerTimeout(err) || apierrors.IsTooManyRequests(err) || apierrors.IsInternalError(err):
		return transient(wrapped)
	default:
		return transient(wrapped)
	}
}
