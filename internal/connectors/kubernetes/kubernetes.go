// Package kubernetes implements the connector that runs executors as
// pods. Cluster nodes are the experiment nodes; one pod per executor
// is created at execution time and deleted on stop or cleanup.
package kubernetes

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
)

// TypeTag is the config `type` value selecting this connector.
const TypeTag = "kubernetes"

// Labels stamped on every pod this connector creates.
const (
	LabelExperiment = "netmark-experiment"
	LabelExecutor   = "netmark-executor"
)

const (
	archLabel     = "kubernetes.io/arch"
	osLabel       = "kubernetes.io/os"
	hostnameLabel = "kubernetes.io/hostname"
)

func init() {
	connectors.RegisterType(TypeTag, New)
}

type settings struct {
	Kubeconfig        string `mapstructure:"kubeconfig"`
	Namespace         string `mapstructure:"namespace"`
	NodeLabelSelector string `mapstructure:"node_label_selector"`
}

// Connector drives one cluster through the API server.
type Connector struct {
	name    string
	gateway string

	kubeconfig   string
	namespace    string
	nodeSelector string

	clientset kubernetes.Interface
}

func New(opts connectors.Options) (connectors.Connector, error) {
	var cfg settings
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{Result: &cfg, WeaklyTypedInput: true},
	)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: create decoder: %w", err)
	}
	if err := decoder.Decode(opts.Settings); err != nil {
		return nil, fmt.Errorf("kubernetes: decode settings: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &Connector{
		name:         opts.Name,
		gateway:      opts.Gateway,
		kubeconfig:   cfg.Kubeconfig,
		namespace:    cfg.Namespace,
		nodeSelector: cfg.NodeLabelSelector,
	}, nil
}

// Initialize builds the clientset. An explicit kubeconfig path wins;
// otherwise in-cluster credentials are tried before the default
// kubeconfig loading rules.
func (c *Connector) Initialize(_ context.Context) error {
	restConfig, err := c.restConfig()
	if err != nil {
		return fmt.Errorf("kubernetes: load config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("kubernetes: create clientset: %w", err)
	}
	c.clientset = clientset
	return nil
}

func (c *Connector) restConfig() (*rest.Config, error) {
	if c.kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", c.kubeconfig)
	}
	if restConfig, err := rest.InClusterConfig(); err == nil {
		return restConfig, nil
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
}

func (c *Connector) Health(_ context.Context) (bool, string) {
	if c.clientset == nil {
		return false, "not initialized"
	}
	version, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return false, fmt.Sprintf("api server unreachable: %v", err)
	}
	return true, fmt.Sprintf("kubernetes %s, namespace %s", version.GitVersion, c.namespace)
}

func (c *Connector) Shutdown(context.Context) error { return nil }

// GetNodes lists schedulable cluster nodes. Node labels become
// properties; the architecture comes from the standard arch label.
func (c *Connector) GetNodes(ctx context.Context, _ string, _ map[string]string) (core.NodePool, error) {
	nodeList, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: c.nodeSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("kubernetes: list nodes: %w", err)
	}

	pool := &core.CountableNodePool{}
	for i := range nodeList.Items {
		item := &nodeList.Items[i]
		if item.Spec.Unschedulable {
			continue
		}
		node := core.NewNode(item.Name, core.ParseArchitecture(item.Labels[osLabel], item.Labels[archLabel]))
		node.SetProperty(core.PropertyEnvironments, []any{core.EnvTypeDockerImage})
		for key, value := range item.Labels {
			node.SetProperty(key, value)
		}
		pool.AppendNode(node)
	}
	return pool, nil
}

// Deploy validates that every deployment carries a pullable image.
// The actual pull is done by the kubelet when the pod starts.
func (c *Connector) Deploy(_ context.Context, _ connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		env, ok := d.Environment().(*core.DockerImage)
		switch {
		case !ok:
			results[d.ExecutorID] = core.Failuref("environment %s is not supported on kubernetes", d.Environment().Type())
		case env.Image == "":
			results[d.ExecutorID] = core.Failure("deployment has no image assigned")
		default:
			results[d.ExecutorID] = core.Success(env.Image)
		}
	}
	return results, nil
}

// Execute creates one pod per deployment, pinned to the deployment's
// node and never restarted: an executor that exits is done.
func (c *Connector) Execute(ctx context.Context, req connectors.Request, deployments []*core.Deployment) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(deployments))
	for _, d := range deployments {
		results[d.ExecutorID] = c.executeOne(ctx, req, d)
	}
	return results, nil
}

func (c *Connector) executeOne(ctx context.Context, req connectors.Request, d *core.Deployment) core.Result {
	env, ok := d.Environment().(*core.DockerImage)
	if !ok {
		return core.Failuref("environment %s is not supported on kubernetes", d.Environment().Type())
	}

	pod := c.buildPod(req, d, env)
	created, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return core.Failuref("create pod: %v", err)
	}
	return core.Success(created.Name)
}

func (c *Connector) buildPod(req connectors.Request, d *core.Deployment, env *core.DockerImage) *corev1.Pod {
	podEnv := []corev1.EnvVar{}
	for name, value := range connectors.ExecutorEnv(c.gateway, d.ExecutorID, req.ExperimentID) {
		podEnv = append(podEnv, corev1.EnvVar{Name: name, Value: value})
	}
	for name, value := range env.RuntimeContext.EnvironmentVariables {
		podEnv = append(podEnv, corev1.EnvVar{Name: name, Value: value})
	}

	var ports []corev1.ContainerPort
	for hostPort, containerPort := range env.RuntimeContext.PortsMapping {
		ports = append(ports, corev1.ContainerPort{
			HostPort:      int32(hostPort),
			ContainerPort: int32(containerPort),
		})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(d.ExecutorID),
			Namespace: c.namespace,
			Labels: map[string]string{
				LabelExperiment: req.ExperimentID,
				LabelExecutor:   d.ExecutorID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeSelector:  map[string]string{hostnameLabel: d.Node.Name},
			Containers: []corev1.Container{
				{
					Name:  "executor",
					Image: env.Image,
					Env:   podEnv,
					Args:  env.RuntimeContext.AdditionalArguments,
					Ports: ports,
				},
			},
		},
	}
}

// StopExecutors deletes the executor pods. A pod that is already gone
// counts as stopped.
func (c *Connector) StopExecutors(ctx context.Context, _ connectors.Request, targets []connectors.StopRequest) (map[string]core.Result, error) {
	results := make(map[string]core.Result, len(targets))
	for _, target := range targets {
		err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, podName(target.ExecutorID), metav1.DeleteOptions{})
		switch {
		case err == nil:
			results[target.ExecutorID] = core.Success(target.ExecutorID)
		case k8serrors.IsNotFound(err):
			results[target.ExecutorID] = core.Success("pod already gone")
		default:
			results[target.ExecutorID] = core.Failuref("delete pod: %v", err)
		}
	}
	return results, nil
}

// Cleanup deletes every pod labelled with the experiment.
func (c *Connector) Cleanup(ctx context.Context, experimentID string, _ []*core.Deployment) error {
	pods := c.clientset.CoreV1().Pods(c.namespace)
	found, err := pods.List(ctx, metav1.ListOptions{
		LabelSelector: LabelExperiment + "=" + experimentID,
	})
	if err != nil {
		return fmt.Errorf("kubernetes: list experiment pods: %w", err)
	}

	var errs []error
	for i := range found.Items {
		name := found.Items[i].Name
		if err := pods.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("kubernetes: delete pod %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func podName(executorID string) string {
	return "netmark-" + executorID
}
