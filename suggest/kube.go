package suggest

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/zhubert/pfman/exec"
)

// KubeContext is a context entry of the active kubeconfig.
type KubeContext struct {
	Name      string
	Cluster   string
	Namespace string
	Current   bool
}

// DisplayName renders the context with its default namespace, if any.
func (c KubeContext) DisplayName() string {
	if c.Namespace != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.Namespace)
	}
	return c.Name
}

// KubeTarget is a pod or service that exposes at least one port.
type KubeTarget struct {
	Kind      string // "pod" or "svc", as accepted by kubectl port-forward
	Name      string
	Namespace string
	Ports     []int
}

// Resource returns the port-forward selector, e.g. "svc/api".
func (t KubeTarget) Resource() string {
	return t.Kind + "/" + t.Name
}

// DisplayName renders the target with its namespace and ports.
func (t KubeTarget) DisplayName() string {
	ports := "no ports"
	if len(t.Ports) > 0 {
		strs := make([]string, len(t.Ports))
		for i, p := range t.Ports {
			strs[i] = fmt.Sprint(p)
		}
		ports = strings.Join(strs, ", ")
	}
	return fmt.Sprintf("%s [%s] - ports: %s", t.Resource(), t.Namespace, ports)
}

// KubeProvider answers completion queries about Kubernetes clusters. An
// empty kubeContext means kubectl's current context.
type KubeProvider interface {
	Contexts(ctx context.Context) ([]KubeContext, error)
	Namespaces(ctx context.Context, kubeContext string) ([]string, error)
	Targets(ctx context.Context, kubeContext, namespace string) ([]KubeTarget, error)
}

// Kubectl implements KubeProvider by running the kubectl binary.
type Kubectl struct {
	exec exec.CommandExecutor
	path string
}

// NewKubectl returns a provider running path (or "kubectl" from PATH when
// empty) through e, or through the default executor if e is nil.
func NewKubectl(e exec.CommandExecutor, path string) *Kubectl {
	if e == nil {
		e = exec.GetDefaultExecutor()
	}
	if path == "" {
		path = "kubectl"
	}
	return &Kubectl{exec: e, path: path}
}

type kubeconfigView struct {
	CurrentContext string `json:"current-context"`
	Contexts       []struct {
		Name    string `json:"name"`
		Context struct {
			Cluster   string `json:"cluster"`
			Namespace string `json:"namespace"`
		} `json:"context"`
	} `json:"contexts"`
}

// Contexts lists the contexts of the merged kubeconfig, current first.
func (k *Kubectl) Contexts(ctx context.Context) ([]KubeContext, error) {
	out, err := k.exec.Output(ctx, k.path, "config", "view", "-o", "json")
	if err != nil {
		return nil, fmt.Errorf("list kube contexts: %w", err)
	}
	var view kubeconfigView
	if err := json.Unmarshal(out, &view); err != nil {
		return nil, fmt.Errorf("parse kubeconfig: %w", err)
	}

	contexts := make([]KubeContext, 0, len(view.Contexts))
	for _, c := range view.Contexts {
		contexts = append(contexts, KubeContext{
			Name:      c.Name,
			Cluster:   c.Context.Cluster,
			Namespace: c.Context.Namespace,
			Current:   c.Name == view.CurrentContext,
		})
	}
	slices.SortStableFunc(contexts, func(a, b KubeContext) int {
		switch {
		case a.Current == b.Current:
			return strings.Compare(a.Name, b.Name)
		case a.Current:
			return -1
		default:
			return 1
		}
	})
	return contexts, nil
}

// Namespaces lists the namespace names visible in kubeContext.
func (k *Kubectl) Namespaces(ctx context.Context, kubeContext string) ([]string, error) {
	args := withContext([]string{"get", "namespaces", "-o", "jsonpath={.items[*].metadata.name}"}, kubeContext)
	out, err := k.exec.Output(ctx, k.path, args...)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	names := strings.Fields(string(out))
	slices.Sort(names)
	return names, nil
}

type podList struct {
	Items []struct {
		Metadata objectMeta `json:"metadata"`
		Spec     struct {
			Containers []struct {
				Ports []struct {
					ContainerPort int `json:"containerPort"`
				} `json:"ports"`
			} `json:"containers"`
		} `json:"spec"`
	} `json:"items"`
}

type serviceList struct {
	Items []struct {
		Metadata objectMeta `json:"metadata"`
		Spec     struct {
			Ports []struct {
				Port int `json:"port"`
			} `json:"ports"`
		} `json:"spec"`
	} `json:"items"`
}

type objectMeta struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// Targets lists services and pods exposing ports, services first. An empty
// namespace searches all namespaces.
func (k *Kubectl) Targets(ctx context.Context, kubeContext, namespace string) ([]KubeTarget, error) {
	var svcs serviceList
	if err := k.getJSON(ctx, "services", kubeContext, namespace, &svcs); err != nil {
		return nil, err
	}
	var pods podList
	if err := k.getJSON(ctx, "pods", kubeContext, namespace, &pods); err != nil {
		return nil, err
	}

	var targets []KubeTarget
	for _, svc := range svcs.Items {
		var ports []int
		for _, p := range svc.Spec.Ports {
			ports = append(ports, p.Port)
		}
		if len(ports) > 0 {
			targets = append(targets, KubeTarget{Kind: "svc", Name: svc.Metadata.Name, Namespace: svc.Metadata.Namespace, Ports: ports})
		}
	}
	for _, pod := range pods.Items {
		var ports []int
		for _, c := range pod.Spec.Containers {
			for _, p := range c.Ports {
				ports = append(ports, p.ContainerPort)
			}
		}
		if len(ports) > 0 {
			targets = append(targets, KubeTarget{Kind: "pod", Name: pod.Metadata.Name, Namespace: pod.Metadata.Namespace, Ports: ports})
		}
	}
	slices.SortStableFunc(targets, func(a, b KubeTarget) int {
		if a.Kind != b.Kind {
			// svc before pod
			return -strings.Compare(a.Kind, b.Kind)
		}
		return cmp.Or(strings.Compare(a.Namespace, b.Namespace), strings.Compare(a.Name, b.Name))
	})
	return targets, nil
}

func (k *Kubectl) getJSON(ctx context.Context, resource, kubeContext, namespace string, v any) error {
	args := []string{"get", resource, "-o", "json"}
	if namespace == "" {
		args = append(args, "--all-namespaces")
	} else {
		args = append(args, "--namespace", namespace)
	}
	out, err := k.exec.Output(ctx, k.path, withContext(args, kubeContext)...)
	if err != nil {
		return fmt.Errorf("list %s: %w", resource, err)
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("parse %s: %w", resource, err)
	}
	return nil
}

func withContext(args []string, kubeContext string) []string {
	if kubeContext == "" {
		return args
	}
	return append(args, "--context", kubeContext)
}

// FilterTargets returns the targets whose name, namespace or kind contains
// query, ignoring case.
func FilterTargets(targets []KubeTarget, query string) []KubeTarget {
	if query == "" {
		return targets
	}
	q := strings.ToLower(query)
	var out []KubeTarget
	for _, t := range targets {
		if strings.Contains(strings.ToLower(t.Name), q) ||
			strings.Contains(strings.ToLower(t.Namespace), q) ||
			strings.Contains(t.Kind, q) {
			out = append(out, t)
		}
	}
	return out
}

var (
	_ HostProvider = (*SSHConfig)(nil)
	_ KubeProvider = (*Kubectl)(nil)
)
