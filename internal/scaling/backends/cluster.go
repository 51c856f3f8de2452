// Copyright 2025 James Ross
package backends

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/retry"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/flyingrobots/taskctl/internal/config"
)

// ClusterBackend drives replica count by reading/updating a
// Deployment's scale subresource, the client-go slice of what a full
// operator reconcile loop does, used directly here since this backend
// is a scaling driver, not an operator with its own CRD.
type ClusterBackend struct {
	clientset *kubernetes.Clientset
	namespace string
}

func NewClusterBackend(cfg *config.ClusterBackend) (*ClusterBackend, error) {
	var restCfg *rest.Config
	var err error
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kube config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kube clientset: %w", err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &ClusterBackend{clientset: clientset, namespace: ns}, nil
}

func deploymentName(class string) string { return class + "-worker" }

func (b *ClusterBackend) CurrentReplicas(ctx context.Context, class string) (int, error) {
	scale, err := b.clientset.AppsV1().Deployments(b.namespace).GetScale(ctx, deploymentName(class), metav1.GetOptions{})
	if err != nil {
		return 0, retryableScaleError("cluster", class, err)
	}
	return int(scale.Status.Replicas), nil
}

// Scale updates the Deployment's scale subresource, retrying on
// conflict the way a controller-runtime reconcile loop would when two
// writers race on the same resourceVersion.
func (b *ClusterBackend) Scale(ctx context.Context, class string, target int) error {
	name := deploymentName(class)
	deployments := b.clientset.AppsV1().Deployments(b.namespace)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		scale, err := deployments.GetScale(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		scale.Spec.Replicas = int32(target)
		_, err = deployments.UpdateScale(ctx, name, scale, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return retryableScaleError("cluster", class, err)
	}
	return nil
}
