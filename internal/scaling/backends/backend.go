// Copyright 2025 James Ross
package backends

import (
	"context"
	"errors"
)

// Backend drives a worker class's replica count against one concrete
// orchestration target (a local container daemon, a Kubernetes
// cluster, or a cloud autoscaling group). internal/orchestrator and
// internal/scaling depend only on this interface, never on the
// Docker/k8s/AWS SDKs directly, so the autoscaler loop is agnostic to
// which deployment topology it's driving.
type Backend interface {
	// CurrentReplicas reports the live (not desired) replica count for
	// class.
	CurrentReplicas(ctx context.Context, class string) (int, error)
	// Scale requests target replicas for class. Implementations should
	// return as soon as the request has been accepted by the
	// orchestration target, not block until convergence.
	Scale(ctx context.Context, class string, target int) error
}

// ScaleError wraps a backend-specific failure with a classification
// the autoscaler loop and orchestrator HTTP surface can act on: a
// Retryable error should be retried next check interval without
// alarming an operator, a permanent one should surface immediately.
type ScaleError struct {
	Backend   string
	Class     string
	Err       error
	Retryable bool
}

func (e *ScaleError) Error() string {
	return "scaling backend " + e.Backend + ": class " + e.Class + ": " + e.Err.Error()
}

func (e *ScaleError) Unwrap() error { return e.Err }

func retryableScaleError(backend, class string, err error) *ScaleError {
	return &ScaleError{Backend: backend, Class: class, Err: err, Retryable: true}
}

func permanentScaleError(backend, class string, err error) *ScaleError {
	return &ScaleError{Backend: backend, Class: class, Err: err, Retryable: false}
}

var ErrClassNotConfigured = errors.New("scaling backend: class not configured")
