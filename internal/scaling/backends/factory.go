// Copyright 2025 James Ross
package backends

import (
	"fmt"

	"github.com/flyingrobots/taskctl/internal/config"
)

// New builds the Backend named by cfg.Scaling.Orchestrator
// ("container", "cluster", or "cloud").
func New(cfg *config.Config) (Backend, error) {
	switch cfg.Scaling.Orchestrator {
	case "container":
		return NewContainerBackend(&cfg.Scaling.Container)
	case "cluster":
		return NewClusterBackend(&cfg.Scaling.Cluster)
	case "cloud":
		return NewCloudBackend(&cfg.Scaling.Cloud)
	default:
		return nil, fmt.Errorf("unknown scaling orchestrator %q", cfg.Scaling.Orchestrator)
	}
}
