// Copyright 2025 James Ross
package backends

import (
	"context"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/flyingrobots/taskctl/internal/config"
)

// ContainerBackend drives replica count by starting/stopping worker
// containers on a local (or remote-over-TCP) Docker daemon, labeling
// each container with its class so CurrentReplicas can recount them
// without any side state of its own.
type ContainerBackend struct {
	cli   *client.Client
	image string
	net   string
	label string
}

const classLabelKey = "taskctl.worker-class"

func NewContainerBackend(cfg *config.ContainerBackend) (*ContainerBackend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	label := cfg.LabelSelector
	if label == "" {
		label = classLabelKey
	}
	return &ContainerBackend{cli: cli, image: cfg.Image, net: cfg.NetworkName, label: label}, nil
}

func (b *ContainerBackend) classFilter(class string) filters.Args {
	return filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", b.label, class)))
}

func (b *ContainerBackend) CurrentReplicas(ctx context.Context, class string) (int, error) {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: false, Filters: b.classFilter(class)})
	if err != nil {
		return 0, retryableScaleError("container", class, err)
	}
	return len(containers), nil
}

// Scale brings class's running container count to target, creating
// fresh containers from the configured image to scale up and stopping
// (then removing) the oldest-first to scale down.
func (b *ContainerBackend) Scale(ctx context.Context, class string, target int) error {
	if target < 0 {
		target = 0
	}
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: false, Filters: b.classFilter(class)})
	if err != nil {
		return retryableScaleError("container", class, err)
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].Created < containers[j].Created })
	current := len(containers)
	switch {
	case current < target:
		for i := 0; i < target-current; i++ {
			if err := b.startOne(ctx, class); err != nil {
				return retryableScaleError("container", class, err)
			}
		}
	case current > target:
		for i := 0; i < current-target; i++ {
			if err := b.stopOne(ctx, containers[i].ID); err != nil {
				return retryableScaleError("container", class, err)
			}
		}
	}
	return nil
}

func (b *ContainerBackend) startOne(ctx context.Context, class string) error {
	hostCfg := &container.HostConfig{}
	if b.net != "" {
		hostCfg.NetworkMode = container.NetworkMode(b.net)
	}
	created, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image: b.image,
		Env:   []string{"WORKER_CLASS=" + class},
		Labels: map[string]string{
			b.label: class,
		},
	}, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create worker container: %w", err)
	}
	return b.cli.ContainerStart(ctx, created.ID, container.StartOptions{})
}

func (b *ContainerBackend) stopOne(ctx context.Context, id string) error {
	if err := b.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop worker container %s: %w", id, err)
	}
	return b.cli.ContainerRemove(ctx, id, container.RemoveOptions{})
}
