package executor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/ternarybob/arbor"
)

// DefaultNamespace is the containerd namespace CourseForge workers run in.
const DefaultNamespace = "courseforge"

// DefaultSocketPath is the default containerd socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// ContainerMountRoot is where the host workspace is bind-mounted inside the
// worker container.
const ContainerMountRoot = "/workspace"

// ContainerExecutor starts a worker as a containerd-managed container,
// grounded on cuemby-warren's pkg/runtime/containerd.go client usage.
type ContainerExecutor struct {
	client    *containerd.Client
	namespace string
	logger    arbor.ILogger
}

// NewContainerExecutor connects to the containerd socket. socketPath falls
// back to DefaultSocketPath when empty.
func NewContainerExecutor(socketPath string, logger arbor.ILogger) (*ContainerExecutor, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerExecutor{client: client, namespace: DefaultNamespace, logger: logger}, nil
}

// Close releases the containerd client connection.
func (e *ContainerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Start pulls config.Image if needed, creates a container with the worker's
// environment and a bind mount of config.WorkDir at ContainerMountRoot, and
// starts its task. The returned executorID is the container ID.
func (e *ContainerExecutor) Start(ctx context.Context, config StartConfig) (string, error) {
	if config.Image == "" {
		return "", fmt.Errorf("container executor requires an image for worker type %q", config.WorkerType)
	}
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	if _, err := e.client.GetImage(ctx, config.Image); err != nil {
		if _, err := e.client.Pull(ctx, config.Image, containerd.WithPullUnpack); err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", config.Image, err)
		}
	}
	image, err := e.client.GetImage(ctx, config.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", config.Image, err)
	}

	containerID := fmt.Sprintf("courseforge-%s-%s", config.WorkerType, config.InstanceID)

	dbPath, err := RewriteHostPath(config.DBPath, ContainerMountRoot)
	if err != nil {
		return "", fmt.Errorf("configuration error rewriting db path for %s: %w", containerID, err)
	}

	env := []string{
		"COURSEFORGE_DB_PATH=" + dbPath,
		"COURSEFORGE_WORKER_TYPE=" + config.WorkerType,
		"COURSEFORGE_EXECUTOR_ID=" + containerID,
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}

	if config.WorkDir != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{
			{
				Source:      config.WorkDir,
				Destination: ContainerMountRoot,
				Type:        "bind",
				Options:     []string{"rbind"},
			},
		}))
	}

	container, err := e.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("failed to create task for %s: %w", containerID, err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task for %s: %w", containerID, err)
	}

	e.logger.Info().Str("container_id", containerID).Str("image", config.Image).Msg("containerized worker started")
	return containerID, nil
}

// Stop sends SIGTERM and waits up to 10s, then escalates to SIGKILL before
// deleting the task and the container's snapshot.
func (e *ContainerExecutor) Stop(ctx context.Context, executorID string) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, executorID)
	if err != nil {
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return e.deleteContainer(ctx, container)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task %s: %w", executorID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task %s: %w", executorID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task %s: %w", executorID, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		e.logger.Warn().Str("container_id", executorID).Err(err).Msg("failed to delete task")
	}

	return e.deleteContainer(ctx, container)
}

func (e *ContainerExecutor) deleteContainer(ctx context.Context, container containerd.Container) error {
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// IsRunning reports whether the container's task is in the Running or
// Paused state.
func (e *ContainerExecutor) IsRunning(ctx context.Context, executorID string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, executorID)
	if err != nil {
		return false, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return false, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get task status for %s: %w", executorID, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return true, nil
	default:
		return false, nil
	}
}
