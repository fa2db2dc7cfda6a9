// Package executor implements Worker Executors (§4.3): abstractions that
// start and stop a worker instance as either a child process or a container.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
)

// StartConfig is the environment a worker process/container needs to reach
// the Job Queue Store and identify itself.
type StartConfig struct {
	WorkerType string
	// InstanceID uniquely identifies this planned instance before it ever
	// registers with the Store (registration assigns the DB worker id,
	// which isn't known yet when the executor names the process/container).
	InstanceID string
	DBPath     string
	BinaryPath string // Direct executor: path to the worker binary
	Image      string // Containerized executor: image reference
	Network    string // Containerized executor: network name to attach to
	WorkDir    string // host workspace directory, mounted read-write for containers
	LogDir     string // per-worker log directory (Direct executor)
}

// Executor is the capability set shared by both variants: start, stop,
// is_running.
type Executor interface {
	Start(ctx context.Context, config StartConfig) (executorID string, err error)
	Stop(ctx context.Context, executorID string) error
	IsRunning(ctx context.Context, executorID string) (bool, error)
}

// ErrUNCPath is returned when a Windows UNC path is supplied to a
// containerized executor — Docker's visibility into such paths cannot be
// guaranteed, so it is rejected up front as a configuration error rather
// than failing opaquely at container start.
var ErrUNCPath = fmt.Errorf("UNC paths are not supported for containerized workers")

// RewriteHostPath converts a host filesystem path into the path a container
// will see it mounted at. On Windows, drive-letter paths are rewritten to
// the container's mount-style path; UNC paths (\\server\share\...) are
// rejected outright.
func RewriteHostPath(hostPath, containerMountRoot string) (string, error) {
	if runtime.GOOS != "windows" {
		return hostPath, nil
	}
	if strings.HasPrefix(hostPath, `\\`) {
		return "", ErrUNCPath
	}
	// C:\foo\bar -> containerMountRoot/foo/bar
	if len(hostPath) >= 2 && hostPath[1] == ':' {
		rest := strings.ReplaceAll(hostPath[2:], `\`, "/")
		return strings.TrimRight(containerMountRoot, "/") + "/" + strings.TrimLeft(rest, "/"), nil
	}
	return hostPath, nil
}
