package providerrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DockerRunner is the optional sandboxed backend (config.Strategies.Backend
// == "docker"): each Query launches a short-lived container from Image,
// bind-mounting a host context directory holding the request so the
// container never needs network access to reach the orchestrator process.
type DockerRunner struct {
	Image   string
	BaseDir string // host directory under which per-call context dirs are created

	cli *client.Client

	mu    sync.Mutex
	stats Statistics
}

// NewDockerRunner negotiates an API version against the local Docker
// daemon the same way the orchestrator's sandboxed execution path does.
func NewDockerRunner(image, baseDir string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("providerrunner: docker client: %w", err)
	}
	return &DockerRunner{Image: image, BaseDir: baseDir, cli: cli}, nil
}

func (r *DockerRunner) Query(ctx context.Context, prompt string, strategy Strategy, providers []string, timeout time.Duration) Response {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	contextDir, err := os.MkdirTemp(r.BaseDir, "query-*")
	if err != nil {
		return Response{Strategy: strategy, Success: false, Error: err.Error()}
	}
	defer os.RemoveAll(contextDir)

	reqBody, err := json.Marshal(execRequest{Prompt: prompt, Strategy: string(strategy), Providers: providers})
	if err != nil {
		return Response{Strategy: strategy, Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(filepath.Join(contextDir, "request.json"), reqBody, 0o644); err != nil {
		return Response{Strategy: strategy, Success: false, Error: err.Error()}
	}

	resp, err := r.runContainer(ctx, contextDir)
	if ctx.Err() == context.DeadlineExceeded {
		return Response{Strategy: strategy, Success: false, Error: "timeout"}
	}
	if err != nil {
		return Response{Strategy: strategy, Success: false, Error: err.Error()}
	}

	var parsed execResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return Response{Strategy: strategy, Success: false, Error: fmt.Sprintf("malformed provider-runner output: %v", err)}
	}

	r.mu.Lock()
	r.stats.TotalCost += parsed.TotalCost
	r.stats.TotalTokens += parsed.TotalTokens
	r.stats.Invocations++
	r.mu.Unlock()

	return Response{
		ProviderIDs: parsed.ProviderIDs,
		Responses:   parsed.Responses,
		Strategy:    strategy,
		TotalTokens: parsed.TotalTokens,
		TotalCost:   parsed.TotalCost,
		Success:     true,
		Summary:     parsed.Summary,
	}
}

func (r *DockerRunner) runContainer(ctx context.Context, contextDir string) ([]byte, error) {
	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.Image,
		Cmd:        []string{"/request.json"},
		WorkingDir: "/",
	}, &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   contextDir,
			Target:   "/context",
			ReadOnly: false,
		}},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("container start: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("container wait: %w", err)
		}
	case <-statusCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out, err := os.ReadFile(filepath.Join(contextDir, "response.json"))
	if err != nil {
		logs, logErr := r.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
		if logErr == nil {
			defer logs.Close()
			var buf bytes.Buffer
			io.Copy(&buf, logs)
			return nil, fmt.Errorf("reading response.json: %w (container logs: %s)", err, buf.String())
		}
		return nil, fmt.Errorf("reading response.json: %w", err)
	}
	return out, nil
}

func (r *DockerRunner) GetStatistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
