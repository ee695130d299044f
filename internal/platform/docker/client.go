package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/semaphore"

	"github.com/dontdude/goxec-engine/internal/domain"
)

// createTimeout bounds container create and start once they are detached from the caller.
const createTimeout = 30 * time.Second

// Client wraps the official Docker SDK client.
type Client struct {
	cli *client.Client
	// sem bounds the number of short engine calls in flight for this process.
	// Wait and image pulls block for long periods and do not take a slot.
	sem           *semaphore.Weighted
	createTimeout time.Duration
	logger        *slog.Logger
}

// Check if Client implements domain.ContainerRuntime
var _ domain.ContainerRuntime = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// It performs a connection check (Ping) upon initialization so the process fails fast
// when the Docker daemon is unreachable.
func NewClient(maxInflight int64, logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Ping Docker to ensure connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	logger.Info("Docker Client initialized successfully", "maxInflight", maxInflight)
	return newClient(cli, maxInflight, logger), nil
}

func newClient(cli *client.Client, maxInflight int64, logger *slog.Logger) *Client {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Client{
		cli:           cli,
		sem:           semaphore.NewWeighted(maxInflight),
		createTimeout: createTimeout,
		logger:        logger,
	}
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Create creates a sandboxed container from spec and starts it detached.
// If the container was created but failed to start, its ID is returned with the error.
//
// Create and start are not interrupted by ctx: a request canceled mid-flight
// could leave a container on the daemon that the caller never learns about.
func (c *Client) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	cfg, hostCfg := containerConfig(spec)

	id, err := c.create(ctx, cfg, hostCfg, spec.Name)
	if cerrdefs.IsNotFound(err) {
		c.logger.Info("Image not present, pulling", "image", spec.Image)
		if perr := c.pull(ctx, spec.Image); perr != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrContainerStart, perr)
		}
		id, err = c.create(ctx, cfg, hostCfg, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrContainerStart, err)
	}

	if err := c.start(ctx, id); err != nil {
		return id, fmt.Errorf("%w: %v", domain.ErrContainerStart, err)
	}

	c.logger.Debug("Container started", "containerID", id, "image", spec.Image)
	return id, nil
}

func (c *Client) create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.createTimeout)
	defer cancel()

	resp, err := c.cli.ContainerCreate(dctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if dctx.Err() != nil {
			// The daemon may have finished creating it after we gave up.
			c.discard(ctx, name)
		}
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) start(ctx context.Context, id string) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.createTimeout)
	defer cancel()

	release, err := c.acquire(dctx)
	if err != nil {
		return err
	}
	defer release()

	return c.cli.ContainerStart(dctx, id, container.StartOptions{})
}

// discard force-removes a container by name. The caller holds a slot.
func (c *Client) discard(ctx context.Context, name string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.createTimeout)
	defer cancel()

	err := c.cli.ContainerRemove(rctx, name, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		c.logger.Warn("Failed to discard abandoned container", "name", name, "error", err)
	}
}

// containerConfig maps a spec onto Docker's create options.
// Networking is always disabled; memory swap equals the memory limit so the cap is hard.
func containerConfig(spec domain.ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkDir,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		AttachStdin:     spec.Interactive,
		OpenStdin:       spec.Interactive,
		Tty:             spec.Interactive,
	}

	hostCfg := &container.HostConfig{
		Binds:       []string{spec.Workspace + ":" + spec.WorkDir},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
		},
	}
	return cfg, hostCfg
}

// Attach returns a duplex stream to the container's stdin and terminal.
// Output produced before the attach is replayed.
func (c *Client) Attach(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := c.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}
	return &hijackedStream{resp: resp}, nil
}

// Wait blocks until the container stops running or timeout elapses.
func (c *Client) Wait(ctx context.Context, id string, timeout time.Duration) (int64, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := c.cli.ContainerWait(wctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		if errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, domain.ErrWaitTimeout
		}
		return 0, fmt.Errorf("container wait: %w", err)
	}
}

// Logs returns the demultiplexed output of the selected stream.
func (c *Client) Logs(ctx context.Context, id string, stream domain.LogStream) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: stream == domain.LogStdout,
		ShowStderr: stream == domain.LogStderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, fmt.Errorf("failed to demultiplex logs: %w", err)
	}
	if stream == domain.LogStderr {
		return stderr.Bytes(), nil
	}
	return stdout.Bytes(), nil
}

// Stop stops the container, sending SIGKILL once grace has elapsed. A zero grace kills immediately.
func (c *Client) Stop(ctx context.Context, id string, grace time.Duration) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	secs := int(grace / time.Second)
	return c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

// Remove deletes the container.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
}

// PullImages pulls every image so the first job of each language does not pay for it.
func (c *Client) PullImages(ctx context.Context, images []string) error {
	for _, ref := range images {
		if err := c.pull(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) pull(ctx context.Context, ref string) error {
	c.logger.Info("Pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the response body to ensure the pull completes properly.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// acquire takes a slot in the bounded engine-call pool.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}

// hijackedStream adapts an attach connection to io.ReadWriteCloser.
type hijackedStream struct {
	resp types.HijackedResponse
	once sync.Once
}

func (h *hijackedStream) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h *hijackedStream) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h *hijackedStream) Close() error {
	h.once.Do(h.resp.Close)
	return nil
}
