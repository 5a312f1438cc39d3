package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	workspaceDir  = "/workspace"
	readyPollWait = 500 * time.Millisecond
	exitPollWait  = 250 * time.Millisecond
)

// DockerRuntime runs a preview session inside a long-lived container. The
// container idles until commands are spawned via exec; the application port
// is published to the host and probed for readiness.
type DockerRuntime struct {
	inner *client.Client
	log   *slog.Logger

	image        string
	name         string
	appPort      nat.Port
	keepAliveCmd []string

	mu          sync.Mutex
	containerID string
	hostAddr    string

	ready     chan string
	readyOnce sync.Once
	probeStop chan struct{}
}

// NewDockerRuntime creates a runtime for one preview session. Name must be
// unique per session; image is the base image commands run in.
func NewDockerRuntime(host, image, name string, appPort int, log *slog.Logger) (*DockerRuntime, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("image name cannot be empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("container name cannot be empty")
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DockerRuntime{
		inner:        inner,
		log:          log,
		image:        image,
		name:         name,
		appPort:      nat.Port(fmt.Sprintf("%d/tcp", appPort)),
		keepAliveCmd: []string{"sleep", "infinity"},
		ready:        make(chan string, 1),
		probeStop:    make(chan struct{}),
	}, nil
}

var _ Runtime = (*DockerRuntime)(nil)

// Boot creates and starts the session container, publishing the application
// port. Booting an already-booted runtime is a no-op.
func (d *DockerRuntime) Boot(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.containerID != "" {
		return nil
	}

	config := &container.Config{
		Image:        d.image,
		Cmd:          d.keepAliveCmd,
		WorkingDir:   workspaceDir,
		ExposedPorts: map[nat.Port]struct{}{d.appPort: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			d.appPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}

	created, err := d.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, d.name)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := d.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}

	addr, err := d.resolveHostAddr(ctx, created.ID)
	if err != nil {
		return err
	}

	d.containerID = created.ID
	d.hostAddr = addr
	go d.probeReady(addr)
	d.log.Info("sandbox booted", "container", created.ID, "addr", addr)
	return nil
}

func (d *DockerRuntime) resolveHostAddr(ctx context.Context, containerID string) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err := d.inner.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("container inspect: %w", err)
		}
		if inspect.NetworkSettings != nil {
			for _, binding := range inspect.NetworkSettings.Ports[d.appPort] {
				if strings.TrimSpace(binding.HostPort) != "" {
					return net.JoinHostPort(binding.HostIP, binding.HostPort), nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("no host port published for %s", d.appPort)
}

// probeReady dials the published port until something accepts, then fires
// the one-shot ready signal.
func (d *DockerRuntime) probeReady(addr string) {
	for {
		select {
		case <-d.probeStop:
			return
		case <-time.After(readyPollWait):
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			continue
		}
		conn.Close()
		d.readyOnce.Do(func() {
			d.ready <- addr
			close(d.ready)
		})
		return
	}
}

// Ready yields the preview address at most once.
func (d *DockerRuntime) Ready() <-chan string {
	return d.ready
}

// Mount materializes the file mapping under the workspace directory.
func (d *DockerRuntime) Mount(ctx context.Context, files map[string]string) error {
	id, err := d.containerRef()
	if err != nil {
		return err
	}
	tree, err := BuildTree(files)
	if err != nil {
		return err
	}
	archive, err := tarFromTree(tree)
	if err != nil {
		return err
	}
	if err := d.inner.CopyToContainer(ctx, id, workspaceDir, archive, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy workspace: %w", err)
	}
	return nil
}

// WriteFile writes one file into the live workspace.
func (d *DockerRuntime) WriteFile(ctx context.Context, path, content string) error {
	return d.Mount(ctx, map[string]string{path: content})
}

// Spawn runs a command in the workspace via exec, streaming combined output.
func (d *DockerRuntime) Spawn(ctx context.Context, name string, args ...string) (Process, error) {
	id, err := d.containerRef()
	if err != nil {
		return nil, err
	}
	exec, err := d.inner.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          append([]string{name}, args...),
		WorkingDir:   workspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	attach, err := d.inner.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	proc := &dockerProcess{
		inner:       d.inner,
		containerID: id,
		execID:      exec.ID,
		lines:       make(chan string, 64),
	}
	go proc.pump(attach)
	return proc, nil
}

// Teardown stops the readiness probe and removes the container.
func (d *DockerRuntime) Teardown(ctx context.Context) error {
	d.mu.Lock()
	id := d.containerID
	d.containerID = ""
	d.mu.Unlock()

	select {
	case <-d.probeStop:
	default:
		close(d.probeStop)
	}
	if id == "" {
		return nil
	}
	if err := d.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Close releases the docker client.
func (d *DockerRuntime) Close() error {
	return d.inner.Close()
}

func (d *DockerRuntime) containerRef() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.containerID == "" {
		return "", ErrNotBooted
	}
	return d.containerID, nil
}

func tarFromTree(tree *TreeNode) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := tree.Walk("",
		func(path string) error {
			return tw.WriteHeader(&tar.Header{
				Name:     path + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				ModTime:  time.Now(),
			})
		},
		func(path, content string) error {
			header := &tar.Header{
				Name:    path,
				Mode:    0o644,
				Size:    int64(len(content)),
				ModTime: time.Now(),
			}
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			_, err := io.WriteString(tw, content)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("build workspace archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize workspace archive: %w", err)
	}
	return &buf, nil
}

type dockerProcess struct {
	inner       *client.Client
	containerID string
	execID      string
	lines       chan string

	mu       sync.Mutex
	finished bool
	exitCode int
	waitErr  error
}

func (p *dockerProcess) pump(attach types.HijackedResponse) {
	defer attach.Close()
	defer close(p.lines)

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

// Output streams combined stdout and stderr lines.
func (p *dockerProcess) Output() <-chan string {
	return p.lines
}

// Wait polls the exec until it finishes and returns its exit code.
func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.finished {
		defer p.mu.Unlock()
		return p.exitCode, p.waitErr
	}
	p.mu.Unlock()

	for {
		inspect, err := p.inner.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			p.mu.Lock()
			p.finished = true
			p.exitCode = inspect.ExitCode
			p.mu.Unlock()
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(exitPollWait):
		}
	}
}

// Kill terminates the exec'd process by signalling its pid in the container.
func (p *dockerProcess) Kill(ctx context.Context) error {
	inspect, err := p.inner.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return fmt.Errorf("exec inspect: %w", err)
	}
	if !inspect.Running || inspect.Pid == 0 {
		return nil
	}
	kill, err := p.inner.ContainerExecCreate(ctx, p.containerID, types.ExecConfig{
		Cmd: []string{"kill", "-TERM", fmt.Sprintf("%d", inspect.Pid)},
	})
	if err != nil {
		return fmt.Errorf("exec create kill: %w", err)
	}
	if err := p.inner.ContainerExecStart(ctx, kill.ID, types.ExecStartCheck{}); err != nil {
		return fmt.Errorf("exec start kill: %w", err)
	}
	return nil
}
