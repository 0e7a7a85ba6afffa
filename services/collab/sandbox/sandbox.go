// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package sandbox manages per-project execution containers.
//
// # Description
//
// Each project gets at most one running container. Starting a sandbox
// exports the project's documents to a scratch directory on the host,
// bind-mounts it into the container, and attaches to the container's
// combined stdout/stderr, forwarding output chunks to the owning room.
// Containers are labelled so orphans left behind by a crashed server can
// be found and removed on the next startup.
//
// # Thread Safety
//
// The Manager is safe for concurrent use. Concurrent starts for the same
// project collapse into a single container creation via singleflight.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"

	"github.com/mhnu16/Collab-IDE/services/collab/engine"
)

// Container labels identifying sandboxes owned by this service.
const (
	labelManaged = "collab-ide.managed"
	labelProject = "collab-ide.project"
)

// containerWorkDir is where the project snapshot is mounted inside the
// container.
const containerWorkDir = "/workspace"

var (
	// ErrNotRunning is returned when input or stop targets a project
	// with no running sandbox.
	ErrNotRunning = errors.New("no running sandbox")

	// ErrUnavailable wraps failures talking to the container runtime.
	ErrUnavailable = errors.New("sandbox runtime unavailable")
)

// API is the subset of the Docker client the manager uses. Narrowed to
// an interface so tests can run against a fake runtime.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

var _ API = (*client.Client)(nil)

// NewDockerClient builds the production Docker client from the
// environment (DOCKER_HOST et al.) with API version negotiation.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cli, nil
}

// Config tunes the sandbox manager.
type Config struct {
	// Image is the container image projects run in.
	Image string

	// Cmd is the process started in the container. It reads stdin line
	// by line, so an interactive shell is the usual choice.
	Cmd []string

	// ScratchDir is the host directory project snapshots are exported
	// under, one subdirectory per project.
	ScratchDir string

	// StartTimeout bounds image pull, container create and start for
	// one session.
	StartTimeout time.Duration
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Image == "" {
		cfg.Image = "alpine:3.20"
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{"/bin/sh"}
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "collab-sandbox")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
}

// Sinks carry sandbox events back to the connection layer.
type Sinks struct {
	// Output receives combined stdout/stderr chunks in emission order.
	Output func(projectID string, chunk []byte)

	// Status receives lifecycle transitions (datatypes.Container*).
	Status func(projectID, status, detail string)
}

func (s *Sinks) normalize() {
	if s.Output == nil {
		s.Output = func(string, []byte) {}
	}
	if s.Status == nil {
		s.Status = func(string, string, string) {}
	}
}

// session is one live container attachment.
type session struct {
	projectID   string
	containerID string
	scratchDir  string
	hijack      types.HijackedResponse

	mu      sync.Mutex
	stdinOK bool

	teardown sync.Once
}

// Manager owns all sandbox sessions in the process.
type Manager struct {
	docker API
	engine *engine.Engine
	logger *slog.Logger
	cfg    Config
	sinks  Sinks

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a manager. The engine provides project snapshots for the
// container working directory.
func New(docker API, eng *engine.Engine, cfg Config, sinks Sinks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	applyConfigDefaults(&cfg)
	sinks.normalize()
	return &Manager{
		docker:   docker,
		engine:   eng,
		logger:   logger,
		cfg:      cfg,
		sinks:    sinks,
		sessions: make(map[string]*session),
	}
}

// Running reports whether the project has a live sandbox.
func (m *Manager) Running(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[projectID]
	return ok
}

// SessionCount reports the number of live sandboxes.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// =============================================================================
// Start
// =============================================================================

// Start brings up the project's sandbox. Idempotent: a project with a
// running sandbox gets a fresh "running" status and no new container,
// and concurrent starts for one project collapse into a single creation.
func (m *Manager) Start(ctx context.Context, projectID string) error {
	_, err, _ := m.group.Do(projectID, func() (any, error) {
		return nil, m.start(ctx, projectID)
	})
	return err
}

func (m *Manager) start(ctx context.Context, projectID string) error {
	if m.Running(projectID) {
		m.sinks.Status(projectID, "running", "")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	m.sinks.Status(projectID, "starting", "")

	scratch, err := m.exportProject(ctx, projectID)
	if err != nil {
		m.failStart(projectID, "", scratch, err)
		return err
	}

	if err := m.ensureImage(ctx); err != nil {
		m.failStart(projectID, "", scratch, err)
		return err
	}

	created, err := m.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        m.cfg.Image,
			Cmd:          m.cfg.Cmd,
			WorkingDir:   containerWorkDir,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          false,
			Labels: map[string]string{
				labelManaged: "true",
				labelProject: projectID,
			},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: scratch,
				Target: containerWorkDir,
			}},
			AutoRemove: false,
		},
		nil, nil, "")
	if err != nil {
		err = fmt.Errorf("%w: create container: %v", ErrUnavailable, err)
		m.failStart(projectID, "", scratch, err)
		return err
	}

	hijack, err := m.docker.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		err = fmt.Errorf("%w: attach: %v", ErrUnavailable, err)
		m.failStart(projectID, created.ID, scratch, err)
		return err
	}

	if err := m.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		err = fmt.Errorf("%w: start container: %v", ErrUnavailable, err)
		m.failStart(projectID, created.ID, scratch, err)
		return err
	}

	s := &session{
		projectID:   projectID,
		containerID: created.ID,
		scratchDir:  scratch,
		hijack:      hijack,
		stdinOK:     true,
	}
	m.mu.Lock()
	m.sessions[projectID] = s
	m.mu.Unlock()

	go m.pumpOutput(s)

	m.logger.Info("sandbox started", "project", projectID, "container", created.ID)
	m.sinks.Status(projectID, "running", "")
	return nil
}

// failStart reports a failed start and cleans up whatever was created.
func (m *Manager) failStart(projectID, containerID, scratch string, cause error) {
	m.logger.Error("sandbox start failed", "project", projectID, "error", cause)
	if containerID != "" {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.docker.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true})
	}
	if scratch != "" {
		_ = os.RemoveAll(scratch)
	}
	m.sinks.Status(projectID, "error", cause.Error())
}

// exportProject materializes every document into a fresh scratch
// directory and returns its path.
func (m *Manager) exportProject(ctx context.Context, projectID string) (string, error) {
	dir := filepath.Join(m.cfg.ScratchDir, projectID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset scratch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	files, err := m.engine.Files(ctx, projectID)
	if err != nil {
		return dir, fmt.Errorf("list project files: %w", err)
	}
	for _, filename := range files {
		path, err := safeJoin(dir, filename)
		if err != nil {
			return dir, err
		}
		text, err := m.engine.MaterializeStored(ctx, projectID, filename)
		if err != nil {
			return dir, fmt.Errorf("materialize %s: %w", filename, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return dir, fmt.Errorf("create %s: %w", filename, err)
		}
		if err := os.WriteFile(path, []byte(text), 0o640); err != nil {
			return dir, fmt.Errorf("write %s: %w", filename, err)
		}
	}
	return dir, nil
}

// safeJoin joins a project-relative filename under dir, rejecting
// anything that escapes it. Filenames are validated at the protocol
// edge; this is the backstop.
func safeJoin(dir, filename string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(filename))
	if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("filename escapes project dir: %q", filename)
	}
	return path, nil
}

// ensureImage checks the configured image locally, pulling when absent.
func (m *Manager) ensureImage(ctx context.Context) error {
	if _, err := m.docker.ImageInspect(ctx, m.cfg.Image); err == nil {
		return nil
	}
	m.logger.Info("pulling sandbox image", "image", m.cfg.Image)
	rc, err := m.docker.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrUnavailable, m.cfg.Image, err)
	}
	defer rc.Close()
	// The pull completes when the progress stream drains.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrUnavailable, m.cfg.Image, err)
	}
	return nil
}

// =============================================================================
// Output and input
// =============================================================================

// chunkForwarder adapts the output sink to io.Writer for stdcopy.
type chunkForwarder struct {
	projectID string
	sink      func(projectID string, chunk []byte)
}

func (f *chunkForwarder) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	f.sink(f.projectID, chunk)
	return len(p), nil
}

// pumpOutput forwards demultiplexed container output until the stream
// ends, then tears the session down.
func (m *Manager) pumpOutput(s *session) {
	fw := &chunkForwarder{projectID: s.projectID, sink: m.sinks.Output}
	// Stdout and stderr interleave into one sink; the demux only strips
	// the framing.
	if _, err := stdcopy.StdCopy(fw, fw, s.hijack.Reader); err != nil {
		m.logger.Debug("sandbox output stream ended", "project", s.projectID, "error", err)
	}
	m.finish(s, "process exited")
}

// SendInput forwards one line of input to the project's process. A
// trailing newline is appended so every input is a complete line.
func (m *Manager) SendInput(projectID, input string) error {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", projectID, ErrNotRunning)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stdinOK {
		return fmt.Errorf("%s: %w", projectID, ErrNotRunning)
	}
	if _, err := s.hijack.Conn.Write(append([]byte(input), '\n')); err != nil {
		return fmt.Errorf("write sandbox stdin: %w", err)
	}
	return nil
}

// =============================================================================
// Stop
// =============================================================================

// Stop tears down the project's sandbox. Returns ErrNotRunning when
// there is nothing to stop.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", projectID, ErrNotRunning)
	}
	m.finish(s, "stopped")
	return nil
}

// StopAll tears down every running sandbox, used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.finish(s, "server shutting down")
	}
}

// finish removes the container and scratch directory exactly once and
// reports the stopped status. Safe to call from both the output pump and
// Stop.
func (m *Manager) finish(s *session, detail string) {
	s.teardown.Do(func() {
		s.mu.Lock()
		s.stdinOK = false
		s.mu.Unlock()
		s.hijack.Close()

		m.mu.Lock()
		if cur, ok := m.sessions[s.projectID]; ok && cur == s {
			delete(m.sessions, s.projectID)
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.docker.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("container remove failed",
				"project", s.projectID, "container", s.containerID, "error", err)
		}
		if err := os.RemoveAll(s.scratchDir); err != nil {
			m.logger.Warn("scratch cleanup failed", "project", s.projectID, "error", err)
		}

		m.logger.Info("sandbox stopped", "project", s.projectID, "container", s.containerID)
		m.sinks.Status(s.projectID, "stopped", detail)
	})
}

// =============================================================================
// Orphan reaping
// =============================================================================

// ReapOrphans force-removes every container carrying the managed label,
// regardless of state. Run at startup (and from the reap command) to
// clean up after a crashed server. Returns the number removed.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	list, err := m.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: list containers: %v", ErrUnavailable, err)
	}

	reaped := 0
	for _, c := range list {
		if err := m.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("orphan remove failed", "container", c.ID, "error", err)
			continue
		}
		m.logger.Info("orphan container removed",
			"container", c.ID, "project", c.Labels[labelProject])
		reaped++
	}
	return reaped, nil
}
