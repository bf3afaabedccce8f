// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// dockerClient abstracts the Docker API surface the transport uses, so
// tests can substitute a mock through newDockerClient.
type dockerClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var newDockerClient = func(ops ...client.Opt) (dockerClient, error) {
	return client.NewClientWithOpts(ops...)
}

// dockerTransport speaks newline-delimited JSON over a container's attach
// stream. The attach stream multiplexes stdout and stderr with 8-byte
// headers; stdcopy demultiplexes them, stderr going to the log. A container
// created here is stopped and removed on Close; a pre-existing container we
// merely attached to is left running.
type dockerTransport struct {
	cli         dockerClient
	containerID string
	created     bool
	hijack      types.HijackedResponse
	stream      *lineStream
	tail        *tailBuffer

	closeOnce sync.Once
}

func openDocker(ctx context.Context, cfg *model.DockerConfig) (*dockerTransport, error) {
	log := logging.GetLogger()

	cli, err := newDockerClient(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = cli.Close()
		}
	}()

	containerID := cfg.ContainerName
	created := false
	if containerID == "" {
		reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			log.Warn("Failed to pull docker image, will try to use local image if available", "image", cfg.Image, "error", err)
		} else {
			_, _ = io.Copy(io.Discard, reader)
			_ = reader.Close()
			log.Info("Pulled docker image", "image", cfg.Image)
		}

		envVars := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
		}
		containerCfg := &container.Config{
			Image:        cfg.Image,
			Env:          envVars,
			Tty:          false,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		}
		if len(cfg.Command) > 0 {
			containerCfg.Cmd = containerCommand(cfg.Command)
		}

		resp, err := cli.ContainerCreate(ctx, containerCfg, nil, nil, nil, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create container: %w", err)
		}
		containerID = resp.ID
		created = true
		log.Info("Container created", "id", containerID, "image", cfg.Image)
	}
	defer func() {
		if !success && created {
			_ = cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
		}
	}()

	hijack, err := cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}
	defer func() {
		if !success {
			hijack.Close()
		}
	}()

	// Starting an already-running container is a no-op on the engine side,
	// so the attach path shares this call.
	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	log.Info("Attached to container", "id", containerID)

	t := &dockerTransport{
		cli:         cli,
		containerID: containerID,
		created:     created,
		hijack:      hijack,
		tail:        &tailBuffer{limit: 4096},
	}

	stdoutReader, stdoutWriter := io.Pipe()
	lw := newLogWriter(log.With("container", containerID), slog.LevelWarn)
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		_, err := stdcopy.StdCopy(stdoutWriter, io.MultiWriter(lw, t.tail), hijack.Reader)
		if err != nil && err != io.EOF {
			log.Warn("Error demultiplexing docker stream", "container", containerID, "error", err)
		}
		_ = lw.Close()
	}()
	t.stream = newLineStream("docker", hijack.Conn, stdoutReader)

	success = true
	return t, nil
}

// containerCommand renders a command override the same way a shell would
// receive it, with exec replacing the intermediate shell.
func containerCommand(argv []string) []string {
	parts := make([]string, 0, len(argv)+1)
	parts = append(parts, "exec")
	for _, a := range argv {
		parts = append(parts, shellescape.Quote(a))
	}
	return []string{"/bin/sh", "-c", strings.Join(parts, " ")}
}

func (t *dockerTransport) Kind() model.TransportKind {
	return model.TransportDocker
}

func (t *dockerTransport) Send(ctx context.Context, frame []byte) error {
	return t.stream.Send(ctx, frame)
}

func (t *dockerTransport) Recv() <-chan []byte {
	return t.stream.Recv()
}

// Close detaches and, for containers created by this transport, stops and
// removes them. Attach-only containers keep running.
func (t *dockerTransport) Close(_ context.Context) error {
	t.closeOnce.Do(func() {
		log := logging.GetLogger()
		t.stream.markClosed()
		_ = t.hijack.CloseWrite()
		t.hijack.Close()

		if t.created {
			ctx := context.Background()
			stopTimeout := 10
			if err := t.cli.ContainerStop(ctx, t.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
				log.Warn("Failed to stop container", "containerID", t.containerID, "error", err)
			}
			if err := t.cli.ContainerRemove(ctx, t.containerID, container.RemoveOptions{RemoveVolumes: true, Force: true}); err != nil {
				log.Warn("Failed to remove container", "containerID", t.containerID, "error", err)
			}
		}
		_ = t.cli.Close()
	})
	return nil
}
