package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/runtime"
)

// Exec runs a command and buffers its output.
func (r *Runtime) Exec(ctx context.Context, containerID string, command []string, opts model.ExecOpts) (*model.ExecResult, error) {
	execID, resp, err := r.startExec(ctx, containerID, command, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	stop := context.AfterFunc(ctx, resp.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("exec in %s: %w: %w", shortID(containerID), model.ErrRuntimeTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("could not read exec output: %w", err)
	}

	code, err := r.execExitCode(ctx, execID)
	if err != nil {
		return nil, err
	}

	return &model.ExecResult{
		ExitCode: code,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// StreamExec starts a command and returns its output as a single use stream.
// The exec is created eagerly so precondition errors surface here. The connection is closed
// when the stream ends or ctx is done, a stream that is never consumed needs ctx cancelled.
func (r *Runtime) StreamExec(ctx context.Context, containerID string, command []string, opts model.ExecOpts) (runtime.ExecStream, error) {
	execID, resp, err := r.startExec(ctx, containerID, command, opts)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, resp.Close)

	var used atomic.Bool
	stream := func(yield func(model.ExecChunk, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(model.ExecChunk{}, fmt.Errorf("exec stream already consumed: %w", model.ErrNotValid))
			return
		}

		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer resp.Close()
		stop := context.AfterFunc(sctx, resp.Close)
		defer stop()

		chunks := make(chan model.ExecChunk)
		copyErr := make(chan error, 1)
		go func() {
			defer close(chunks)
			_, err := stdcopy.StdCopy(
				&chunkWriter{ctx: sctx, kind: model.StreamStdout, ch: chunks},
				&chunkWriter{ctx: sctx, kind: model.StreamStderr, ch: chunks},
				resp.Reader,
			)
			copyErr <- err
		}()

		for c := range chunks {
			if !yield(c, nil) {
				cancel()
				for range chunks {
				}
				return
			}
		}

		if err := <-copyErr; err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				yield(model.ExecChunk{}, fmt.Errorf("exec stream: %w: %w", model.ErrRuntimeTimeout, ctx.Err()))
				return
			}
			yield(model.ExecChunk{}, fmt.Errorf("could not read exec output: %w", err))
			return
		}

		code, err := r.execExitCode(ctx, execID)
		if err != nil {
			yield(model.ExecChunk{}, err)
			return
		}
		yield(model.ExecChunk{Stream: model.StreamExit, ExitCode: code}, nil)
	}

	return stream, nil
}

type chunkWriter struct {
	ctx  context.Context
	kind model.StreamKind
	ch   chan<- model.ExecChunk
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case w.ch <- model.ExecChunk{Stream: w.kind, Data: data}:
		return len(p), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}

func (r *Runtime) startExec(ctx context.Context, containerID string, command []string, opts model.ExecOpts) (string, types.HijackedResponse, error) {
	if len(command) == 0 {
		return "", types.HijackedResponse{}, fmt.Errorf("command cannot be empty: %w", model.ErrNotValid)
	}

	execOpts := container.ExecOptions{
		Cmd:          command,
		Env:          envList(opts.Env),
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}

	var execID string
	err := r.do(ctx, "create exec in "+shortID(containerID), func(ctx context.Context) error {
		resp, err := r.client.ContainerExecCreate(ctx, containerID, execOpts)
		if err != nil {
			return err
		}
		execID = resp.ID
		return nil
	})
	if err != nil {
		return "", types.HijackedResponse{}, err
	}

	// The attached connection outlives the call deadline, it is bound to ctx.
	resp, err := r.client.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("attach exec in %s: %w", shortID(containerID), classify(err))
	}

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, opts.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	r.logger.Debugf("Started exec %s in container %s: %v", shortID(execID), shortID(containerID), command)
	return execID, resp, nil
}

func (r *Runtime) execExitCode(ctx context.Context, execID string) (int, error) {
	var code int
	err := r.do(ctx, "inspect exec "+shortID(execID), func(ctx context.Context) error {
		info, err := r.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return err
		}
		code = info.ExitCode
		return nil
	})
	return code, err
}
