package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/deepscan/internal/utils" // Using the SafeCommand wrapper
)

// ErrWorkerUnavailable means the worker process is gone or its pipe is out of sync.
// Callers must treat it as fatal for the whole call, never as a per-item failure.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// LogicError is a failure reported by the worker itself for one request.
// The process is still healthy and can take the next request.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string {
	return "python worker error: " + e.Msg
}

// PythonWorker is one long-lived model process. Requests go in on stdin,
// replies come back on a dedicated FD 3 pipe so stray prints can't corrupt them.
type PythonWorker struct {
	Name     string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	dead   bool
	killed bool
	closed bool
}

// NewPythonWorker starts `python -u script args...`.
func NewPythonWorker(name, python, script string, timeout time.Duration, args ...string) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand. The process outlives any single request,
	// so it is bound to Background and stopped by Close.
	py := utils.NewSafeCommand(context.Background(), python, append([]string{"-u", script}, args...)...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("%s worker failed to start: %w", name, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		Name:     name,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  timeout,
	}, nil
}

// Communicate sends one request and returns the payload of a successful reply.
// A worker-reported failure comes back as *LogicError; anything that breaks the
// pipe wraps ErrWorkerUnavailable and poisons the worker for later calls.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return nil, fmt.Errorf("%w: %s worker already failed", ErrWorkerUnavailable, w.Name)
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)

	go func() {
		body, err := w.roundTrip(data)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.Timeout > 0 {
		timer := time.NewTimer(w.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var res reply
	select {
	case res = <-done:
	case <-ctx.Done():
		w.kill()
		<-done
		return nil, fmt.Errorf("%w: %s worker: %v", ErrWorkerUnavailable, w.Name, ctx.Err())
	case <-timeout:
		w.kill()
		<-done
		return nil, fmt.Errorf("%w: %s worker timed out after %s", ErrWorkerUnavailable, w.Name, w.Timeout)
	}

	if res.err != nil {
		w.dead = true
		return nil, fmt.Errorf("%w: %s worker: %v", ErrWorkerUnavailable, w.Name, res.err)
	}
	return decodeReply(res.body)
}

// roundTrip does the raw framing. Protocol: [Length][Data] both ways.
func (w *PythonWorker) roundTrip(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// decodeReply splits [Status][Payload]. Errors are [Status:1][MsgLen][Msg].
func decodeReply(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty reply", ErrWorkerUnavailable)
	}

	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		rest := body[1:]
		if len(rest) < 4 {
			return nil, &LogicError{Msg: "truncated error reply"}
		}
		msgLen := binary.BigEndian.Uint32(rest[:4])
		if int(msgLen) > len(rest)-4 {
			return nil, &LogicError{Msg: string(rest[4:])}
		}
		return nil, &LogicError{Msg: string(rest[4 : 4+msgLen])}
	default:
		return nil, fmt.Errorf("%w: unknown status byte %d", ErrWorkerUnavailable, body[0])
	}
}

// kill unblocks a stuck roundTrip. Caller holds w.mu.
func (w *PythonWorker) kill() {
	w.dead = true
	w.killed = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

// Close shuts the pipes and waits for the process, so its stderr is complete.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.dead = true
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil && !w.killed {
		return fmt.Errorf("%s worker exit: %w", w.Name, err)
	}
	return nil
}
