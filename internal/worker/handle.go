// Package worker implements both sides of the manager/worker split of
// spec.md §4: the manager-side handle that spawns, signals and reaps a
// worker, and the worker-side accept loop that serves requests off the
// shared listening socket.
//
// Go has no fork(2). The manager-side substitute, grounded on
// graceful_restarts/SocketHandoff/main.go, re-execs the running binary
// with the listening socket's duplicated file descriptor passed through
// os/exec.Cmd.ExtraFiles and a PREFORGE_ROLE=worker environment marker
// the child reads at startup to take the worker path instead of the
// manager path.
package worker

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
)

// RoleEnvVar is the environment variable a re-exec'd child inspects to
// decide whether it is a worker. Set by Spawn, read by cmd/preforge's
// main.
const RoleEnvVar = "PREFORGE_ROLE"

// RoleWorker is the RoleEnvVar value identifying the worker path.
const RoleWorker = "worker"

// InheritedListenerFD is the file descriptor the listening socket lands
// on inside a re-exec'd worker: fd 3, the first slot after stdin/stdout/
// stderr, since Spawn places exactly one file in cmd.ExtraFiles.
const InheritedListenerFD = 3

// ProcessHandle is the manager's view of a running worker: enough to
// signal and reap it without assuming how it was started. Grounded on
// HornedWorker in original_source/horned.py, which wraps a pid the same
// way; the interface seam exists so internal/manager can be tested
// against a fake instead of exec'ing real subprocesses.
type ProcessHandle interface {
	// Pid returns the worker's process ID.
	Pid() int
	// SignalGraceful asks the worker to finish its current request (if
	// any) and exit, spec.md §6.2 SIGQUIT.
	SignalGraceful() error
	// SignalImmediate terminates the worker without waiting for it to
	// finish a request, spec.md §6.2 SIGINT/SIGTERM.
	SignalImmediate() error
	// Wait performs a single non-blocking reap attempt (WNOHANG). It
	// reports whether the process had already exited.
	Wait() (exited bool, err error)
}

// Spawner starts a new worker process sharing ln's listening socket.
type Spawner interface {
	Spawn(ln net.Listener) (ProcessHandle, error)
}

// ExecSpawner spawns workers by re-execing os.Args[0], the Go-native
// substitute for fork() described above.
type ExecSpawner struct {
	// Args is appended after the binary path; typically os.Args[1:].
	Args []string
}

// NewExecSpawner builds an ExecSpawner that re-execs the current binary
// with its current arguments.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{Args: os.Args[1:]}
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ln net.Listener) (ProcessHandle, error) {
	lf, err := listenerFile(ln)
	if err != nil {
		return nil, fmt.Errorf("worker: spawn: %w", err)
	}
	defer lf.Close()

	cmd := exec.Command(os.Args[0], s.Args...)
	cmd.Env = append(os.Environ(), RoleEnvVar+"="+RoleWorker)
	cmd.ExtraFiles = []*os.File{lf}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: spawn: %w", err)
	}
	return &execHandle{pid: cmd.Process.Pid}, nil
}

// listenerFile recovers a duplicated, inheritable *os.File for the
// listener types socketacquire.Bind and socketacquire.ActivationListeners
// hand back.
func listenerFile(ln net.Listener) (*os.File, error) {
	switch l := ln.(type) {
	case *net.TCPListener:
		return l.File()
	case *net.UnixListener:
		return l.File()
	default:
		return nil, fmt.Errorf("unsupported listener type %T", ln)
	}
}

// execHandle is the ProcessHandle for a worker started by ExecSpawner.
// It tracks only the pid: reaping goes through syscall.Wait4 directly
// rather than cmd.Wait, since the manager's reap loop polls with WNOHANG
// on its own schedule (spec.md §5.2) rather than blocking a goroutine
// for the worker's whole lifetime.
type execHandle struct {
	pid int
}

func (h *execHandle) Pid() int { return h.pid }

func (h *execHandle) SignalGraceful() error {
	return syscall.Kill(h.pid, syscall.SIGQUIT)
}

func (h *execHandle) SignalImmediate() error {
	return syscall.Kill(h.pid, syscall.SIGTERM)
}

func (h *execHandle) Wait() (bool, error) {
	var status syscall.WaitStatus
	pid, err := syscall.Wait4(h.pid, &status, syscall.WNOHANG, nil)
	if err != nil {
		if err == syscall.ECHILD {
			// Already reaped by someone else; treat as exited.
			return true, nil
		}
		return false, err
	}
	return pid == h.pid, nil
}
