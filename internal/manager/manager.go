// Package manager implements the supervising parent process of spec.md
// §4.6: it binds the listening socket, maintains a pool of workers at
// the configured size, and carries out graceful or immediate shutdown on
// signal. Grounded on HornedManager in original_source/horned.py.
package manager

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"

	"github.com/akulkarni/preforge/internal/config"
	"github.com/akulkarni/preforge/internal/logging"
	"github.com/akulkarni/preforge/internal/socketacquire"
	"github.com/akulkarni/preforge/internal/worker"
)

const (
	reapInterval     = time.Second
	shutdownDeadline = 10 * time.Second
	shutdownPoll     = 100 * time.Millisecond
)

// Manager is the supervising parent process, spec.md §4.6.
type Manager struct {
	cfg     config.Config
	logger  *logging.Logger
	spawner worker.Spawner

	ln  net.Listener
	upg *tableflip.Upgrader

	mu      sync.Mutex
	workers map[int]worker.ProcessHandle

	alive atomic.Bool
}

// New builds a Manager. spawner is typically worker.NewExecSpawner(); a
// fake is substituted in tests so the supervision loop can be exercised
// without re-execing a real binary.
func New(cfg config.Config, logger *logging.Logger, spawner worker.Spawner) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		spawner: spawner,
		workers: make(map[int]worker.ProcessHandle),
	}
}

// Listen resolves the listening socket, spec.md §4.6 step 1, through
// SPEC_FULL.md's priority order: systemd socket activation first (the
// process skips binding entirely if it was activated), then a
// tableflip-backed bind when pidFile is non-empty (trading in a
// zero-downtime manager-binary upgrade on SIGHUP), then the plain
// SO_REUSEADDR bind spec.md itself defines.
func (m *Manager) Listen(pidFile string) error {
	if listeners, err := socketacquire.ActivationListeners(); err == nil && len(listeners) > 0 {
		m.ln = listeners[0]
		m.logger.Info("listening via systemd socket activation")
		return nil
	}

	if pidFile != "" {
		ln, upg, err := socketacquire.TableflipBind(m.cfg.Listen, pidFile)
		if err != nil {
			return fmt.Errorf("manager: tableflip bind: %w", err)
		}
		// Ready tells tableflip this process has finished acquiring its
		// listener and the previous generation (if any) may stop
		// accepting, per graceful_restarts/tbflip/main.go's handshake.
		if err := upg.Ready(); err != nil {
			upg.Stop()
			return fmt.Errorf("manager: tableflip ready: %w", err)
		}
		m.ln, m.upg = ln, upg
		m.logger.Info("listening on %s via tableflip", m.cfg.Listen)
		return nil
	}

	ln, err := socketacquire.Bind(m.cfg.Listen)
	if err != nil {
		return fmt.Errorf("manager: bind: %w", err)
	}
	m.ln = ln
	m.logger.Info("listening on %s", m.cfg.Listen)
	return nil
}

// Listener returns the listening socket resolved by Listen.
func (m *Manager) Listener() net.Listener { return m.ln }

// WorkerCount reports the number of workers currently tracked, for tests
// and diagnostics.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Pids returns the process IDs of every worker currently tracked, for
// the metrics sampler (SPEC_FULL.md domain stack) to poll.
func (m *Manager) Pids() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]int32, 0, len(m.workers))
	for pid := range m.workers {
		pids = append(pids, int32(pid))
	}
	return pids
}

// Run installs signal handlers and drives the reap/spawn/sleep loop of
// spec.md §4.6 at ~1 Hz until a graceful-stop signal clears alive, then
// carries out the bounded graceful shutdown. It returns once shutdown
// completes.
func (m *Manager) Run() error {
	if m.ln == nil {
		return fmt.Errorf("manager: Listen must be called before Run")
	}
	m.alive.Store(true)

	sigCh := make(chan os.Signal, 1)
	sigs := []os.Signal{syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1}
	if m.upg != nil {
		sigs = append(sigs, syscall.SIGHUP)
	}
	signal.Notify(sigCh, sigs...)
	go m.handleSignals(sigCh)

	if m.upg != nil {
		defer m.upg.Stop()
		go func() {
			// A successful Upgrade() on SIGHUP hands the listener to a
			// new generation; Exit() then fires to tell this process to
			// retire. Fold that into the ordinary graceful-stop path so
			// the worker pool is torn down the same way SIGQUIT drives.
			<-m.upg.Exit()
			m.logger.Info("tableflip upgrade complete, retiring this generation")
			m.alive.Store(false)
		}()
	}

	m.logger.Info("manager starting, target pool size %d", m.cfg.WorkerProcesses)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for m.alive.Load() {
		m.reap()
		m.spawnUpToTarget()
		<-ticker.C
	}

	m.shutdown()
	return nil
}

func (m *Manager) handleSignals(sigCh <-chan os.Signal) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGQUIT:
			m.logger.Info("received graceful-stop signal")
			m.alive.Store(false)
		case syscall.SIGINT, syscall.SIGTERM:
			m.logger.Info("received terminate signal, killing workers")
			m.terminateAll()
			os.Exit(0)
		case syscall.SIGUSR1:
			m.logger.Reopen()
		case syscall.SIGHUP:
			if m.upg != nil {
				m.logger.Info("upgrading manager binary")
				if err := m.upg.Upgrade(); err != nil {
					m.logger.Error("upgrade failed: %v", err)
				}
			}
		}
	}
}

// reap performs one non-blocking pass over live workers, removing and
// logging any that have exited, spec.md §4.6 step 1.
func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, h := range m.workers {
		exited, err := h.Wait()
		if err != nil {
			m.logger.Error("wait on worker %d failed: %v", pid, err)
			continue
		}
		if exited {
			m.logger.Info("worker %d exited", pid)
			delete(m.workers, pid)
		}
	}
}

// spawnUpToTarget forks new workers until the live set reaches
// cfg.WorkerProcesses, spec.md §4.6 step 2.
func (m *Manager) spawnUpToTarget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.workers) < m.cfg.WorkerProcesses {
		h, err := m.spawner.Spawn(m.ln)
		if err != nil {
			m.logger.Error("failed to spawn worker: %v", err)
			return
		}
		m.workers[h.Pid()] = h
		m.logger.Info("spawned worker %d", h.Pid())
	}
}

func (m *Manager) terminateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, h := range m.workers {
		if err := h.SignalImmediate(); err != nil {
			m.logger.Error("signaling worker %d failed: %v", pid, err)
		}
	}
}

// shutdown signals every worker with graceful-stop, then reaps with a
// 10-second deadline, polling every 100 ms, spec.md §4.6's "Shutdown"
// paragraph. If the deadline expires with workers remaining it logs the
// fact and returns anyway.
func (m *Manager) shutdown() {
	m.mu.Lock()
	for pid, h := range m.workers {
		if err := h.SignalGraceful(); err != nil {
			m.logger.Error("signaling worker %d failed: %v", pid, err)
		}
	}
	m.mu.Unlock()

	deadline := time.Now().Add(shutdownDeadline)
	for time.Now().Before(deadline) {
		m.reap()
		if m.WorkerCount() == 0 {
			m.logger.Info("all workers exited cleanly")
			return
		}
		time.Sleep(shutdownPoll)
	}

	if remaining := m.WorkerCount(); remaining > 0 {
		m.logger.Info("graceful shutdown deadline expired with %d workers remaining, exiting anyway", remaining)
	}
}
