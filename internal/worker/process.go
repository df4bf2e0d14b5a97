package worker

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/httpproto"
	"github.com/akulkarni/preforge/internal/iostream"
	"github.com/akulkarni/preforge/internal/logging"
)

// acceptDeadline bounds how long Accept blocks before the loop rechecks
// alive, spec.md §4.4's "wait up to 5 seconds for the listener to become
// readable". The original multiplexes the listening socket and a
// self-pipe through select(); Go's signal delivery already happens on an
// ordinary goroutine rather than inside a restricted POSIX handler
// frame, so a graceful stop can call SetDeadline(now) on the listener
// directly to unblock a pending Accept, which is the more direct
// instance of the cancellation-primitive substitution spec.md §9
// anticipates ("the self-pipe may be replaced by a cancellation token or
// an event").
const acceptDeadline = 5 * time.Second

// Process is the worker side of the split: it owns the inherited
// listener and serves one connection at a time off it, matching
// HornedWorkerProcess in original_source/horned.py.
type Process struct {
	ln           net.Listener
	app          appenv.Application
	logger       *logging.Logger
	baseEnv      appenv.Environment
	realIPHeader string

	alive    atomic.Bool
	requests int64
	errors   int64
}

// NewProcess builds a worker Process that serves app off ln.
func NewProcess(ln net.Listener, app appenv.Application, logger *logging.Logger, baseEnv appenv.Environment, realIPHeader string) *Process {
	p := &Process{ln: ln, app: app, logger: logger, baseEnv: baseEnv, realIPHeader: realIPHeader}
	p.alive.Store(true)
	return p
}

// Requests returns the count of requests this worker has completed
// without a protocol or application error, spec.md §4.4.
func (p *Process) Requests() int64 { return atomic.LoadInt64(&p.requests) }

// Errors returns the count of protocol, application, and transport
// errors this worker has seen, spec.md §4.4.
func (p *Process) Errors() int64 { return atomic.LoadInt64(&p.errors) }

// Run installs signal handlers and serves connections until a graceful
// or immediate stop is requested, then exits the process, matching
// HornedWorkerProcess.run's "log.info('worker shutting down'); sys.exit(0)".
func (p *Process) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	go p.handleSignals(sigCh)

	p.logger.Info("worker ready, pid=%d", os.Getpid())
	for p.alive.Load() {
		if dl, ok := p.ln.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Now().Add(acceptDeadline))
		}
		conn, err := p.ln.Accept()
		if err != nil {
			if !p.alive.Load() {
				break
			}
			if isTimeout(err) {
				continue
			}
			if isEPIPE(err) {
				atomic.AddInt64(&p.errors, 1)
				p.logger.Error("broken pipe accepting connection: %v", err)
				continue
			}
			if isEINTR(err) {
				atomic.AddInt64(&p.errors, 1)
				p.logger.Error("accept() interrupted: %v", err)
				continue
			}
			p.logger.Error("accept() failed, worker exiting: %v", err)
			break
		}
		if p.handleRequest(conn) {
			atomic.AddInt64(&p.requests, 1)
		}
	}
	p.logger.Info("worker shutting down")
	os.Exit(0)
}

func (p *Process) handleSignals(sigCh <-chan os.Signal) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGQUIT:
			p.alive.Store(false)
			if dl, ok := p.ln.(interface{ SetDeadline(time.Time) error }); ok {
				_ = dl.SetDeadline(time.Now())
			}
		case syscall.SIGINT, syscall.SIGTERM:
			p.logger.Info("worker terminating immediately")
			os.Exit(0)
		}
	}
}

// handleRequest serves one connection end to end: parse the request,
// invoke the application, write the response, log the access line. It
// returns true if the request completed without a protocol or
// application error, matching the "increment request counter on
// success" step of spec.md §4.4's pseudocode; a false return has
// already incremented the error counter and logged the cause.
//
// The connection is closed twice on purpose: once by the stream (which
// flushes first), and once more, unconditionally, by this function's
// deferred conn.Close — the second close's error is always discarded. This mirrors the
// original's own redundant connection.close() in its try/finally, which
// runs regardless of whether handle_request's own stream.close() already
// ran.
func (p *Process) handleRequest(conn net.Conn) bool {
	defer func() { _ = conn.Close() }()

	start := time.Now()
	stream := iostream.New(conn)

	reqLine, env, err := httpproto.ParseRequest(stream, p.baseEnv, peerAddr(conn), p.realIPHeader)
	if err != nil {
		atomic.AddInt64(&p.errors, 1)
		p.logger.Error("protocol error: %v", err)
		_ = stream.Close()
		return false
	}

	success := true
	var status string
	var length int
	func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.errors, 1)
				p.logger.Error("application error: %v", r)
				success = false
			}
		}()
		status, length, err = httpproto.RespondTo(stream, env, p.app)
		if err != nil {
			atomic.AddInt64(&p.errors, 1)
			p.logger.Error("response error: %v", err)
			success = false
		}
	}()

	_ = stream.Close()
	if success {
		p.logger.Request(env.String(appenv.KeyRemoteAddr), reqLine, status, length, time.Since(start))
	}
	return success
}

func peerAddr(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isEPIPE(err error) bool { return errors.Is(err, syscall.EPIPE) }
func isEINTR(err error) bool { return errors.Is(err, syscall.EINTR) }
