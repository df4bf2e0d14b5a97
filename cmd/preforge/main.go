// Command preforge is a demo WSGI-style preforking HTTP/1.0 server,
// wiring internal/manager and internal/worker the way
// original_source/horned.py's module-level __main__ block wires
// HornedManager — flag-parsed configuration in place of a dict literal,
// and a dotted-name-free application handed in directly since this is
// Go, not a dynamically imported module.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/config"
	"github.com/akulkarni/preforge/internal/logging"
	"github.com/akulkarni/preforge/internal/manager"
	"github.com/akulkarni/preforge/internal/metrics"
	"github.com/akulkarni/preforge/internal/worker"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:8080", "AF_INET host:port or AF_UNIX path beginning with /")
	workers := flag.Int("workers", 4, "target worker pool size")
	accessLogPath := flag.String("access-log", "", "access log path, default stdout")
	errorLogPath := flag.String("error-log", "", "error log path, default stderr")
	realIPHeader := flag.String("real-ip-header", "", "HTTP_<NAME> environment key trusted to override REMOTE_ADDR")
	pidFile := flag.String("tableflip-pidfile", "", "enable tableflip-managed binary upgrades, writing the manager pid here")
	metricsInterval := flag.Duration("metrics-interval", 0, "worker RSS/CPU sampling interval, 0 disables")
	flag.Parse()

	addr, err := config.ParseListenAddr(*listenAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "preforge:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(*accessLogPath, *errorLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "preforge:", err)
		os.Exit(1)
	}

	if os.Getenv(worker.RoleEnvVar) == worker.RoleWorker {
		runWorker(addr, *realIPHeader, logger)
		return
	}

	runManager(addr, *workers, *realIPHeader, *pidFile, *metricsInterval, logger)
}

// buildLogger opens the configured sinks, or falls back to stdout for
// access lines and stderr for diagnostics (the same sinks
// logging.NewStdio uses), the original's DEFAULT_CONFIG behavior.
func buildLogger(accessLogPath, errorLogPath string) (*logging.Logger, error) {
	access := logging.NewSink(os.Stdout)
	if accessLogPath != "" {
		s, err := logging.NewPathSink(accessLogPath)
		if err != nil {
			return nil, fmt.Errorf("opening access log: %w", err)
		}
		access = s
	}
	errLog := logging.NewSink(os.Stderr)
	if errorLogPath != "" {
		s, err := logging.NewPathSink(errorLogPath)
		if err != nil {
			return nil, fmt.Errorf("opening error log: %w", err)
		}
		errLog = s
	}
	return logging.New(access, errLog), nil
}

// demoApp is the Go shape of demo_app in original_source/horned.py: a
// static "Hello world!" page.
func demoApp(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
	start("200 OK", []appenv.HeaderField{{Name: "Content-Type", Value: "text/html"}}, nil)
	return appenv.NewSliceChunks([]byte(
		"<html><head><title>Hello world!</title></head>" +
			"<body><h1>Hello world!</h1></body></html>\n\n"))
}

// runWorker reconstructs the listener inherited at worker.InheritedListenerFD
// (placed there by worker.ExecSpawner.Spawn) and serves off it until
// stopped, spec.md §4.4.
func runWorker(addr config.ListenAddr, realIPHeader string, logger *logging.Logger) {
	f := os.NewFile(uintptr(worker.InheritedListenerFD), "listener")
	ln, err := net.FileListener(f)
	if err != nil {
		logger.Error("worker: could not reconstruct inherited listener: %v", err)
		os.Exit(1)
	}
	_ = f.Close() // net.FileListener dup'd it; the original fd is no longer needed.

	baseEnv := worker.NewBaseEnv(addr, logger.ErrorWriter())
	proc := worker.NewProcess(ln, appenv.ApplicationFunc(demoApp), logger, baseEnv, realIPHeader)
	proc.Run()
}

// runManager binds the listening socket and drives the supervision loop
// until it returns (graceful shutdown complete), spec.md §4.6.
func runManager(addr config.ListenAddr, workerCount int, realIPHeader, pidFile string, metricsInterval time.Duration, logger *logging.Logger) {
	cfg := config.Config{
		Listen:          addr,
		WorkerProcesses: workerCount,
		Application:     appenv.ApplicationFunc(demoApp),
		RealIPHeader:    realIPHeader,
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration: %v", err)
		os.Exit(1)
	}

	m := manager.New(cfg, logger, worker.NewExecSpawner())
	if err := m.Listen(pidFile); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	if metricsInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sampler := metrics.NewSampler(metricsInterval, func(s metrics.Sample) {
			logger.Info("worker %d rss=%dKB cpu=%.1f%%", s.PID, s.RSSBytes/1024, s.CPUPercent)
		})
		go sampler.Run(ctx, m.Pids)
	}

	if err := m.Run(); err != nil {
		logger.Error("manager exited with error: %v", err)
		os.Exit(1)
	}
}
