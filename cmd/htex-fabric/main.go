// Command htex-fabric is the per-node fabric coordinator binary: the
// process a provider launches once per block. It dials the broker's
// worker-facing connection, spins up the configured number of worker
// goroutines, and runs until the broker sends the STOP sentinel or the
// connection breaks.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"htex/core"
	"htex/fabric"
	"htex/logging"
	"htex/wire"
	"htex/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "htex-fabric",
		Usage: "run a fabric coordinator block against a broker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "task-url", Required: true, Usage: "tcp://host:port the broker's worker-facing socket listens on"},
			&cli.StringFlag{Name: "result-url", Required: true, Usage: "tcp://host:port for results; this edition multiplexes tasks and results onto one connection, so this is accepted for interface parity with task-url and otherwise unused"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug-level logging"},
			&cli.StringFlag{Name: "logdir", Value: "htex_worker_logs", Usage: "directory for this block's log file"},
			&cli.StringFlag{Name: "uid", Usage: "block identifier; defaults to a random uuid"},
			&cli.IntFlag{Name: "workers", Value: 1, Usage: "number of worker goroutines to run in this block"},
			&cli.DurationFlag{Name: "heartbeat-period", Value: 30 * time.Second, Usage: "heartbeat period; a heartbeat is sent to the broker at least every half period"},
			&cli.IntFlag{Name: "metrics-port", Value: 0, Usage: "if set, port serving /metrics (Go runtime stats) for this block"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	uid := c.String("uid")
	if uid == "" {
		uid = uuid.NewString()
	}

	logger, closeLog, err := setupLogger(c.Bool("debug"), c.String("logdir"), uid)
	if err != nil {
		return fmt.Errorf("htex-fabric: %w", err)
	}
	defer closeLog()

	addr, err := parseURL(c.String("task-url"))
	if err != nil {
		return fmt.Errorf("htex-fabric: %w", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Error(&logging.Record{Msg: "failed to dial broker", Error: err})
		return fmt.Errorf("htex-fabric: failed to dial broker at %s: %w", addr, err)
	}
	brokerConn := wire.NewConn(conn)

	if port := c.Int("metrics-port"); port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn(&logging.Record{Msg: "metrics server exited", Error: err})
			}
		}()
	}

	registry := worker.NewRegistry()
	registry.Register(worker.IdentityName, worker.Identity)

	d := fabric.New(fabric.Config{
		ID:              core.FabricID(uid),
		Logger:          logger,
		BrokerConn:      brokerConn,
		HeartbeatPeriod: c.Duration("heartbeat-period"),
		Workers:         c.Int("workers"),
		Registry:        registry,
	})

	logger.Info(&logging.Record{Msg: "fabric starting", Details: map[string]any{"uid": uid, "task_url": c.String("task-url"), "workers": c.Int("workers")}})

	if err := d.Run(); err != nil {
		logger.Error(&logging.Record{Msg: "fabric exited with error", Error: err})
		return fmt.Errorf("htex-fabric: %w", err)
	}
	logger.Info(&logging.Record{Msg: "fabric exited cleanly"})
	return nil
}

// setupLogger opens logdir/uid.log and returns a logger writing to it,
// the Go analogue of fabric_threaded.py's per-rank start_file_logger.
func setupLogger(debug bool, logdir, uid string) (logging.Logger, func(), error) {
	if err := os.MkdirAll(logdir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logdir %s: %w", logdir, err)
	}
	path := filepath.Join(logdir, uid+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return logging.NewWithOutput(debug, f), func() { _ = f.Close() }, nil
}

func parseURL(raw string) (string, error) {
	addr := strings.TrimPrefix(raw, "tcp://")
	if addr == "" {
		return "", fmt.Errorf("empty url")
	}
	return addr, nil
}
