// Command htex-demo wires a client.Executor, a broker.Interchange, and
// a provider.LocalProvider together in a single process to demonstrate
// an end-to-end run: it submits a handful of identity tasks to
// dynamically launched cmd/htex-fabric blocks and prints the results.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"time"

	"htex/broker"
	"htex/client"
	"htex/logging"
	"htex/provider"
	"htex/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "htex-demo",
		Usage: "run an in-process demo of the task-dispatch fabric",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug-level logging"},
			&cli.IntFlag{Name: "tasks", Value: 8, Usage: "number of identity tasks to submit"},
			&cli.IntFlag{Name: "workers-per-block", Value: 2, Usage: "workers per launched fabric block"},
			&cli.DurationFlag{Name: "heartbeat-period", Value: 10 * time.Second},
			&cli.IntFlag{Name: "metrics-port", Value: 9090, Usage: "port serving /metrics for the broker's Prometheus counters"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := logging.New(c.Bool("debug"))

	registry := prometheus.NewRegistry()
	metrics := broker.NewMetrics(registry)
	ic := broker.New(broker.Config{
		Logger:          logger,
		Metrics:         metrics,
		HeartbeatPeriod: c.Duration("heartbeat-period"),
	})
	go ic.Run()
	defer ic.Stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", c.Int("metrics-port")), Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn(&logging.Record{Msg: "metrics server exited", Error: err})
		}
	}()
	defer metricsSrv.Close()

	workerLn, workerPort, err := wire.Listen("127.0.0.1", wire.DefaultWorkerPortRange)
	if err != nil {
		return fmt.Errorf("htex-demo: failed to bind worker-facing listener: %w", err)
	}
	defer workerLn.Close()
	go acceptFabrics(ic, workerLn, logger)

	clientLn, _, err := wire.Listen("127.0.0.1", wire.DefaultInterchangePortRange)
	if err != nil {
		return fmt.Errorf("htex-demo: failed to bind client-facing listener: %w", err)
	}
	defer clientLn.Close()

	rendezvous := wire.NewRendezvous()
	rendezvous.Announce(wire.Ports{TaskPort: workerPort, ResultPort: workerPort})

	fabricBin, err := exec.LookPath("htex-fabric")
	if err != nil {
		fabricBin = "htex-fabric"
	}

	prov := provider.NewLocalProvider(c.Int("workers-per-block"))
	clientSide, err := net.Dial("tcp", clientLn.Addr().String())
	if err != nil {
		return fmt.Errorf("htex-demo: failed to dial own client listener: %w", err)
	}

	ex := client.New(client.Config{
		Logger:                logger,
		ClientConn:            wire.NewConn(clientSide),
		Rendezvous:            rendezvous,
		PublicIP:              "127.0.0.1",
		LaunchCommandTemplate: fabricBin + " {debug} --task-url {task_url} --result-url {result_url} --workers " + fmt.Sprint(c.Int("workers-per-block")),
		InitBlocks:            1,
		Debug:                 c.Bool("debug"),
		Provider:              prov,
	})

	acceptConn, err := clientLn.Accept()
	if err != nil {
		return fmt.Errorf("htex-demo: failed to accept own client connection: %w", err)
	}
	go ic.ServeClient(wire.NewConn(acceptConn))

	if err := ex.Start(); err != nil {
		return fmt.Errorf("htex-demo: failed to start executor: %w", err)
	}
	defer ex.Shutdown()

	n := c.Int("tasks")
	handles := make([]*client.Handle, n)
	for i := 0; i < n; i++ {
		h, err := ex.Submit("identity", []byte(fmt.Sprintf("task-%d", i)))
		if err != nil {
			return fmt.Errorf("htex-demo: submit failed: %w", err)
		}
		handles[i] = h
	}

	for i, h := range handles {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		value, err := h.Wait(ctx)
		cancel()
		if err != nil {
			fmt.Printf("task %d failed: %v\n", i, err)
			continue
		}
		fmt.Printf("task %d result: %s\n", i, value)
	}
	return nil
}

func acceptFabrics(ic *broker.Interchange, ln net.Listener, logger logging.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := ic.AcceptFabric(wire.NewConn(conn)); err != nil {
				logger.Warn(&logging.Record{Msg: "fabric connection ended with error", Error: err})
			}
		}()
	}
}
