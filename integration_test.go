// Package integration_test exercises the system end to end: a
// broker.Interchange, a fabric.Daimyo with several worker goroutines,
// and a client.Executor wired together over net.Pipe connections
// standing in for real TCP sockets, covering spec.md §8 scenarios 3
// (1000 tasks through four workers, every result round-tripping
// intact; the capacity bound itself is not asserted), 5 (STOP sentinel drains and
// joins cleanly), and 6 (out-of-band payload round-trips).
package integration_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"htex/broker"
	"htex/client"
	"htex/fabric"
	"htex/wire"
	"htex/worker"
)

type harness struct {
	ic        *broker.Interchange
	executor  *client.Executor
	daimyo    *fabric.Daimyo
	daimyoErr chan error
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()

	reg := prometheus.NewRegistry()
	ic := broker.New(broker.Config{
		Metrics:         broker.NewMetrics(reg),
		HeartbeatPeriod: 5 * time.Second,
	})
	go ic.Run()
	t.Cleanup(ic.Stop)

	fabricSide, brokerFabricSide := net.Pipe()
	clientSide, brokerClientSide := net.Pipe()
	t.Cleanup(func() {
		fabricSide.Close()
		brokerFabricSide.Close()
		clientSide.Close()
		brokerClientSide.Close()
	})

	go ic.AcceptFabric(wire.NewConn(brokerFabricSide))
	go ic.ServeClient(wire.NewConn(brokerClientSide))

	registry := worker.NewRegistry()
	registry.Register(worker.IdentityName, worker.Identity)

	d := fabric.New(fabric.Config{
		ID:              "f1",
		BrokerConn:      wire.NewConn(fabricSide),
		HeartbeatPeriod: 200 * time.Millisecond,
		Workers:         workers,
		Registry:        registry,
	})
	daimyoErr := make(chan error, 1)
	go func() { daimyoErr <- d.Run() }()

	rendezvous := wire.NewRendezvous()
	rendezvous.Announce(wire.Ports{TaskPort: 1, ResultPort: 1})

	e := client.New(client.Config{
		ClientConn:  wire.NewConn(clientSide),
		Rendezvous:  rendezvous,
		InitTimeout: time.Second,
	})
	require.NoError(t, e.Start())
	t.Cleanup(e.Shutdown)

	return &harness{ic: ic, executor: e, daimyo: d, daimyoErr: daimyoErr}
}

func TestIntegrationHighVolumeRoundTripsThroughFourWorkers(t *testing.T) {
	h := newHarness(t, 4)

	const n = 1000
	handles := make([]*client.Handle, n)
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		payloads[i] = []byte(fmt.Sprintf("task-%d", i))
		handle, err := h.executor.Submit("identity", payloads[i])
		require.NoError(t, err)
		handles[i] = handle
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i, handle := range handles {
		value, err := handle.Wait(ctx)
		require.NoErrorf(t, err, "task %d", i)
		require.Equal(t, payloads[i], value)
	}
}

func TestIntegrationOutOfBandPayloadRoundTrips(t *testing.T) {
	h := newHarness(t, 1)

	payload := bytes.Repeat([]byte("y"), wire.BufferThreshold+1)
	require.True(t, wire.IsOutOfBand(payload, 0))

	handle, err := h.executor.Submit("identity", payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	value, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, payload, value)
}

func TestIntegrationStopSentinelDrainsAndJoins(t *testing.T) {
	h := newHarness(t, 2)

	const n = 20
	handles := make([]*client.Handle, n)
	for i := 0; i < n; i++ {
		handle, err := h.executor.Submit("identity", []byte(fmt.Sprintf("x-%d", i)))
		require.NoError(t, err)
		handles[i] = handle
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, handle := range handles {
		_, err := handle.Wait(ctx)
		require.NoErrorf(t, err, "task %d", i)
	}

	h.ic.BroadcastStop()

	select {
	case err := <-h.daimyoErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daimyo did not join within 5s of the stop sentinel")
	}
}
