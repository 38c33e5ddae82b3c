package fabric

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"htex/core"
	"htex/wire"
	"htex/worker"
)

func newTestDaimyo(t *testing.T, workers int) (*Daimyo, *wire.Conn) {
	t.Helper()
	brokerSide, fabricSide := net.Pipe()
	t.Cleanup(func() {
		brokerSide.Close()
		fabricSide.Close()
	})

	reg := worker.NewRegistry()
	reg.Register(worker.IdentityName, worker.Identity)

	d := New(Config{
		ID:              "fabric-1",
		BrokerConn:      wire.NewConn(fabricSide),
		HeartbeatPeriod: 200 * time.Millisecond,
		Workers:         workers,
		Registry:        reg,
	})
	return d, wire.NewConn(brokerSide)
}

func TestDaimyoDispatchesTasksAndReturnsResults(t *testing.T) {
	d, brokerConn := newTestDaimyo(t, 2)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	// consume at least one capacity request from the fabric.
	require.NoError(t, brokerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	env, err := brokerConn.Recv()
	require.NoError(t, err)
	_, err = wire.DecodeFabricInbound(env.Parts[0])
	require.NoError(t, err)

	id := core.NewTaskID()
	payload, err := core.EncodeInvocation(core.Invocation{Name: worker.IdentityName, Args: []byte("42")})
	require.NoError(t, err)
	batchData, err := wire.EncodeTaskBatch(wire.TaskBatch{Tasks: []core.Task{{ID: id, Payload: payload}}})
	require.NoError(t, err)
	require.NoError(t, brokerConn.Send(wire.Envelope{Parts: [][]byte{batchData}}))

	for {
		require.NoError(t, brokerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		env, err := brokerConn.Recv()
		require.NoError(t, err)
		if len(env.Parts) == 0 {
			continue
		}
		fi, err := wire.DecodeFabricInbound(env.Parts[0])
		require.NoError(t, err)
		if fi.Kind != wire.FabricInboundResult {
			continue
		}
		result, err := wire.DecodeResult(fi.Result)
		require.NoError(t, err)
		require.Equal(t, id, result.TaskID)
		require.Equal(t, []byte("42"), result.Result)
		break
	}

	stopData, err := wire.EncodeTaskBatch(wire.TaskBatch{Stop: true})
	require.NoError(t, err)
	require.NoError(t, brokerConn.Send(wire.Envelope{Parts: [][]byte{stopData}}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daimyo did not shut down after STOP sentinel")
	}
}
