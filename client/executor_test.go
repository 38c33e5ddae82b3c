package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"htex/core"
	"htex/wire"
)

func newTestExecutor(t *testing.T) (*Executor, *wire.Conn) {
	t.Helper()
	clientSide, remoteSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		remoteSide.Close()
	})

	rendezvous := wire.NewRendezvous()
	rendezvous.Announce(wire.Ports{TaskPort: 1, ResultPort: 2})

	e := New(Config{
		ClientConn:            wire.NewConn(clientSide),
		Rendezvous:            rendezvous,
		InitTimeout:           time.Second,
		LaunchCommandTemplate: "fabric {debug} {task_url} {result_url} {tasks_per_node}",
	})
	require.NoError(t, e.Start())
	return e, wire.NewConn(remoteSide)
}

func TestSubmitFulfillsOnResult(t *testing.T) {
	e, remote := newTestExecutor(t)
	defer e.Shutdown()

	h, err := e.Submit("identity", []byte("42"))
	require.NoError(t, err)

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(time.Second)))
	env, err := remote.Recv()
	require.NoError(t, err)
	task, err := wire.DecodeTask(env.Parts[0])
	require.NoError(t, err)

	data, err := wire.EncodeResult(core.NewResult(task.ID, []byte("42")))
	require.NoError(t, err)
	require.NoError(t, remote.Send(wire.Envelope{Parts: [][]byte{data}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("42"), value)
}

func TestSubmitRejectsOnException(t *testing.T) {
	e, remote := newTestExecutor(t)
	defer e.Shutdown()

	h, err := e.Submit("fail", nil)
	require.NoError(t, err)

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(time.Second)))
	env, err := remote.Recv()
	require.NoError(t, err)
	task, err := wire.DecodeTask(env.Parts[0])
	require.NoError(t, err)

	data, err := wire.EncodeResult(core.NewException(task.ID, []byte("x")))
	require.NoError(t, err)
	require.NoError(t, remote.Send(wire.Envelope{Parts: [][]byte{data}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	require.EqualError(t, err, "x")
	var remoteErr *core.RemoteException
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, task.ID, remoteErr.TaskID)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Shutdown()

	// allow demux goroutine's alive flag to settle
	time.Sleep(10 * time.Millisecond)

	_, err := e.Submit("identity", []byte("1"))
	require.ErrorIs(t, err, core.ErrExecutorDead)
}

func TestScaleInWithoutProviderFails(t *testing.T) {
	e, _ := newTestExecutor(t)
	defer e.Shutdown()
	require.ErrorIs(t, e.ScaleIn(1), core.ErrNoProvider)
}
