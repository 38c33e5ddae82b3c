package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"htex/core"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = WriteFrame(client, []byte("hello"))
	}()

	got, err := ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestConnSendRecvEnvelope(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(client)
	ss := NewConn(server)

	env := Envelope{Identity: []byte("fabric-1"), Parts: [][]byte{[]byte("a"), []byte("b")}}
	go func() {
		_ = sc.Send(env)
	}()

	got, err := ss.Recv()
	require.NoError(t, err)
	require.Equal(t, env.Identity, got.Identity)
	require.Equal(t, env.Parts, got.Parts)
}

func TestTaskRoundTrip(t *testing.T) {
	task := core.Task{ID: core.NewTaskID(), Payload: []byte("payload")}
	data, err := EncodeTask(task)
	require.NoError(t, err)

	decoded, err := DecodeTask(data)
	require.NoError(t, err)
	require.Equal(t, task, decoded)
}

func TestDecodeTaskMissingIDIsBadMessage(t *testing.T) {
	data, err := EncodeTask(core.Task{Payload: []byte("x")})
	require.NoError(t, err)

	_, err = DecodeTask(data)
	require.ErrorIs(t, err, core.ErrBadMessage)
}

func TestResultRoundTrip(t *testing.T) {
	m := core.NewResult(core.NewTaskID(), []byte("42"))
	data, err := EncodeResult(m)
	require.NoError(t, err)

	decoded, err := DecodeResult(data)
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestTaskBatchStopSentinel(t *testing.T) {
	data, err := EncodeTaskBatch(TaskBatch{Stop: true})
	require.NoError(t, err)

	decoded, err := DecodeTaskBatch(data)
	require.NoError(t, err)
	require.True(t, decoded.Stop)
	require.Empty(t, decoded.Tasks)
}

func TestCapacityRequestRoundTrip(t *testing.T) {
	data := EncodeCapacityRequest(4)
	n, err := DecodeCapacityRequest(data)
	require.NoError(t, err)
	require.Equal(t, uint32(4), n)

	// a request of 0 is the heartbeat
	n, err = DecodeCapacityRequest(EncodeCapacityRequest(0))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRendezvousAwaitTimesOut(t *testing.T) {
	r := NewRendezvous()
	_, err := r.Await(10 * time.Millisecond)
	require.ErrorIs(t, err, core.ErrInitTimeout)
}

func TestRendezvousAwaitReceivesAnnouncement(t *testing.T) {
	r := NewRendezvous()
	r.Announce(Ports{TaskPort: 1, ResultPort: 2})

	p, err := r.Await(time.Second)
	require.NoError(t, err)
	require.Equal(t, Ports{TaskPort: 1, ResultPort: 2}, p)
}

func TestTaskRoundTripsAboveOutOfBandThresholds(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), BufferThreshold+1)
	require.True(t, IsOutOfBand(payload, 0))

	task := core.Task{ID: core.NewTaskID(), Payload: payload}
	data, err := EncodeTask(task)
	require.NoError(t, err)

	decoded, err := DecodeTask(data)
	require.NoError(t, err)
	require.Equal(t, task, decoded)
}

func TestResultRoundTripsWithManyCollectionItems(t *testing.T) {
	items := make([]string, ItemThreshold+1)
	for i := range items {
		items[i] = "item"
	}
	require.True(t, IsOutOfBand(nil, len(items)))

	encodedItems, err := cbor.Marshal(items)
	require.NoError(t, err)

	m := core.NewResult(core.NewTaskID(), encodedItems)
	data, err := EncodeResult(m)
	require.NoError(t, err)

	decoded, err := DecodeResult(data)
	require.NoError(t, err)
	require.Equal(t, m, decoded)

	var roundTripped []string
	require.NoError(t, cbor.Unmarshal(decoded.Result, &roundTripped))
	require.Equal(t, items, roundTripped)
}

func TestListenBindsWithinRange(t *testing.T) {
	ln, port, err := Listen("127.0.0.1", PortRange{Lo: 20000, Hi: 20100})
	require.NoError(t, err)
	defer ln.Close()
	require.GreaterOrEqual(t, port, 20000)
	require.LessOrEqual(t, port, 20100)
}
