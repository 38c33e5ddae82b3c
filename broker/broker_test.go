package broker

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"htex/core"
	"htex/wire"
)

func TestCapacityTrackerAddTakeZero(t *testing.T) {
	c := NewCapacityTracker()
	c.AddCapacity("f1", 4)
	require.Equal(t, uint32(4), c.Outstanding("f1"))

	took := c.Take("f1", 2)
	require.Equal(t, uint32(2), took)
	require.Equal(t, uint32(2), c.Outstanding("f1"))

	c.Zero("f1")
	require.Zero(t, c.Outstanding("f1"))
	require.Empty(t, c.Fabrics())
}

func TestCapacityTrackerHeartbeatIsNoop(t *testing.T) {
	c := NewCapacityTracker()
	c.AddCapacity("f1", 0)
	require.Zero(t, c.Outstanding("f1"))
}

func TestRoundRobinFabricPolicyCyclesDeterministically(t *testing.T) {
	p := NewRoundRobinFabricPolicy()
	candidates := []core.FabricID{"b", "a", "c"}

	first, err := p.ChooseFabric(candidates)
	require.NoError(t, err)
	require.Equal(t, core.FabricID("a"), first)

	second, err := p.ChooseFabric(candidates)
	require.NoError(t, err)
	require.Equal(t, core.FabricID("b"), second)

	third, err := p.ChooseFabric(candidates)
	require.NoError(t, err)
	require.Equal(t, core.FabricID("c"), third)

	fourth, err := p.ChooseFabric(candidates)
	require.NoError(t, err)
	require.Equal(t, core.FabricID("a"), fourth)
}

func TestRoundRobinFabricPolicyNoEligible(t *testing.T) {
	p := NewRoundRobinFabricPolicy()
	_, err := p.ChooseFabric(nil)
	require.ErrorIs(t, err, ErrNoEligibleFabric)
}

func TestLivenessTrackerSweepMarksDead(t *testing.T) {
	sink := &recordingSink{}
	l := NewLivenessTracker(10*time.Millisecond, sink)
	l.Touch("f1")

	dead := l.Sweep(time.Now().Add(time.Second))
	require.Equal(t, []core.FabricID{"f1"}, dead)
	require.Equal(t, []core.FabricID{"f1"}, sink.died)
}

type recordingSink struct {
	died []core.FabricID
}

func (s *recordingSink) FabricDied(fabric core.FabricID) {
	s.died = append(s.died, fabric)
}

func TestInterchangeDispatchesWhenCapacityAndPendingBothAvailable(t *testing.T) {
	reg := prometheus.NewRegistry()
	ic := New(Config{Metrics: NewMetrics(reg), HeartbeatPeriod: time.Second})
	go ic.Run()
	defer ic.Stop()

	fabricSide, brokerSide := net.Pipe()
	defer fabricSide.Close()
	defer brokerSide.Close()

	fabricConn := wire.NewConn(fabricSide)
	go ic.ServeFabric("f1", wire.NewConn(brokerSide))

	// fabric announces capacity for 2 tasks
	capMsg, err := wire.EncodeFabricCapacity(2)
	require.NoError(t, err)
	require.NoError(t, fabricConn.Send(wire.Envelope{Identity: []byte("f1"), Parts: [][]byte{capMsg}}))

	ic.SubmitTask(core.Task{ID: core.NewTaskID(), Payload: []byte("1")})
	ic.SubmitTask(core.Task{ID: core.NewTaskID(), Payload: []byte("2")})

	env, err := recvWithTimeout(t, fabricConn, time.Second)
	require.NoError(t, err)
	batch, err := wire.DecodeTaskBatch(env.Parts[0])
	require.NoError(t, err)
	require.Len(t, batch.Tasks, 2)
}

func recvWithTimeout(t *testing.T, conn *wire.Conn, d time.Duration) (wire.Envelope, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	return conn.Recv()
}
