package broker

import (
	"fmt"
	"io"
	"sync"
	"time"

	"htex/core"
	"htex/logging"
	"htex/wire"
)

// DefaultBatchCap bounds how many tasks the broker dispatches to a
// single fabric in one batch, even if both the pending buffer and the
// fabric's declared capacity are larger.
const DefaultBatchCap = 256

// Config holds the tunables for a new Interchange.
type Config struct {
	Logger          logging.Logger
	Metrics         *Metrics
	HeartbeatPeriod time.Duration // a fabric is dead once this elapses with no message
	BatchCap        int           // 0 selects DefaultBatchCap
	PendingCapacity int           // bounded inbound task buffer size
}

// Interchange is the broker: it buffers tasks from the one client it
// serves, tracks per-fabric outstanding capacity and liveness, applies
// the round-robin dispatch policy, and forwards fabric results back to
// the client verbatim. Grounded on the teacher's overall
// accept-loop-plus-handler-chain shape (cmd/tcplb/server.go), with the
// handler chain's concerns (rate limiting, authorization, forwarding)
// replaced by this package's capacity/liveness/policy trio.
type Interchange struct {
	logger   logging.Logger
	metrics  *Metrics
	capacity *CapacityTracker
	liveness *LivenessTracker
	policy   FabricPolicy
	batchCap int

	pending chan core.Task
	wake    chan struct{}
	stop    chan struct{}

	mu          sync.Mutex
	fabricConns map[core.FabricID]*wire.Conn
	clientConn  *wire.Conn
}

// New constructs an Interchange from cfg.
func New(cfg Config) *Interchange {
	batchCap := cfg.BatchCap
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	pendingCap := cfg.PendingCapacity
	if pendingCap <= 0 {
		pendingCap = 10000
	}
	ic := &Interchange{
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		capacity:    NewCapacityTracker(),
		policy:      NewRoundRobinFabricPolicy(),
		batchCap:    batchCap,
		pending:     make(chan core.Task, pendingCap),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		fabricConns: make(map[core.FabricID]*wire.Conn),
	}
	ic.liveness = NewLivenessTracker(cfg.HeartbeatPeriod, ic)
	return ic
}

// FabricDied implements DeadFabricSink: it zeros the dead fabric's
// outstanding capacity. In-flight tasks already dispatched to it are
// not re-routed, per the spec's documented (unresolved) delivery
// guarantee for dead fabrics.
func (ic *Interchange) FabricDied(fabric core.FabricID) {
	ic.capacity.Zero(fabric)
	ic.metrics.setOutstanding(fabric, 0)
	if ic.logger != nil {
		ic.logger.Warn(&logging.Record{Msg: "fabric marked dead", FabricID: &fabric})
	}
}

// Stop shuts down the dispatch and liveness loops.
func (ic *Interchange) Stop() {
	close(ic.stop)
}

// BroadcastStop sends the STOP sentinel task batch to every currently
// registered fabric, telling each Daimyo to drain in-flight work and
// exit (§4.3(a), §8 scenario 5).
func (ic *Interchange) BroadcastStop() {
	data, err := wire.EncodeTaskBatch(wire.TaskBatch{Stop: true})
	if err != nil {
		if ic.logger != nil {
			ic.logger.Error(&logging.Record{Msg: "failed to encode stop sentinel", Error: err})
		}
		return
	}
	ic.mu.Lock()
	conns := make(map[core.FabricID]*wire.Conn, len(ic.fabricConns))
	for id, conn := range ic.fabricConns {
		conns[id] = conn
	}
	ic.mu.Unlock()
	for id, conn := range conns {
		if err := conn.Send(wire.Envelope{Identity: []byte(id), Parts: [][]byte{data}}); err != nil {
			if ic.logger != nil {
				ic.logger.Warn(&logging.Record{Msg: "failed to send stop sentinel", Error: err, FabricID: &id})
			}
		}
	}
}

// Run starts the liveness sweep and dispatch loops. It blocks until
// Stop is called.
func (ic *Interchange) Run() {
	go ic.liveness.Run(ic.stop)
	ic.dispatchLoop()
}

func (ic *Interchange) signalWake() {
	select {
	case ic.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop implements the scheduling policy in §4.4: whenever the
// inbound buffer is non-empty and some fabric has outstanding
// capacity, dequeue a batch sized to min(available, capacity,
// batchCap) and send it to the round-robin-chosen fabric.
func (ic *Interchange) dispatchLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ic.stop:
			return
		case <-ic.wake:
		case <-ticker.C:
		}
		ic.dispatchAvailable()
	}
}

func (ic *Interchange) dispatchAvailable() {
	for {
		candidates := ic.capacity.Fabrics()
		if len(candidates) == 0 {
			ic.metrics.setPending(len(ic.pending))
			return
		}
		fabric, err := ic.policy.ChooseFabric(candidates)
		if err != nil {
			return
		}
		capacity := ic.capacity.Outstanding(fabric)
		if capacity == 0 {
			continue
		}
		batch := ic.drainPending(capacity)
		if len(batch) == 0 {
			return
		}
		ic.capacity.Take(fabric, uint32(len(batch)))
		ic.metrics.setOutstanding(fabric, ic.capacity.Outstanding(fabric))
		ic.sendBatch(fabric, batch)
	}
}

func (ic *Interchange) drainPending(max uint32) []core.Task {
	limit := int(max)
	if limit > ic.batchCap {
		limit = ic.batchCap
	}
	var batch []core.Task
	for len(batch) < limit {
		select {
		case t := <-ic.pending:
			batch = append(batch, t)
		default:
			return batch
		}
	}
	return batch
}

func (ic *Interchange) sendBatch(fabric core.FabricID, tasks []core.Task) {
	ic.mu.Lock()
	conn := ic.fabricConns[fabric]
	ic.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := wire.EncodeTaskBatch(wire.TaskBatch{Tasks: tasks})
	if err != nil {
		if ic.logger != nil {
			ic.logger.Error(&logging.Record{Msg: "failed to encode task batch", Error: err, FabricID: &fabric})
		}
		return
	}
	if err := conn.Send(wire.Envelope{Identity: []byte(fabric), Parts: [][]byte{data}}); err != nil {
		if ic.logger != nil {
			ic.logger.Warn(&logging.Record{Msg: "failed to send task batch", Error: err, FabricID: &fabric})
		}
		return
	}
	ic.metrics.dispatched(fabric, len(tasks))
}

// SubmitTask enqueues a task received from the client onto the bounded
// inbound buffer. It blocks if the buffer is full (backpressure).
func (ic *Interchange) SubmitTask(t core.Task) {
	ic.pending <- t
	ic.metrics.setPending(len(ic.pending))
	ic.signalWake()
}

// SetClientConn registers the connection used to forward results back
// to the client.
func (ic *Interchange) SetClientConn(conn *wire.Conn) {
	ic.mu.Lock()
	ic.clientConn = conn
	ic.mu.Unlock()
}

// ServeClient reads task messages from the client connection until it
// closes or errors, enqueuing each onto the pending buffer.
func (ic *Interchange) ServeClient(conn *wire.Conn) error {
	ic.SetClientConn(conn)
	for {
		env, err := conn.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(env.Parts) == 0 {
			continue
		}
		task, err := wire.DecodeTask(env.Parts[0])
		if err != nil {
			if ic.logger != nil {
				ic.logger.Warn(&logging.Record{Msg: "dropping malformed client task", Error: err})
			}
			continue
		}
		ic.SubmitTask(task)
	}
}

// RegisterFabric records conn as the connection for fabric and starts
// the broker's heartbeat deadline for it. It does not block; the
// caller should separately call ServeFabric to read inbound messages.
func (ic *Interchange) RegisterFabric(fabric core.FabricID, conn *wire.Conn) {
	ic.mu.Lock()
	ic.fabricConns[fabric] = conn
	ic.mu.Unlock()
	ic.liveness.Touch(fabric)
}

// ServeFabric reads capacity requests and results from a fabric's
// connection until it closes or errors.
func (ic *Interchange) ServeFabric(fabric core.FabricID, conn *wire.Conn) error {
	ic.RegisterFabric(fabric, conn)
	for {
		env, err := conn.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		ic.liveness.Touch(fabric)
		ic.handleFabricEnvelope(fabric, env)
	}
}

// AcceptFabric serves a freshly dialed fabric connection whose identity
// is not yet known to the broker. Every message a Daimyo sends carries
// its fabric ID in the envelope's Identity field (see
// fabric.Daimyo.sendCapacity/pushResult), so the identity is learned
// from the first envelope rather than requiring a separate handshake.
func (ic *Interchange) AcceptFabric(conn *wire.Conn) error {
	env, err := conn.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	fabric := core.FabricID(env.Identity)
	ic.RegisterFabric(fabric, conn)
	ic.handleFabricEnvelope(fabric, env)

	for {
		env, err := conn.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		ic.liveness.Touch(fabric)
		ic.handleFabricEnvelope(fabric, env)
	}
}

func (ic *Interchange) handleFabricEnvelope(fabric core.FabricID, env wire.Envelope) {
	if len(env.Parts) == 0 {
		return
	}
	fi, err := wire.DecodeFabricInbound(env.Parts[0])
	if err != nil {
		if ic.logger != nil {
			ic.logger.Warn(&logging.Record{Msg: "dropping malformed fabric message", Error: err, FabricID: &fabric})
		}
		return
	}
	switch fi.Kind {
	case wire.FabricInboundCapacity:
		ic.capacity.AddCapacity(fabric, fi.Capacity)
		ic.metrics.setOutstanding(fabric, ic.capacity.Outstanding(fabric))
		if fi.Capacity > 0 {
			ic.signalWake()
		}
	case wire.FabricInboundResult:
		ic.forwardResult(fabric, fi.Result)
	default:
		if ic.logger != nil {
			ic.logger.Warn(&logging.Record{Msg: fmt.Sprintf("unknown fabric message kind %q", fi.Kind), FabricID: &fabric})
		}
	}
}

// forwardResult forwards a result, already encoded on the wire, to the
// client connection with no interpretation, per §4.4.
func (ic *Interchange) forwardResult(fabric core.FabricID, encoded []byte) {
	ic.mu.Lock()
	conn := ic.clientConn
	ic.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(wire.Envelope{Parts: [][]byte{encoded}}); err != nil {
		if ic.logger != nil {
			ic.logger.Warn(&logging.Record{Msg: "failed to forward result to client", Error: err, FabricID: &fabric})
		}
		return
	}
	ic.metrics.returned(fabric)
}
