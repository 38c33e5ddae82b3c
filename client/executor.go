package client

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"htex/core"
	"htex/logging"
	"htex/provider"
	"htex/wire"
)

// Config configures an Executor. ClientConn must already be connected
// to the broker's client-facing socket; establishing that connection
// (dialing or being dialed) is left to the caller, since the transport
// mechanics belong to the wire package, not to Executor policy.
type Config struct {
	Logger      logging.Logger
	ClientConn  *wire.Conn
	Rendezvous  wire.Rendezvous
	InitTimeout time.Duration // 0 selects wire.DefaultInitTimeout

	Provider              provider.Provider
	PublicIP              string
	LaunchCommandTemplate string // contains {debug} {task_url} {result_url} {tasks_per_node}
	InitBlocks            int
	Debug                 bool

	// OnShutdown, if set, is invoked once by Shutdown, e.g. to stop an
	// in-process broker.Interchange.
	OnShutdown func()
}

// Executor is the client-side executor (C5): start/submit/shutdown
// plus the result-demultiplexing goroutine, implemented exactly as
// spec.md §4.5.
type Executor struct {
	cfg Config

	alive atomic.Bool
	stop  chan struct{}

	mu      sync.Mutex
	handles map[core.TaskID]*Handle

	blockIDs  []string
	launchCmd string
}

// New constructs an Executor from cfg. Call Start before Submit.
func New(cfg Config) *Executor {
	return &Executor{
		cfg:     cfg,
		stop:    make(chan struct{}),
		handles: make(map[core.TaskID]*Handle),
	}
}

// Start waits for the broker to announce its worker-facing ports via
// the rendezvous channel, substitutes the launch command template, and
// asks the provider to launch InitBlocks worker-pool blocks. It fails
// with core.ErrInitTimeout if the broker does not respond within the
// configured window, or core.ErrScalingFailed if any initial block
// submission fails.
func (e *Executor) Start() error {
	timeout := e.cfg.InitTimeout
	if timeout <= 0 {
		timeout = wire.DefaultInitTimeout
	}

	ports, err := e.cfg.Rendezvous.Await(timeout)
	if err != nil {
		return err
	}

	if e.cfg.Provider != nil {
		cmd := e.buildLaunchCommand(ports)
		e.launchCmd = cmd
		initBlocks := e.cfg.InitBlocks
		if initBlocks <= 0 {
			initBlocks = 1
		}
		for i := 0; i < initBlocks; i++ {
			blockID, err := e.cfg.Provider.Submit(cmd)
			if err != nil || blockID == "" {
				return fmt.Errorf("%w: %v", core.ErrScalingFailed, err)
			}
			e.blockIDs = append(e.blockIDs, blockID)
		}
	}

	e.alive.Store(true)
	go e.demux()
	return nil
}

func (e *Executor) buildLaunchCommand(ports wire.Ports) string {
	debug := ""
	if e.cfg.Debug {
		debug = "--debug"
	}
	taskURL := fmt.Sprintf("tcp://%s:%d", e.cfg.PublicIP, ports.TaskPort)
	resultURL := fmt.Sprintf("tcp://%s:%d", e.cfg.PublicIP, ports.ResultPort)
	tasksPerNode := 1
	if e.cfg.Provider != nil {
		tasksPerNode = e.cfg.Provider.TasksPerNode()
	}

	cmd := e.cfg.LaunchCommandTemplate
	cmd = strings.ReplaceAll(cmd, "{debug}", debug)
	cmd = strings.ReplaceAll(cmd, "{task_url}", taskURL)
	cmd = strings.ReplaceAll(cmd, "{result_url}", resultURL)
	cmd = strings.ReplaceAll(cmd, "{tasks_per_node}", strconv.Itoa(tasksPerNode))
	return cmd
}

// Alive reports whether the demultiplexer goroutine is still running.
// Exposed so a caller can detect the documented "demux exits, future
// submissions never complete" failure mode (see DESIGN.md) and decide
// whether to restart the executor.
func (e *Executor) Alive() bool {
	return e.alive.Load()
}

// Submit assigns a fresh task_id, serializes (name, args) as an
// Invocation payload, enqueues it on the outbound task connection, and
// returns a Handle. Non-blocking with respect to task completion (it
// does block briefly on the connection write).
func (e *Executor) Submit(name string, args []byte) (*Handle, error) {
	if !e.alive.Load() {
		return nil, core.ErrExecutorDead
	}

	id := core.NewTaskID()
	h := newHandle()

	e.mu.Lock()
	e.handles[id] = h
	e.mu.Unlock()

	payload, err := core.EncodeInvocation(core.Invocation{Name: name, Args: args})
	if err != nil {
		e.mu.Lock()
		delete(e.handles, id)
		e.mu.Unlock()
		return nil, err
	}

	if wire.IsOutOfBand(payload, 1) && e.cfg.Logger != nil {
		e.cfg.Logger.Info(&logging.Record{Msg: "payload crosses out-of-band threshold", TaskID: &id})
	}

	data, err := wire.EncodeTask(core.Task{ID: id, Payload: payload})
	if err != nil {
		e.mu.Lock()
		delete(e.handles, id)
		e.mu.Unlock()
		return nil, err
	}

	if err := e.cfg.ClientConn.Send(wire.Envelope{Parts: [][]byte{data}}); err != nil {
		e.mu.Lock()
		delete(e.handles, id)
		e.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// ScaleOut asks the provider to launch n additional blocks using the
// last-used launch command. Returns core.ErrNoProvider if unconfigured.
func (e *Executor) ScaleOut(n int) error {
	if e.cfg.Provider == nil {
		return core.ErrNoProvider
	}
	for i := 0; i < n; i++ {
		blockID, err := e.cfg.Provider.Submit(e.launchCmd)
		if err != nil || blockID == "" {
			return fmt.Errorf("%w: %v", core.ErrScalingFailed, err)
		}
		e.blockIDs = append(e.blockIDs, blockID)
	}
	return nil
}

// ScaleIn cancels up to n running blocks. The original source
// references an unbound variable here when no provider is configured
// (see DESIGN.md); this edition reports core.ErrNoProvider explicitly
// instead.
func (e *Executor) ScaleIn(n int) error {
	if e.cfg.Provider == nil {
		return core.ErrNoProvider
	}
	if n > len(e.blockIDs) {
		n = len(e.blockIDs)
	}
	toCancel := e.blockIDs[:n]
	cancelled, err := e.cfg.Provider.Cancel(toCancel)
	if err != nil {
		return err
	}
	e.blockIDs = e.blockIDs[len(cancelled):]
	return nil
}

// Shutdown signals the demultiplexer to exit, invokes OnShutdown (if
// set), and returns.
func (e *Executor) Shutdown() {
	e.alive.Store(false)
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	if e.cfg.OnShutdown != nil {
		e.cfg.OnShutdown()
	}
}

// demux is the result-demultiplexing goroutine: a single-threaded loop
// over the incoming-results connection with a 1-second receive
// timeout, per §4.5.
func (e *Executor) demux() {
	defer e.alive.Store(false)

	for e.alive.Load() {
		if err := e.cfg.ClientConn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			e.logError("failed to set demux read deadline", err)
			return
		}
		env, err := e.cfg.ClientConn.Recv()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			// Broken socket: thread-fatal, log and exit.
			e.logError("client connection broken, demultiplexer exiting", err)
			return
		}
		if len(env.Parts) == 0 {
			continue
		}

		result, err := wire.DecodeResult(env.Parts[0])
		if err != nil {
			// BadMessage: thread-fatal per §7.
			e.logError("bad message on result connection, demultiplexer exiting", err)
			return
		}

		e.settle(result)
	}
}

func (e *Executor) settle(result core.ResultMessage) {
	e.mu.Lock()
	h, ok := e.handles[result.TaskID]
	if ok {
		delete(e.handles, result.TaskID)
	}
	e.mu.Unlock()

	if !ok {
		if e.cfg.Logger != nil {
			taskID := result.TaskID
			e.cfg.Logger.Warn(&logging.Record{Msg: "result for unknown task_id", TaskID: &taskID})
		}
		return
	}

	if result.IsException() {
		if !utf8.Valid(result.Exception) {
			h.reject(fmt.Errorf("%w: exception payload is not valid text", core.ErrDeserializationError))
			return
		}
		h.reject(&core.RemoteException{TaskID: result.TaskID, Text: string(result.Exception)})
		return
	}
	h.fulfill(result.Result)
}

func (e *Executor) logError(msg string, err error) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Error(&logging.Record{Msg: msg, Error: err})
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
