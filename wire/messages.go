package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"htex/core"
)

// BufferThreshold and ItemThreshold are the out-of-band serialization
// triggers named in the data model: a payload whose serialized form is
// at least BufferThreshold bytes, or whose top-level collection has at
// least ItemThreshold items, is expected to be handled out-of-band by
// the configured payload serializer. The transport itself does not
// special-case such payloads (it is payload-agnostic); these constants
// exist so client.Submit can log when a payload crosses them, mirroring
// the reference pack_apply_message thresholds.
const (
	BufferThreshold = 1 << 20 // 1 MiB
	ItemThreshold   = 1024
)

// TaskRequestMarker is the literal byte string a worker sends on the
// task-request tag when it becomes ready.
var TaskRequestMarker = []byte("TREQ")

// wireTask is the self-describing {task_id, buffer} shape used for a
// single task on the wire, both client→broker and broker→fabric.
type wireTask struct {
	TaskID core.TaskID `cbor:"task_id"`
	Buffer []byte      `cbor:"buffer"`
}

// EncodeTask encodes a single Task as a self-describing map.
func EncodeTask(t core.Task) ([]byte, error) {
	return cbor.Marshal(wireTask{TaskID: t.ID, Buffer: t.Payload})
}

// DecodeTask decodes a single Task, failing with core.ErrBadMessage if
// task_id is absent.
func DecodeTask(data []byte) (core.Task, error) {
	var wt wireTask
	if err := cbor.Unmarshal(data, &wt); err != nil {
		return core.Task{}, fmt.Errorf("%w: %v", core.ErrBadMessage, err)
	}
	if wt.TaskID == (core.TaskID{}) {
		return core.Task{}, fmt.Errorf("%w: missing task_id", core.ErrBadMessage)
	}
	return core.Task{ID: wt.TaskID, Payload: wt.Buffer}, nil
}

// TaskBatch is the broker→fabric message: a list of tasks, or the
// "STOP" sentinel that triggers fabric shutdown.
type TaskBatch struct {
	Stop  bool
	Tasks []core.Task
}

type wireBatch struct {
	Stop  bool       `cbor:"stop"`
	Tasks []wireTask `cbor:"tasks,omitempty"`
}

// EncodeTaskBatch encodes a TaskBatch for the broker→fabric task
// socket.
func EncodeTaskBatch(b TaskBatch) ([]byte, error) {
	wb := wireBatch{Stop: b.Stop}
	for _, t := range b.Tasks {
		wb.Tasks = append(wb.Tasks, wireTask{TaskID: t.ID, Buffer: t.Payload})
	}
	return cbor.Marshal(wb)
}

// DecodeTaskBatch decodes a TaskBatch.
func DecodeTaskBatch(data []byte) (TaskBatch, error) {
	var wb wireBatch
	if err := cbor.Unmarshal(data, &wb); err != nil {
		return TaskBatch{}, fmt.Errorf("%w: %v", core.ErrBadMessage, err)
	}
	batch := TaskBatch{Stop: wb.Stop}
	for _, wt := range wb.Tasks {
		batch.Tasks = append(batch.Tasks, core.Task{ID: wt.TaskID, Payload: wt.Buffer})
	}
	return batch, nil
}

// wireResult is the self-describing {task_id, result|exception} shape.
// Result and Exception deliberately omit `omitempty`: the discriminator
// between "successful empty result" and "no result" is CBOR null vs. a
// zero-length byte string, which only survives if a nil Go slice is
// actually encoded as null rather than dropped from the map entirely.
type wireResult struct {
	TaskID    core.TaskID `cbor:"task_id"`
	Result    []byte      `cbor:"result"`
	Exception []byte      `cbor:"exception"`
}

// EncodeResult encodes a core.ResultMessage.
func EncodeResult(m core.ResultMessage) ([]byte, error) {
	return cbor.Marshal(wireResult{TaskID: m.TaskID, Result: m.Result, Exception: m.Exception})
}

// DecodeResult decodes a core.ResultMessage, validating that it has
// exactly one of result/exception set.
func DecodeResult(data []byte) (core.ResultMessage, error) {
	var wr wireResult
	if err := cbor.Unmarshal(data, &wr); err != nil {
		return core.ResultMessage{}, fmt.Errorf("%w: %v", core.ErrBadMessage, err)
	}
	if wr.TaskID == (core.TaskID{}) {
		return core.ResultMessage{}, fmt.Errorf("%w: missing task_id", core.ErrBadMessage)
	}
	m := core.ResultMessage{TaskID: wr.TaskID, Result: wr.Result, Exception: wr.Exception}
	if err := m.Validate(); err != nil {
		return core.ResultMessage{}, err
	}
	return m, nil
}

// EncodeCapacityRequest encodes a capacity request as the reference
// 4-byte little-endian unsigned count. A request of 0 is the
// heartbeat.
func EncodeCapacityRequest(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// DecodeCapacityRequest decodes a 4-byte little-endian capacity
// request.
func DecodeCapacityRequest(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: capacity request must be 4 bytes, got %d", core.ErrBadMessage, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// IsOutOfBand reports whether a serialized payload crosses either
// out-of-band threshold, per the serialization boundary design note.
func IsOutOfBand(serialized []byte, itemCount int) bool {
	return len(serialized) >= BufferThreshold || itemCount >= ItemThreshold
}

// FabricInbound is a single message a fabric sends to the broker on
// their shared connection: either a capacity request (heartbeat when
// Capacity == 0) or a task result. The original transport used two
// separate sockets for these (a capacity/heartbeat socket and a result
// socket); this edition collapses them onto one full-duplex TCP
// connection per fabric, tagged by Kind, since Go's net.Conn is
// already full-duplex and a second socket adds nothing a tag can't do.
type FabricInbound struct {
	Kind     string `cbor:"kind"` // "capacity" or "result"
	Capacity uint32 `cbor:"capacity,omitempty"`
	Result   []byte `cbor:"result,omitempty"`
}

const (
	FabricInboundCapacity = "capacity"
	FabricInboundResult   = "result"
)

// EncodeFabricCapacity encodes a capacity request/heartbeat as a
// FabricInbound message.
func EncodeFabricCapacity(n uint32) ([]byte, error) {
	return cbor.Marshal(FabricInbound{Kind: FabricInboundCapacity, Capacity: n})
}

// EncodeFabricResult encodes a result as a FabricInbound message.
func EncodeFabricResult(m core.ResultMessage) ([]byte, error) {
	data, err := EncodeResult(m)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(FabricInbound{Kind: FabricInboundResult, Result: data})
}

// DecodeFabricInbound decodes a FabricInbound message.
func DecodeFabricInbound(data []byte) (FabricInbound, error) {
	var fi FabricInbound
	if err := cbor.Unmarshal(data, &fi); err != nil {
		return FabricInbound{}, fmt.Errorf("%w: %v", core.ErrBadMessage, err)
	}
	return fi, nil
}
