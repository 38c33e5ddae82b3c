package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"htex/core"
)

func newTestWorker(t *testing.T, reg *Registry) (requestCh chan core.Rank, taskCh chan core.Task, resultCh chan core.ResultMessage, stop chan struct{}) {
	t.Helper()
	requestCh = make(chan core.Rank, 1)
	taskCh = make(chan core.Task, 1)
	resultCh = make(chan core.ResultMessage, 1)
	stop = make(chan struct{})

	var barrier sync.WaitGroup
	barrier.Add(1)
	var kill atomic.Bool

	go Run(core.Rank(0), reg, Links{RequestCh: requestCh, TaskCh: taskCh, ResultCh: resultCh}, &barrier, stop, &kill)
	return
}

func TestWorkerExecutesIdentityCallable(t *testing.T) {
	reg := NewRegistry()
	reg.Register(IdentityName, Identity)
	requestCh, taskCh, resultCh, stop := newTestWorker(t, reg)
	defer close(stop)

	select {
	case <-requestCh:
	case <-time.After(time.Second):
		t.Fatal("worker never requested work")
	}

	id := core.NewTaskID()
	payload, err := core.EncodeInvocation(core.Invocation{Name: IdentityName, Args: []byte("42")})
	require.NoError(t, err)
	taskCh <- core.Task{ID: id, Payload: payload}

	select {
	case result := <-resultCh:
		require.Equal(t, id, result.TaskID)
		require.Equal(t, []byte("42"), result.Result)
		require.Nil(t, result.Exception)
	case <-time.After(time.Second):
		t.Fatal("worker never reported a result")
	}
}

func TestWorkerCapturesUserCodeErrorAsException(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fail", func(args []byte) ([]byte, error) {
		return nil, errBoom
	})
	requestCh, taskCh, resultCh, stop := newTestWorker(t, reg)
	defer close(stop)
	<-requestCh

	id := core.NewTaskID()
	payload, err := core.EncodeInvocation(core.Invocation{Name: "fail"})
	require.NoError(t, err)
	taskCh <- core.Task{ID: id, Payload: payload}

	result := <-resultCh
	require.True(t, result.IsException())
	require.Contains(t, string(result.Exception), "boom")
}

func TestWorkerCapturesPanicAsException(t *testing.T) {
	reg := NewRegistry()
	reg.Register("panics", func(args []byte) ([]byte, error) {
		panic("kaboom")
	})
	requestCh, taskCh, resultCh, stop := newTestWorker(t, reg)
	defer close(stop)
	<-requestCh

	id := core.NewTaskID()
	payload, err := core.EncodeInvocation(core.Invocation{Name: "panics"})
	require.NoError(t, err)
	taskCh <- core.Task{ID: id, Payload: payload}

	result := <-resultCh
	require.True(t, result.IsException())
	require.Contains(t, string(result.Exception), "kaboom")
}

func TestWorkerUnknownCallableIsException(t *testing.T) {
	reg := NewRegistry()
	requestCh, taskCh, resultCh, stop := newTestWorker(t, reg)
	defer close(stop)
	<-requestCh

	id := core.NewTaskID()
	payload, err := core.EncodeInvocation(core.Invocation{Name: "nope"})
	require.NoError(t, err)
	taskCh <- core.Task{ID: id, Payload: payload}

	result := <-resultCh
	require.True(t, result.IsException())
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
