package watcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fsbench/FSBench/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finishedResults = "CREATE: 4000ms\nCOPY: 1500ms\nDELETE: 200ms\nDONE\n"

type fakeTarget struct {
	mu sync.Mutex

	content    string
	doneAfter  int // probes before the sentinel appears, -1 for never
	failFirst  int // initial probes that fail at the transport level
	connectErr error

	probes   int
	connects int
}

var _ target.Target = (*fakeTarget)(nil)

func (f *fakeTarget) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTarget) RunCommand(ctx context.Context, cmd string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probes <= f.failFirst {
		return nil, &target.TransportError{Op: "run", Err: errors.New("connection reset by peer")}
	}
	if f.doneAfter >= 0 && f.probes > f.doneAfter {
		return []byte(f.content), nil
	}
	return nil, nil
}

func (f *fakeTarget) Upload(ctx context.Context, local io.Reader, remotePath string) error {
	return nil
}

func (f *fakeTarget) Download(ctx context.Context, remotePath string, local io.Writer) error {
	return nil
}

func (f *fakeTarget) Close() error { return nil }

func (f *fakeTarget) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func TestAwaitCompleted(t *testing.T) {
	ft := &fakeTarget{content: finishedResults, doneAfter: 2}
	targets := map[string]target.Target{"i-01": ft}

	outcomes := Await(context.Background(), targets, time.Second, time.Millisecond)

	require.Contains(t, outcomes, "i-01")
	assert.Equal(t, Completed, outcomes["i-01"].Outcome)
	assert.NoError(t, outcomes["i-01"].Err)
}

func TestAwaitIgnoresPartialResults(t *testing.T) {
	// The file exists but the sentinel is not the last line yet.
	ft := &fakeTarget{content: "CREATE: 4000ms\n", doneAfter: 0}
	targets := map[string]target.Target{"i-01": ft}

	outcomes := Await(context.Background(), targets, 50*time.Millisecond, time.Millisecond)

	assert.Equal(t, TimedOut, outcomes["i-01"].Outcome)
	assert.Greater(t, ft.probes, 1)
}

func TestAwaitTimedOut(t *testing.T) {
	ft := &fakeTarget{doneAfter: -1}
	targets := map[string]target.Target{"i-01": ft}

	start := time.Now()
	outcomes := Await(context.Background(), targets, 50*time.Millisecond, time.Millisecond)

	assert.Equal(t, TimedOut, outcomes["i-01"].Outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitReconnectsAcrossReboot(t *testing.T) {
	ft := &fakeTarget{content: finishedResults, doneAfter: 3, failFirst: 2}
	targets := map[string]target.Target{"i-01": ft}

	outcomes := Await(context.Background(), targets, time.Second, time.Millisecond)

	assert.Equal(t, Completed, outcomes["i-01"].Outcome)
	assert.GreaterOrEqual(t, ft.connectCount(), 1, "a dropped connection must be re-established")
}

func TestAwaitUnreachable(t *testing.T) {
	connectErr := &target.UnreachableError{Addr: "198.51.100.7", Attempts: 3, Err: errors.New("connection refused")}
	ft := &fakeTarget{doneAfter: -1, failFirst: 1 << 30, connectErr: connectErr}
	targets := map[string]target.Target{"i-01": ft}

	outcomes := Await(context.Background(), targets, time.Second, time.Millisecond)

	res := outcomes["i-01"]
	assert.Equal(t, Unreachable, res.Outcome)
	assert.ErrorIs(t, res.Err, connectErr)
}

func TestAwaitIsolatesInstances(t *testing.T) {
	fast := &fakeTarget{content: finishedResults, doneAfter: 0}
	never := &fakeTarget{doneAfter: -1}
	dead := &fakeTarget{doneAfter: -1, failFirst: 1 << 30, connectErr: errors.New("no route to host")}
	targets := map[string]target.Target{"i-fast": fast, "i-never": never, "i-dead": dead}

	outcomes := Await(context.Background(), targets, 100*time.Millisecond, time.Millisecond)

	require.Len(t, outcomes, 3)
	assert.Equal(t, Completed, outcomes["i-fast"].Outcome)
	assert.Equal(t, TimedOut, outcomes["i-never"].Outcome)
	assert.Equal(t, Unreachable, outcomes["i-dead"].Outcome)
}

func TestAwaitNoTargets(t *testing.T) {
	outcomes := Await(context.Background(), nil, 50*time.Millisecond, time.Millisecond)
	assert.Empty(t, outcomes)
}
