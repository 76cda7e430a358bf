// Package watcher polls instances for the benchmark's completion marker.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsbench/FSBench/benchmark"
	"github.com/fsbench/FSBench/target"
	"github.com/fsbench/FSBench/util"
)

// Outcome is how one instance's wait ended.
type Outcome string

const (
	Completed   Outcome = "Completed"
	TimedOut    Outcome = "TimedOut"
	Unreachable Outcome = "Unreachable"
)

// Result pairs an outcome with the connection error that produced it, if
// any.
type Result struct {
	Outcome Outcome
	Err     error
}

// The probe exits zero whether or not the results file exists yet, so any
// error running it means the channel itself broke.
var probeCommand = fmt.Sprintf("cat %s 2>/dev/null || true", benchmark.ResultsPath)

// Await polls every target until its results file ends in the completion
// marker or the shared timeout elapses. Targets are polled concurrently; one
// slow or dead instance never blocks progress on the others. Connections
// dropped by the benchmark's reboot are re-established under the target's
// own bounded retry policy: spending that budget yields Unreachable, running
// out the clock yields TimedOut.
func Await(parent context.Context, targets map[string]target.Target, timeout, interval time.Duration) map[string]Result {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var mu sync.Mutex
	outcomes := make(map[string]Result, len(targets))

	var wg sync.WaitGroup
	for id, t := range targets {
		id, t := id, t
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := awaitOne(ctx, id, t, interval)
			mu.Lock()
			outcomes[id] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return outcomes
}

func awaitOne(ctx context.Context, id string, t target.Target, interval time.Duration) Result {
	for {
		out, err := t.RunCommand(ctx, probeCommand)
		if err == nil {
			if util.LastNonEmptyLine(out) == benchmark.DoneSentinel {
				slog.Debug("benchmark finished", slog.String("instanceID", id))
				return Result{Outcome: Completed}
			}
		} else {
			if ctx.Err() != nil {
				return Result{Outcome: TimedOut}
			}
			slog.Debug("reconnecting to instance", slog.String("instanceID", id), slog.String("error", err.Error()))
			if cerr := t.Connect(ctx); cerr != nil {
				if ctx.Err() != nil {
					return Result{Outcome: TimedOut}
				}
				slog.Error("instance is not reachable", slog.String("instanceID", id), slog.String("error", cerr.Error()))
				return Result{Outcome: Unreachable, Err: cerr}
			}
			continue
		}
		select {
		case <-ctx.Done():
			return Result{Outcome: TimedOut}
		case <-time.After(interval):
		}
	}
}
