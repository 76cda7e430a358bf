package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond"
	"github.com/fsbench/FSBench/benchmark"
	"github.com/fsbench/FSBench/fleet"
	"github.com/fsbench/FSBench/results"
	"github.com/fsbench/FSBench/target"
)

// forEach runs f for every index in [0, n), one worker per instance unless
// Concurrency bounds the fan-out.
func (o *Orchestrator) forEach(n int, f func(i int)) {
	if n == 0 {
		return
	}
	if o.input.Concurrency == 0 {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				f(i)
			}()
		}
		wg.Wait()
		return
	}
	pool := pond.New(o.input.Concurrency, 0, pond.MinWorkers(o.input.Concurrency))
	for i := 0; i < n; i++ {
		i := i
		pool.Submit(func() { f(i) })
	}
	pool.StopAndWait()
}

// triggerInstance walks one instance through address wait, first connect,
// script staging and the reboot that fires the benchmark. Any failure marks
// this instance only and withdraws it from the rest of the run.
func (o *Orchestrator) triggerInstance(ctx context.Context, inst *fleet.Instance) target.Target {
	if err := o.fleet.AwaitAddress(ctx, inst, o.input.AddressTimeout); err != nil {
		slog.Error("instance never got an address", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
		inst.Fail(fleet.StateUnreachable, err)
		return nil
	}
	if o.input.WaitStatusOK {
		if err := o.fleet.WaitStatusOK(ctx, inst); err != nil {
			slog.Error("instance failed status checks", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
			inst.Fail(fleet.StateUnreachable, err)
			return nil
		}
	}
	t := o.newTarget(inst, o.creds)
	if err := t.Connect(ctx); err != nil {
		slog.Error("instance is not reachable", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
		inst.Fail(fleet.StateUnreachable, err)
		return nil
	}
	if err := benchmark.Trigger(ctx, t); err != nil {
		slog.Error("failed to stage the benchmark", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
		inst.Fail(fleet.StateUnreachable, err)
		t.Close()
		return nil
	}
	if err := o.fleet.Reboot(ctx, inst); err != nil {
		slog.Error("failed to reboot the instance", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
		inst.Fail(fleet.StateUnreachable, err)
		t.Close()
		return nil
	}
	inst.SetState(fleet.StateBenchmarkTriggered)
	return t
}

// buildEntry folds an instance's final state and its collected record into a
// report entry.
func (o *Orchestrator) buildEntry(inst *fleet.Instance, rec *results.Record, collectErr error) *results.InstanceResult {
	entry := &results.InstanceResult{
		Name:         inst.Spec.Name,
		InstanceID:   inst.ID,
		ImageID:      inst.ImageID,
		Platform:     inst.Platform,
		Architecture: inst.Architecture,
	}
	if rec != nil && len(rec.DurationsMS) > 0 {
		entry.DurationsMS = rec.DurationsMS
	}
	switch inst.State {
	case fleet.StateCompleted:
		var perr *results.ParseError
		switch {
		case collectErr == nil:
			entry.Status = results.StatusSuccess
		case errors.As(collectErr, &perr):
			entry.Status = results.StatusParseError
			entry.Error = collectErr.Error()
		default:
			// The channel broke between completion and download.
			entry.Status = results.StatusUnreachable
			entry.Error = collectErr.Error()
		}
	case fleet.StateTimedOut:
		entry.Status = results.StatusTimeout
		entry.Error = fmt.Sprintf("no completion marker within %s", o.input.ResultsTimeout)
	case fleet.StateUnreachable:
		entry.Status = results.StatusUnreachable
		if inst.Failure != nil {
			entry.Error = inst.Failure.Error()
		}
	default:
		// The run was cut short before this instance resolved.
		entry.Status = results.StatusTimeout
		entry.Error = "run ended before the instance resolved"
	}
	return entry
}
