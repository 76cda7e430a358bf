// Package orchestrator drives one benchmark run end to end: it provisions
// credentials and a fleet, schedules the benchmark on every reachable
// instance across a reboot, waits for completion, collects the results, and
// tears everything down again on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/fsbench/FSBench/fleet"
	"github.com/fsbench/FSBench/results"
	"github.com/fsbench/FSBench/target"
	"github.com/fsbench/FSBench/watcher"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Stage names one phase of the run lifecycle.
type Stage string

const (
	StageInit         Stage = "Init"
	StageProvisioning Stage = "Provisioning"
	StageTriggering   Stage = "Triggering"
	StageAwaiting     Stage = "Awaiting"
	StageCollecting   Stage = "Collecting"
	StageReporting    Stage = "Reporting"
	StageTerminating  Stage = "Terminating"
	StageClosed       Stage = "Closed"
)

// TargetFactory builds the execution channel for one instance.
type TargetFactory func(inst *fleet.Instance, creds *fleet.Credentials) target.Target

// Input configures one run.
type Input struct {
	AwsConfig      aws.Config
	Specs          []fleet.InstanceSpec
	ResultsTimeout time.Duration // shared bound on waiting for completion markers
	PollInterval   time.Duration
	AddressTimeout time.Duration
	ConnectRetry   target.RetryPolicy
	Concurrency    int // bound on per-instance workers, 0 means one per instance
	WaitStatusOK   bool

	// EC2 and NewTarget replace the real provider client and SSH channel;
	// nil selects the real ones.
	EC2       fleet.EC2API
	NewTarget TargetFactory
}

// Orchestrator owns all resources of one run. Create with New and use once
// via Run; teardown happens on every exit path of Run and invoking it again
// is safe.
type Orchestrator struct {
	input     *Input
	runID     string
	stage     Stage
	fleet     *fleet.Manager
	newTarget TargetFactory

	creds     *fleet.Credentials
	policy    *fleet.AccessPolicy
	instances []*fleet.Instance
	targets   map[string]target.Target
}

func New(input *Input) (*Orchestrator, error) {
	if len(input.Specs) == 0 {
		return nil, errors.New("no instance specs configured")
	}
	if input.ResultsTimeout <= 0 {
		input.ResultsTimeout = 10 * time.Minute
	}
	if input.PollInterval <= 0 {
		input.PollInterval = 5 * time.Second
	}
	if input.AddressTimeout <= 0 {
		input.AddressTimeout = 5 * time.Minute
	}
	if input.ConnectRetry.Attempts == 0 {
		input.ConnectRetry = target.DefaultRetryPolicy
	}

	api := input.EC2
	if api == nil {
		api = ec2.NewFromConfig(input.AwsConfig)
	}
	runID := uuid.NewString()
	o := &Orchestrator{
		input:     input,
		runID:     runID,
		stage:     StageInit,
		fleet:     fleet.NewManager(api, runID),
		newTarget: input.NewTarget,
	}
	if o.newTarget == nil {
		o.newTarget = func(inst *fleet.Instance, creds *fleet.Credentials) target.Target {
			return &target.SSHTarget{
				User:  inst.Spec.Username,
				Addr:  inst.PublicIP,
				Port:  22,
				Auths: []ssh.AuthMethod{ssh.PublicKeys(creds.Signer)},
				Retry: input.ConnectRetry,
			}
		}
	}
	return o, nil
}

// RunID identifies this orchestration invocation.
func (o *Orchestrator) RunID() string { return o.runID }

// Stage reports the current lifecycle stage.
func (o *Orchestrator) Stage() Stage { return o.stage }

func (o *Orchestrator) setStage(s Stage) {
	slog.Info("run stage", slog.String("runID", o.runID), slog.String("stage", string(s)))
	o.stage = s
}

// Run executes the full lifecycle and always returns a report, even when it
// also returns an error. The error is non-nil only when provisioning failed
// so hard that no instance ever existed; per-instance failures are reported,
// not raised. Teardown runs before Run returns no matter how it exits, on a
// context that survives cancellation of ctx.
func (o *Orchestrator) Run(ctx context.Context) (rep *results.Report, err error) {
	start := time.Now()
	rep = results.NewReport(o.runID)
	defer func() {
		o.setStage(StageTerminating)
		rep.Warnings = append(rep.Warnings, o.TearDown(context.WithoutCancel(ctx))...)
		rep.ElapsedSec = time.Since(start).Seconds()
		o.setStage(StageClosed)
	}()

	o.setStage(StageProvisioning)
	creds, policy, perr := o.fleet.Provision(ctx)
	o.creds, o.policy = creds, policy
	if perr != nil {
		o.markAllProvisionFailed(rep, perr)
		return rep, perr
	}

	instances, cerr := o.fleet.CreateFleet(ctx, o.input.Specs, creds, policy)
	o.instances = instances
	if cerr != nil {
		var pfe *fleet.PartialFleetError
		if !errors.As(cerr, &pfe) {
			o.markAllProvisionFailed(rep, cerr)
			return rep, cerr
		}
		for _, failure := range pfe.Failures {
			rep.Instances[failure.Spec.Name] = &results.InstanceResult{
				Name:   failure.Spec.Name,
				Status: results.StatusProvisionFailed,
				Error:  failure.Err.Error(),
			}
		}
		if len(instances) == 0 {
			return rep, fmt.Errorf("no instance could be created: %w", cerr)
		}
		slog.Warn("continuing with a partial fleet",
			slog.Int("created", len(instances)),
			slog.Int("failed", len(pfe.Failures)),
		)
	}

	o.setStage(StageTriggering)
	staged := make([]target.Target, len(o.instances))
	o.forEach(len(o.instances), func(i int) {
		staged[i] = o.triggerInstance(ctx, o.instances[i])
	})
	o.targets = make(map[string]target.Target, len(o.instances))
	for i, t := range staged {
		if t != nil {
			o.targets[o.instances[i].ID] = t
		}
	}

	o.setStage(StageAwaiting)
	outcomes := watcher.Await(ctx, o.targets, o.input.ResultsTimeout, o.input.PollInterval)
	for _, inst := range o.instances {
		res, ok := outcomes[inst.ID]
		if !ok {
			continue
		}
		switch res.Outcome {
		case watcher.Completed:
			inst.SetState(fleet.StateCompleted)
		case watcher.TimedOut:
			inst.SetState(fleet.StateTimedOut)
		case watcher.Unreachable:
			inst.Fail(fleet.StateUnreachable, res.Err)
		}
	}

	o.setStage(StageCollecting)
	recs := make([]*results.Record, len(o.instances))
	collectErrs := make([]error, len(o.instances))
	o.forEach(len(o.instances), func(i int) {
		inst := o.instances[i]
		if inst.State != fleet.StateCompleted && inst.State != fleet.StateTimedOut {
			return
		}
		t := o.targets[inst.ID]
		if t == nil {
			return
		}
		recs[i], collectErrs[i] = results.Collect(ctx, t)
	})

	o.setStage(StageReporting)
	for i, inst := range o.instances {
		rep.Instances[inst.ID] = o.buildEntry(inst, recs[i], collectErrs[i])
	}
	return rep, nil
}

func (o *Orchestrator) markAllProvisionFailed(rep *results.Report, err error) {
	for _, spec := range o.input.Specs {
		rep.Instances[spec.Name] = &results.InstanceResult{
			Name:   spec.Name,
			Status: results.StatusProvisionFailed,
			Error:  err.Error(),
		}
	}
}
