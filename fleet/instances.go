package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// RunTagKey marks every instance of a run.
const RunTagKey = "fsbench:run"

// InstanceSpec describes one instance to provision.
type InstanceSpec struct {
	Name         string
	ImageID      string
	InstanceType string
	Username     string
}

// State is an instance's position in its lifecycle.
type State string

const (
	StateRequested          State = "Requested"
	StateRunning            State = "Running"
	StateUnreachable        State = "Unreachable"
	StateBenchmarkTriggered State = "BenchmarkTriggered"
	StateCompleted          State = "Completed"
	StateTimedOut           State = "TimedOut"
	StateTerminated         State = "Terminated"
)

// Instance is one provisioned compute node. Its fields are written by the
// single pipeline worker that owns it; the public address stays empty until
// the provider assigns one.
type Instance struct {
	ID           string
	Spec         InstanceSpec
	PublicIP     string
	ImageID      string
	Platform     string
	Architecture string
	State        State
	Failure      error // first pipeline error, nil while healthy
}

// SetState moves the instance to s.
func (i *Instance) SetState(s State) {
	slog.Debug("instance state",
		slog.String("instanceID", i.ID),
		slog.String("from", string(i.State)),
		slog.String("to", string(s)),
	)
	i.State = s
}

// Fail records the error that took the instance out of the run and moves it
// to s.
func (i *Instance) Fail(s State, err error) {
	i.Failure = err
	i.SetState(s)
}

// CreateFleet issues one create call per spec, concurrently. On partial
// failure it returns the successfully created subset together with a
// *PartialFleetError naming both sides; the caller still owns teardown of
// the successes.
func (m *Manager) CreateFleet(ctx context.Context, specs []InstanceSpec, creds *Credentials, policy *AccessPolicy) ([]*Instance, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	created := make([]*Instance, len(specs))
	errs := make([]error, len(specs))

	p := newProgress(len(specs), "Creating instances:")
	pool := pond.New(len(specs), 0, pond.MinWorkers(len(specs)))
	for i, spec := range specs {
		i, spec := i, spec
		pool.Submit(func() {
			defer p.Add(1)
			created[i], errs[i] = m.createInstance(ctx, spec, creds, policy)
		})
	}
	pool.StopAndWait()
	p.Finish()

	var instances []*Instance
	var failures []FleetFailure
	for i := range specs {
		if errs[i] != nil {
			slog.Error("failed to create instance",
				slog.String("name", specs[i].Name),
				slog.String("error", errs[i].Error()),
			)
			failures = append(failures, FleetFailure{Spec: specs[i], Err: errs[i]})
			continue
		}
		instances = append(instances, created[i])
	}
	if len(failures) > 0 {
		return instances, &PartialFleetError{Created: instances, Failures: failures}
	}
	return instances, nil
}

func (m *Manager) createInstance(ctx context.Context, spec InstanceSpec, creds *Credentials, policy *AccessPolicy) (*Instance, error) {
	resp, err := m.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     ec2Types.InstanceType(spec.InstanceType),
		KeyName:          aws.String(creds.KeyName),
		SecurityGroupIds: []string{policy.GroupID},
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeInstance,
			Tags: []ec2Types.Tag{
				{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				{Key: aws.String(RunTagKey), Value: aws.String(m.runID)},
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Instances) == 0 {
		return nil, errors.New("provider returned no instance")
	}
	inst := &Instance{
		ID:      aws.ToString(resp.Instances[0].InstanceId),
		Spec:    spec,
		ImageID: spec.ImageID,
		State:   StateRequested,
	}
	slog.Debug("created instance", slog.String("instanceID", inst.ID), slog.String("name", spec.Name))
	return inst, nil
}

// AwaitAddress polls the provider until the instance has a public address or
// the timeout elapses. Describe calls right after creation can fail or come
// back incomplete while the provider catches up; those are retried, not
// fatal.
func (m *Manager) AwaitAddress(ctx context.Context, inst *Instance, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{inst.ID}})
		if err != nil {
			slog.Debug("waiting for instance description", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
		} else if desc, ok := firstInstance(resp); ok && desc.PublicIpAddress != nil {
			inst.PublicIP = aws.ToString(desc.PublicIpAddress)
			inst.ImageID = aws.ToString(desc.ImageId)
			inst.Platform = aws.ToString(desc.PlatformDetails)
			inst.Architecture = string(desc.Architecture)
			inst.SetState(StateRunning)
			slog.Debug("instance got an address", slog.String("instanceID", inst.ID), slog.String("ip", inst.PublicIP))
			return nil
		}
		if time.Now().After(deadline) {
			return &AddressTimeoutError{InstanceID: inst.ID, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(AddressPollInterval):
		}
	}
}

func firstInstance(resp *ec2.DescribeInstancesOutput) (ec2Types.Instance, bool) {
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return ec2Types.Instance{}, false
	}
	return resp.Reservations[0].Instances[0], true
}

// WaitStatusOK blocks until both provider status checks pass. Off the main
// path by default; the connection retry budget usually absorbs boot time.
func (m *Manager) WaitStatusOK(ctx context.Context, inst *Instance) error {
	var lastErr error
	for i := 0; i < StatusAttempts; i++ {
		status, err := m.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
			InstanceIds:         []string{inst.ID},
			IncludeAllInstances: aws.Bool(true),
		})
		if err == nil && len(status.InstanceStatuses) > 0 &&
			status.InstanceStatuses[0].InstanceStatus.Status == ec2Types.SummaryStatusOk &&
			status.InstanceStatuses[0].SystemStatus.Status == ec2Types.SummaryStatusOk {
			return nil
		}
		lastErr = err
		slog.Debug("waiting for instance status checks", slog.String("instanceID", inst.ID))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(StatusPollInterval):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("instance %s did not pass status checks: %w", inst.ID, lastErr)
	}
	return fmt.Errorf("instance %s did not pass status checks", inst.ID)
}

// Reboot asks the provider to reboot the instance and returns without
// waiting for the effect.
func (m *Manager) Reboot(ctx context.Context, inst *Instance) error {
	_, err := m.ec2.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{inst.ID}})
	if err != nil {
		return fmt.Errorf("rebooting instance %s: %w", inst.ID, err)
	}
	slog.Debug("rebooted instance", slog.String("instanceID", inst.ID))
	return nil
}

// Terminate issues termination for every instance regardless of its state
// and waits until the provider reports each one terminated, otherwise
// deleting the security group afterwards can fail on a still-attached
// interface. Errors are aggregated; one instance's failure never stops the
// others. Already-terminated instances are skipped, which makes a second
// teardown pass a no-op.
func (m *Manager) Terminate(ctx context.Context, instances []*Instance) []error {
	var errs []error
	var pending []*Instance

	p := newProgress(len(instances), "Terminating instances:")
	for _, inst := range instances {
		if inst.State == StateTerminated {
			p.Add(1)
			continue
		}
		_, err := m.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{inst.ID}})
		if err != nil && !isNotFound(err) {
			slog.Error("TerminateInstances failed", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("terminate instance %s: %w", inst.ID, err))
			p.Add(1)
			continue
		}
		pending = append(pending, inst)
	}

confirm:
	for i := 0; i < TerminateConfirmAttempts && len(pending) > 0; i++ {
		var remaining []*Instance
		for _, inst := range pending {
			if m.confirmTerminated(ctx, inst) {
				inst.SetState(StateTerminated)
				p.Add(1)
			} else {
				remaining = append(remaining, inst)
			}
		}
		pending = remaining
		if len(pending) == 0 {
			break
		}
		slog.Debug("waiting for instances to finish terminating", slog.Int("remaining", len(pending)))
		select {
		case <-ctx.Done():
			break confirm
		case <-time.After(TerminatePollInterval):
		}
	}
	for _, inst := range pending {
		errs = append(errs, fmt.Errorf("instance %s did not reach the terminated state", inst.ID))
	}
	p.Finish()
	return errs
}

func (m *Manager) confirmTerminated(ctx context.Context, inst *Instance) bool {
	resp, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{inst.ID}})
	if err != nil {
		if isNotFound(err) {
			return true
		}
		slog.Debug("describe during termination failed", slog.String("instanceID", inst.ID), slog.String("error", err.Error()))
		return false
	}
	desc, ok := firstInstance(resp)
	if !ok {
		return true
	}
	return desc.State != nil && desc.State.Name == ec2Types.InstanceStateNameTerminated
}
