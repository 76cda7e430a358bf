package orchestrator

import (
	"context"
	"log/slog"
)

// TearDown releases everything the run provisioned: execution channels
// first, then instances, then the access policy, then the credential pair.
// Failures come back as warnings and never stop the remaining steps. Invoking
// TearDown again after a partial failure retries only what is still alive.
func (o *Orchestrator) TearDown(ctx context.Context) []string {
	var warnings []string

	for id, t := range o.targets {
		if err := t.Close(); err != nil {
			slog.Debug("closing channel failed", slog.String("instanceID", id), slog.String("error", err.Error()))
		}
	}
	o.targets = nil

	if len(o.instances) > 0 {
		for _, err := range o.fleet.Terminate(ctx, o.instances) {
			warnings = append(warnings, err.Error())
		}
	}

	errs := o.fleet.Deprovision(ctx, o.creds, o.policy)
	for _, err := range errs {
		warnings = append(warnings, err.Error())
	}
	if len(errs) == 0 {
		o.creds, o.policy = nil, nil
	}
	return warnings
}
