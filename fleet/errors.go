package fleet

import (
	"fmt"
	"time"
)

// ProvisionError is a provider rejection while creating run-level resources.
// Before any instance exists it is fatal to the run; the caller still owns
// teardown of whatever was created first.
type ProvisionError struct {
	Resource string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Resource, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// FleetFailure is one spec that could not be turned into an instance.
type FleetFailure struct {
	Spec InstanceSpec
	Err  error
}

// PartialFleetError reports a fleet creation where some specs succeeded and
// some failed. The created instances are live and must still be torn down.
type PartialFleetError struct {
	Created  []*Instance
	Failures []FleetFailure
}

func (e *PartialFleetError) Error() string {
	total := len(e.Created) + len(e.Failures)
	return fmt.Sprintf("%d of %d instance specs failed to create (first: %v)", len(e.Failures), total, e.Failures[0].Err)
}

// AddressTimeoutError means the provider did not assign a public address
// within the allowed window.
type AddressTimeoutError struct {
	InstanceID string
	Timeout    time.Duration
}

func (e *AddressTimeoutError) Error() string {
	return fmt.Sprintf("instance %s had no public address after %s", e.InstanceID, e.Timeout)
}
