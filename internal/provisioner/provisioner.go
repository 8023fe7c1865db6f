// Package provisioner defines the contract for creating and destroying
// preview environments. The orchestration core treats implementations as
// black boxes with an idempotent contract: provisioning the same key twice
// yields the same environment, and deprovisioning something already absent
// succeeds.
package provisioner

import (
	"context"
	"errors"
	"fmt"

	"previewplane/internal/store"
)

// Request identifies the environment to provision.
type Request struct {
	IdempotencyKey string
	Repo           string
	PRNumber       int
	CommitSHA      string
}

// Result is the outcome of a successful provision.
type Result struct {
	PreviewURL   string
	ResourceRefs store.ResourceRefs
}

// Provisioner creates and destroys preview environments.
type Provisioner interface {
	// Provision creates the environment for the request, or returns the
	// existing one when a prior attempt already created it (deterministic
	// naming makes this detectable).
	Provision(ctx context.Context, req Request) (*Result, error)

	// Deprovision tears the environment down. Called more than once on the
	// same refs it returns success once the target is absent.
	Deprovision(ctx context.Context, refs store.ResourceRefs) error

	// ListLiveResources returns refs for every environment this
	// provisioner currently manages, for the sweeper's orphan diff.
	ListLiveResources(ctx context.Context) ([]store.ResourceRefs, error)
}

// Error wraps a provisioning failure with a permanence hint. Transient
// failures are eligible for redelivery; permanent ones are not.
type Error struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %s provision error: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(op string, err error) error {
	return &Error{Op: op, Permanent: true, Err: err}
}

// IsPermanent reports whether err carries the permanent marker. Unclassified
// errors count as transient; the retry budget bounds them anyway.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Permanent
}
