// Package jobrunner implements the supervisor loop and per-worker dispatch
// pool that pulls jobs from pkg/job's queue, drives them through a
// registered Driver, and handles retry, checkpoint-resume, worker-loss
// detection, and cooperative cancel.
package jobrunner

import (
	"context"
	"encoding/json"

	"github.com/omniscope/controlplane/pkg/job"
)

// Progress is one poll result from a running job's Handle: a fractional
// completion and an optional rolling checkpoint the runner persists so a
// later resume (after worker loss or a transient failure) can pick up
// where the driver left off.
type Progress struct {
	Fraction   float64
	Checkpoint []byte
}

// Outcome is a Handle's terminal result: Completed(result_ref) or
// Failed(kind, message).
type Outcome struct {
	Completed bool
	ResultRef string
	Failure   *job.JobError
}

// Handle is returned by Driver.Start and polled by the runner until it
// yields a terminal Outcome.
type Handle interface {
	// Poll returns the next Progress if the job is still running, or a
	// non-nil Outcome if it has finished (successfully or not). At most
	// one of (Progress, Outcome) is meaningful per call: a non-terminal
	// poll returns a Progress and a nil Outcome.
	Poll(ctx context.Context) (*Progress, *Outcome, error)
	// Cancel requests cooperative cancellation. The runner does not block
	// on this: it waits up to the configured grace period for the next
	// Poll to report a terminal Outcome, then force-releases the
	// reservation regardless.
	Cancel(ctx context.Context)
}

// Driver is the external collaborator that actually executes a job type.
// The core never implements one — ML
// training, statistical analysis, visualization rendering, literature
// fetching, report building, and plugin execution are all out of scope
// and are registered by the deployment.
type Driver interface {
	// Start launches (or resumes, if checkpoint is non-nil) a job run and
	// returns a Handle to poll. params is the job's raw parameters_json.
	Start(ctx context.Context, params json.RawMessage, checkpoint []byte) (Handle, error)
}

// Registry maps a job.Type to the Driver that executes it. Jobs whose type
// has no registered driver fail permanently at dispatch time.
type Registry struct {
	drivers map[job.Type]Driver
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[job.Type]Driver)}
}

// Register associates t with d. Intended to be called once per type during
// process wiring, before the runner starts.
func (r *Registry) Register(t job.Type, d Driver) {
	r.drivers[t] = d
}

// Lookup returns the driver for t, if any.
func (r *Registry) Lookup(t job.Type) (Driver, bool) {
	d, ok := r.drivers[t]
	return d, ok
}
