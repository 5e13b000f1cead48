package steprunner

import (
	"context"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// Hooks is the work done on each screen before the runner advances the step.
// The runner passes itself so hooks can reach the step and the helpers.
type Hooks interface {
	Setup(ctx context.Context, r *Runner) error
	Placement(ctx context.Context, r *Runner) error
	Arranging(ctx context.Context, r *Runner) error
	Pooling(ctx context.Context, r *Runner) error
	AddReagent(ctx context.Context, r *Runner) error
	RecordDetails(ctx context.Context, r *Runner) error
	NextSteps(ctx context.Context, r *Runner) error
}

// Replicates is implemented by hooks that start steps with more than one
// replicate of an input or control. Values below one mean one.
type Replicates interface {
	ReplicatesForInput(inputURI string) int
	ReplicatesForControl(control *clarity.ControlType) int
}

// NopHooks does nothing on every screen. Embed it to override only the
// screens that need work.
type NopHooks struct{}

var _ Hooks = NopHooks{}

func (NopHooks) Setup(context.Context, *Runner) error         { return nil }
func (NopHooks) Placement(context.Context, *Runner) error     { return nil }
func (NopHooks) Arranging(context.Context, *Runner) error     { return nil }
func (NopHooks) Pooling(context.Context, *Runner) error       { return nil }
func (NopHooks) AddReagent(context.Context, *Runner) error    { return nil }
func (NopHooks) RecordDetails(context.Context, *Runner) error { return nil }
func (NopHooks) NextSteps(context.Context, *Runner) error     { return nil }
