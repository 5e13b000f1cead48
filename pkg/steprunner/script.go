package steprunner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// Script function names, one per screen plus the replicate counts.
const (
	scriptSetup          = "setup"
	scriptPlacement      = "placement"
	scriptArranging      = "arranging"
	scriptPooling        = "pooling"
	scriptAddReagent     = "add_reagent"
	scriptRecordDetails  = "record_details"
	scriptNextSteps      = "next_steps"
	scriptInputReplicas  = "replicates_for_input"
	scriptControlReplica = "replicates_for_control"
)

var scriptFunctions = []string{
	scriptSetup, scriptPlacement, scriptArranging, scriptPooling, scriptAddReagent,
	scriptRecordDetails, scriptNextSteps, scriptInputReplicas, scriptControlReplica,
}

// ScriptHooks runs screen hooks written in Starlark. A script defines any of
// setup, placement, arranging, pooling, add_reagent, record_details and
// next_steps, each taking one argument: the runner module. Screens without
// a function do nothing.
//
//	def record_details(runner):
//	    runner.post_tube_to_tube()
//	    runner.set_step_udf("Operator Notes", "automated")
//	    runner.commit_details()
//
// replicates_for_input(uri) and replicates_for_control(name) return the
// number of replicates to start a step with.
type ScriptHooks struct {
	filename string
	globals  starlark.StringDict
	timeout  time.Duration
}

var (
	_ Hooks      = (*ScriptHooks)(nil)
	_ Replicates = (*ScriptHooks)(nil)
)

// NewScriptHooks executes src once to collect its functions. src is
// anything starlark.ExecFile accepts: a string, a []byte, or nil to read
// filename. A positive timeout bounds each hook call.
func NewScriptHooks(filename string, src any, timeout time.Duration) (*ScriptHooks, error) {
	thread := &starlark.Thread{
		Name:  "load " + filename,
		Print: func(*starlark.Thread, string) {},
	}
	globals, err := starlark.ExecFile(thread, filename, src, starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	})
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	for _, name := range scriptFunctions {
		v, ok := globals[name]
		if !ok {
			continue
		}
		if _, ok := v.(starlark.Callable); !ok {
			return nil, fmt.Errorf("%s: %s must be a function, got %s", filename, name, v.Type())
		}
	}

	return &ScriptHooks{filename: filename, globals: globals, timeout: timeout}, nil
}

// Defines reports whether the script has a function for name.
func (h *ScriptHooks) Defines(name string) bool {
	_, ok := h.globals[name].(starlark.Callable)
	return ok
}

func (h *ScriptHooks) call(ctx context.Context, logger zerolog.Logger, name string, args ...starlark.Value) (starlark.Value, error) {
	fn, ok := h.globals[name].(starlark.Callable)
	if !ok {
		return starlark.None, nil
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	thread := &starlark.Thread{
		Name: h.filename + ":" + name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info().Str("script", h.filename).Msg(msg)
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	v, err := starlark.Call(thread, fn, starlark.Tuple(args), nil)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	return v, nil
}

func (h *ScriptHooks) screen(ctx context.Context, r *Runner, name string) error {
	_, err := h.call(ctx, r.logger, name, newRunnerModule(ctx, r))
	return err
}

func (h *ScriptHooks) Setup(ctx context.Context, r *Runner) error {
	return h.screen(ctx, r, scriptSetup)
}

func (h *ScriptHooks) Placement(ctx context.Context, r *Runner) error {
	return h.screen(ctx, r, scriptPlacement)
}

func (h *ScriptHooks) Arranging(ctx context.Context, r *Runner) error {
	return h.screen(ctx, r, scriptArranging)
}

func (h *ScriptHooks) Pooling(ctx context.Context, r *Runner) error {
	return h.screen(ctx, r, scriptPooling)
}

func (h *ScriptHooks) AddReagent(ctx context.Context, r *Runner) error {
	return h.screen(ctx, r, scriptAddReagent)
}

func (h *ScriptHooks) RecordDetails(ctx context.Context, r *Runner) error {
	return h.screen(ctx, r, scriptRecordDetails)
}

func (h *ScriptHooks) NextSteps(ctx context.Context, r *Runner) error {
	return h.screen(ctx, r, scriptNextSteps)
}

func (h *ScriptHooks) replicates(name string, arg string) int {
	v, err := h.call(context.Background(), zerolog.Nop(), name, starlark.String(arg))
	if err != nil {
		return 1
	}
	n, err := starlark.AsInt32(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ReplicatesForInput calls replicates_for_input(uri). Errors count as one.
func (h *ScriptHooks) ReplicatesForInput(inputURI string) int {
	return h.replicates(scriptInputReplicas, inputURI)
}

// ReplicatesForControl calls replicates_for_control(name).
func (h *ScriptHooks) ReplicatesForControl(control *clarity.ControlType) int {
	name, err := control.Name(context.Background())
	if err != nil || name == "" {
		name = control.URI()
	}
	return h.replicates(scriptControlReplica, name)
}
