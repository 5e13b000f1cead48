package steprunner

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// newRunnerModule exposes the runner to one hook call. Builtins close over
// ctx, so the module must not outlive the call.
func newRunnerModule(ctx context.Context, r *Runner) *starlarkstruct.Module {
	var stepURI, state string
	if r.step != nil {
		stepURI = r.step.URI()
		state, _ = r.step.CurrentState(ctx)
	}

	builtin := func(name string, fn func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
		return starlark.NewBuiltin(name, fn)
	}

	return &starlarkstruct.Module{
		Name: "runner",
		Members: starlark.StringDict{
			"step_uri": starlark.String(stepURI),
			"state":    starlark.String(state),
			"protocol": starlark.String(r.protocol),
			"step":     starlark.String(r.stepName),

			"inputs": builtin("inputs", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
					return nil, err
				}
				if err := r.requireStep(); err != nil {
					return nil, err
				}
				arts, err := r.step.Details().Inputs(ctx)
				if err != nil {
					return nil, err
				}
				return uriList(arts), nil
			}),
			"outputs": builtin("outputs", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
					return nil, err
				}
				if err := r.requireStep(); err != nil {
					return nil, err
				}
				arts, err := r.step.Details().Outputs(ctx)
				if err != nil {
					return nil, err
				}
				return uriList(arts), nil
			}),
			"set_step_udf": builtin("set_step_udf", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name string
				var value starlark.Value
				stop := true
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value, "stop_on_error?", &stop); err != nil {
					return nil, err
				}
				v, err := fromStarlarkValue(value)
				if err != nil {
					return nil, err
				}
				return starlark.None, r.SetStepUDFAsUser(ctx, name, v, stop)
			}),
			"set_artifact_udf": builtin("set_artifact_udf", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var uri, name string
				var value starlark.Value
				stop := true
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "uri", &uri, "name", &name, "value", &value, "stop_on_error?", &stop); err != nil {
					return nil, err
				}
				v, err := fromStarlarkValue(value)
				if err != nil {
					return nil, err
				}
				return starlark.None, r.SetArtifactUDFAsUser(ctx, r.session.ArtifactFromURI(uri), name, v, stop)
			}),
			"commit_details": builtin("commit_details", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
					return nil, err
				}
				if err := r.requireStep(); err != nil {
					return nil, err
				}
				return starlark.None, r.step.Details().Commit(ctx)
			}),
			"commit_outputs": builtin("commit_outputs", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
					return nil, err
				}
				if err := r.requireStep(); err != nil {
					return nil, err
				}
				outputs, err := r.step.Details().Outputs(ctx)
				if err != nil {
					return nil, err
				}
				return starlark.None, r.session.Artifacts.BatchUpdate(ctx, outputs)
			}),
			"fire_script": builtin("fire_script", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name string
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
					return nil, err
				}
				return starlark.None, r.FireScript(ctx, name)
			}),
			"add_default_reagents": builtin("add_default_reagents", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
					return nil, err
				}
				return starlark.None, r.AddDefaultReagents(ctx)
			}),
			"post_tube_to_tube": builtin("post_tube_to_tube", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				containerType := DefaultTubeType
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container_type?", &containerType); err != nil {
					return nil, err
				}
				return starlark.None, r.PostTubeToTube(ctx, containerType)
			}),
			"prefetch": builtin("prefetch", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
					return nil, err
				}
				return starlark.None, r.PrefetchArtifacts(ctx)
			}),
			"fail": builtin("fail", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var msg string
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
					return nil, err
				}
				return nil, clarity.NewWorkflowError(clarity.ErrCodeUserAction, msg)
			}),
		},
	}
}

func uriList(arts []*clarity.Artifact) *starlark.List {
	values := make([]starlark.Value, len(arts))
	for i, a := range arts {
		values[i] = starlark.String(a.URI())
	}
	return starlark.NewList(values)
}

// fromStarlarkValue converts a script value to a field value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	default:
		return nil, fmt.Errorf("unsupported field value type: %s", v.Type())
	}
}
