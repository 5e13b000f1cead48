package steprunner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// DefaultTubeType is the container type PostTubeToTube uses by default.
const DefaultTubeType = "Tube"

// Actions that PreviousStepOutputs keeps.
const (
	actionNextStep = "nextstep"
	actionComplete = "complete"
)

func (r *Runner) requireStep() error {
	if r.step == nil {
		return clarity.NewUsageError("no step is loaded")
	}
	return nil
}

// PostTubeToTube creates one single-well container per output, named after
// the output, and places each output in it. Steps started through the API
// do not move tube inputs to tube outputs on their own; call this first
// thing on Record Details.
func (r *Runner) PostTubeToTube(ctx context.Context, containerTypeName string) error {
	if err := r.requireStep(); err != nil {
		return err
	}
	if containerTypeName == "" {
		containerTypeName = DefaultTubeType
	}

	containerType, err := r.session.ContainerTypes.GetByName(ctx, containerTypeName)
	if err != nil {
		return fmt.Errorf("container type '%s' can not be found: %w", containerTypeName, err)
	}
	tube, err := containerType.IsTube(ctx)
	if err != nil {
		return err
	}
	if !tube {
		return clarity.NewUsageError("PostTubeToTube can only be called with tube-like containers.")
	}

	placements, err := r.step.Placements(ctx)
	if err != nil {
		return err
	}
	if placements == nil {
		return clarity.NewUsageError(fmt.Sprintf("step %s has no placement screen", r.step.LimsID()))
	}
	if err := placements.ClearPlacements(ctx); err != nil {
		return err
	}
	if err := placements.ClearSelectedContainers(ctx); err != nil {
		return err
	}

	outputs, err := r.step.Details().Outputs(ctx)
	if err != nil {
		return err
	}
	fresh := make([]*clarity.Container, 0, len(outputs))
	for _, output := range outputs {
		c := r.session.Containers.New()
		if err := c.SetName(ctx, output.LimsID()); err != nil {
			return err
		}
		if err := c.SetContainerType(ctx, containerType); err != nil {
			return err
		}
		fresh = append(fresh, c)
	}
	created, err := r.session.Containers.BatchCreate(ctx, fresh)
	if err != nil {
		return err
	}
	if len(created) != len(outputs) {
		return clarity.NewWorkflowError(clarity.ErrCodeUnknownState,
			fmt.Sprintf("created %d containers for %d outputs", len(created), len(outputs)))
	}

	wells, err := containerType.RowMajorWells(ctx)
	if err != nil {
		return err
	}
	if len(wells) == 0 {
		return clarity.NewUsageError(fmt.Sprintf("container type '%s' has no wells", containerTypeName))
	}
	for i, output := range outputs {
		if err := placements.CreatePlacement(ctx, output, created[i], wells[0]); err != nil {
			return err
		}
	}
	if err := placements.Commit(ctx); err != nil {
		return err
	}
	return r.step.Refresh(ctx)
}

// AddDefaultReagents selects the first ACTIVE lot of every required reagent
// kit. Kits without an active lot are skipped with a warning. Archived kits
// are skipped on API revision 32 and later.
func (r *Runner) AddDefaultReagents(ctx context.Context) error {
	if err := r.requireStep(); err != nil {
		return err
	}
	minor, err := r.session.CurrentMinorVersion(ctx)
	if err != nil {
		return err
	}
	revision, err := strconv.Atoi(strings.TrimLeft(minor, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	if err != nil {
		return clarity.NewConfigError("", fmt.Sprintf("unexpected API revision %q", minor))
	}

	r.logger.Info().Msg("Adding default reagent lots.")
	cfg, err := r.step.Configuration(ctx)
	if err != nil {
		return err
	}
	kits, err := cfg.RequiredReagentKits(ctx)
	if err != nil {
		return err
	}

	var lots []*clarity.ReagentLot
	for _, kit := range kits {
		if revision >= 32 {
			archived, err := kit.Archived(ctx)
			if err != nil {
				return err
			}
			if archived {
				continue
			}
		}
		related, err := kit.RelatedReagentLots(ctx)
		if err != nil {
			return err
		}
		var active *clarity.ReagentLot
		for _, lot := range related {
			status, err := lot.Status(ctx)
			if err != nil {
				return err
			}
			if status == "ACTIVE" {
				active = lot
				break
			}
		}
		if active == nil {
			name, _ := kit.Name(ctx)
			r.logger.Warn().Msgf("Reagent Kit %s has no active lots.", name)
			continue
		}
		lots = append(lots, active)
	}

	if len(lots) == 0 {
		return nil
	}
	screen := r.step.ReagentLots()
	if err := screen.AddReagentLots(ctx, lots); err != nil {
		return err
	}
	return screen.Commit(ctx)
}

// PreviousStepOutputs returns the URIs of the artifacts a finished step sent
// on. Unless all is set, only artifacts sent to this runner's step or that
// completed their protocol are kept.
func (r *Runner) PreviousStepOutputs(ctx context.Context, previous *clarity.Step, all bool) ([]string, error) {
	if previous == nil {
		return nil, clarity.NewUsageError("Unable to get previous step artifacts without a previous step.")
	}
	actions, err := previous.Actions().NextActions(ctx)
	if err != nil {
		return nil, err
	}

	var configURI string
	if !all {
		cfg, err := r.StepConfig(ctx)
		if err != nil {
			return nil, err
		}
		configURI = cfg.URI()
	}

	var uris []string
	for _, a := range actions {
		keep := all ||
			(a["action"] == actionNextStep && a["step-uri"] == configURI) ||
			a["action"] == actionComplete
		if keep {
			uris = append(uris, a["artifact-uri"])
		}
	}
	return uris, nil
}

// ControlsFromNames resolves control names against the control types the
// step permits. Every name must be permitted.
func (r *Runner) ControlsFromNames(ctx context.Context, names []string) ([]*clarity.ControlType, error) {
	if len(names) == 0 {
		return nil, clarity.NewUsageError("Unable to get controls for empty list of control names.")
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	cfg, err := r.StepConfig(ctx)
	if err != nil {
		return nil, err
	}
	permitted, err := cfg.PermittedControlTypes(ctx)
	if err != nil {
		return nil, err
	}

	var controls []*clarity.ControlType
	found := make(map[string]bool)
	for _, c := range permitted {
		name, err := c.Name(ctx)
		if err != nil {
			return nil, err
		}
		if wanted[name] {
			controls = append(controls, c)
			found[name] = true
		}
	}

	var invalid []string
	for _, n := range names {
		if !found[n] {
			invalid = append(invalid, n)
			found[n] = true
		}
	}
	if len(invalid) > 0 {
		return nil, clarity.NewUsageError(fmt.Sprintf(
			"Control(s) '%s' not permitted in step config", strings.Join(invalid, ", ")))
	}
	return controls, nil
}

// FireScript fires the manual automation with the given name and waits for
// it to finish.
func (r *Runner) FireScript(ctx context.Context, name string) error {
	if err := r.requireStep(); err != nil {
		return err
	}
	programs, err := r.step.AvailablePrograms(ctx)
	if err != nil {
		return err
	}
	for _, p := range programs {
		if p.Name() == name {
			r.logger.Info().Msgf("Running manual EPP '%s'", name)
			return p.Fire(ctx)
		}
	}
	return clarity.NewLookupError(clarity.ErrCodeNoMatchingElement,
		fmt.Sprintf("No EPP defined matching name '%s'", name))
}

// userActionError joins problems into one error, or returns nil when there
// are none.
func (r *Runner) userActionError(problems []string, format string, args ...any) error {
	if len(problems) == 0 {
		return nil
	}
	msg := fmt.Sprintf(format, args...) + ": " + strings.Join(problems, ", and ") + "."
	return clarity.NewWorkflowError(clarity.ErrCodeUserAction, msg)
}

// SetStepUDFAsUser sets a step field after checking that a user could: the
// field must be editable and shown on the step. With stopOnError unset the
// problems are logged and the value is set anyway.
func (r *Runner) SetStepUDFAsUser(ctx context.Context, name string, value any, stopOnError bool) error {
	if err := r.requireStep(); err != nil {
		return err
	}
	details := r.step.Details()

	var problems []string
	udf, err := details.UdfConfig(ctx, name)
	if err != nil {
		return err
	}
	editable, err := udf.IsEditable(ctx)
	if err != nil {
		return err
	}
	if !editable {
		problems = append(problems, "the UDF is not configured to be editable on the process type")
	}

	cfg, err := r.StepConfig(ctx)
	if err != nil {
		return err
	}
	fields, err := cfg.StepFields(ctx)
	if err != nil {
		return err
	}
	visible := false
	for _, f := range fields {
		if f.Name() == name {
			visible = true
			break
		}
	}
	if !visible {
		problems = append(problems, fmt.Sprintf("the UDF is not configured to be visible in the '%s' protocol", r.protocol))
	}

	stepName, _ := r.step.Name(ctx)
	if uerr := r.userActionError(problems,
		"StepRunner can not set the '%s' Step UDF on step '%s' as a user", name, stepName); uerr != nil {
		if stopOnError {
			return uerr
		}
		r.logger.Error().Msg(uerr.Error())
	}

	return details.SetField(ctx, name, value)
}

// SetArtifactUDFAsUser sets a field of a step output after checking that a
// user could: the artifact is not an input, the field is editable, and the
// step shows it for the artifact's type. With stopOnError unset the problems
// are logged and the value is set anyway.
func (r *Runner) SetArtifactUDFAsUser(ctx context.Context, artifact *clarity.Artifact, name string, value any, stopOnError bool) error {
	if err := r.requireStep(); err != nil {
		return err
	}

	var problems []string
	udf, err := artifact.UdfConfig(ctx, name)
	if err != nil {
		return err
	}
	artifactType, err := artifact.Type(ctx)
	if err != nil {
		return err
	}

	inputs, err := r.step.Details().Inputs(ctx)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		if in.URI() == artifact.URI() {
			problems = append(problems, "users are not able to edit UDFs on step inputs")
			break
		}
	}

	editable, err := udf.IsEditable(ctx)
	if err != nil {
		return err
	}
	if !editable {
		problems = append(problems, "the UDF is not configured to be editable")
	}

	cfg, err := r.StepConfig(ctx)
	if err != nil {
		return err
	}
	fields, err := cfg.SampleFields(ctx)
	if err != nil {
		return err
	}
	visible := false
	for _, f := range fields {
		if f.Name() == name && f.AttachTo() == artifactType {
			visible = true
			break
		}
	}
	if !visible {
		problems = append(problems, "the UDF is not configured to be visible on the step")
	}

	stepName, _ := r.step.Name(ctx)
	if uerr := r.userActionError(problems,
		"StepRunner can not set %s UDF '%s' on Step '%s' as a user", artifactType, name, stepName); uerr != nil {
		if stopOnError {
			return uerr
		}
		r.logger.Error().Msg(uerr.Error())
	}

	return artifact.SetField(ctx, name, value)
}

// PrefetchArtifacts reloads every input and output of the step in one
// batch.
func (r *Runner) PrefetchArtifacts(ctx context.Context) error {
	if err := r.requireStep(); err != nil {
		return err
	}
	details := r.step.Details()
	inputs, err := details.Inputs(ctx)
	if err != nil {
		return err
	}
	outputs, err := details.Outputs(ctx)
	if err != nil {
		return err
	}
	all := make([]*clarity.Artifact, 0, len(inputs)+len(outputs))
	all = append(all, inputs...)
	all = append(all, outputs...)
	return r.session.Artifacts.BatchRefresh(ctx, all)
}
