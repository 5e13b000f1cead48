// Package steprunner drives a LIMS step through its screens.
//
// A Runner starts or loads a step, then repeatedly reads the step's current
// state, calls the matching hook and advances, until the step reaches the
// goal state. It fails when the state is unknown, when a screen does not
// change after advancing, and when the step completes before the goal.
//
//	r, err := steprunner.New(session, "Library Prep", "Pooling", hooks, steprunner.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	err = r.Run(ctx, steprunner.RunInput{})
//
// Hooks are Go values implementing Hooks, or Starlark scripts loaded with
// NewScriptHooks.
package steprunner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/stores"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

const stepCreationTag = "{http://genologics.com/ri/step}step-creation"

// Options configures a Runner.
type Options struct {
	// UseQueuedInputs takes inputs from the step's queue when a new step is
	// started without inputs.
	UseQueuedInputs bool

	// NumberOfInputs is how many queued artifacts a new step takes. Zero
	// takes the whole queue.
	NumberOfInputs int

	// StartTimeout bounds the wait while the step is Started. Zero waits
	// until the context ends.
	StartTimeout time.Duration

	// StartPollInterval is the wait between checks while Started.
	StartPollInterval time.Duration

	// Recorder receives the run history. It may be nil.
	Recorder stores.RunRecorder
}

// DefaultOptions takes four queued inputs and polls a starting step every
// second.
func DefaultOptions() Options {
	return Options{
		UseQueuedInputs:   true,
		NumberOfInputs:    4,
		StartPollInterval: time.Second,
	}
}

// NewStepInput describes the step LoadNewStep creates. InputURIs and
// PreviousStep are mutually exclusive.
type NewStepInput struct {
	InputURIs    []string
	PreviousStep *clarity.Step
	Controls     []*clarity.ControlType

	// ControlNames are resolved against the permitted control types when
	// Controls is empty.
	ControlNames []string

	// ContainerType defaults to the first permitted container.
	ContainerType string

	// ReagentCategory defaults to the first permitted reagent category.
	ReagentCategory string
}

func (in NewStepInput) empty() bool {
	return len(in.InputURIs) == 0 && in.PreviousStep == nil && len(in.Controls) == 0 &&
		len(in.ControlNames) == 0 && in.ContainerType == "" && in.ReagentCategory == ""
}

// RunInput selects the step Run drives: an existing step by LIMS ID, or a
// new one.
type RunInput struct {
	NewStepInput
	StepLimsID string
}

// Runner drives one step of one protocol.
type Runner struct {
	session  *clarity.Session
	hooks    Hooks
	protocol string
	stepName string
	opts     Options
	logger   zerolog.Logger

	step       *clarity.Step
	stepConfig *clarity.StepConfiguration
	runID      string
}

// New creates a runner for the named step of the named protocol. A nil
// hooks value does nothing on every screen.
func New(session *clarity.Session, protocolName, stepName string, hooks Hooks, opts Options) (*Runner, error) {
	if session == nil {
		return nil, clarity.NewUsageError("session is required")
	}
	if protocolName == "" {
		return nil, clarity.NewUsageError("protocol name is required")
	}
	if stepName == "" {
		return nil, clarity.NewUsageError("step name is required")
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	if opts.StartPollInterval <= 0 {
		opts.StartPollInterval = time.Second
	}

	return &Runner{
		session:  session,
		hooks:    hooks,
		protocol: protocolName,
		stepName: stepName,
		opts:     opts,
		logger: session.Logger().With().
			Str("component", "steprunner").
			Str("protocol", protocolName).
			Str("step_name", stepName).
			Logger(),
	}, nil
}

// Session returns the session the runner uses.
func (r *Runner) Session() *clarity.Session { return r.session }

// Step returns the loaded step, or nil.
func (r *Runner) Step() *clarity.Step { return r.step }

// Logger returns the runner's logger.
func (r *Runner) Logger() zerolog.Logger { return r.logger }

// RunID returns the ID of the run in progress, or "".
func (r *Runner) RunID() string { return r.runID }

// StepConfig returns the configuration of the runner's step, looked up once.
func (r *Runner) StepConfig(ctx context.Context) (*clarity.StepConfiguration, error) {
	if r.stepConfig != nil {
		return r.stepConfig, nil
	}
	cfg, err := r.session.Steps.GetByName(ctx, r.protocol, r.stepName)
	if err != nil {
		r.logger.Error().Err(err).Msg("StepRunner could not load step configuration")
		return nil, fmt.Errorf("configuration for step %s in protocol %s could not be located: %w",
			r.stepName, r.protocol, err)
	}
	r.stepConfig = cfg
	return cfg, nil
}

// LoadExistingStep loads a started, not yet completed step.
func (r *Runner) LoadExistingStep(ctx context.Context, limsid string) error {
	r.step = r.session.Step(limsid)
	r.logger.Info().Str("step_uri", r.step.URI()).Msg("Loading previously created step")
	return r.waitOnStarted(ctx)
}

// LoadNewStep starts a new step. Inputs come from InputURIs, else from the
// outputs of PreviousStep, else from the queue when UseQueuedInputs is set.
func (r *Runner) LoadNewStep(ctx context.Context, in NewStepInput) error {
	if len(in.InputURIs) > 0 && in.PreviousStep != nil {
		return clarity.NewUsageError("Steps can not be started with both an input uri list and a previous step.")
	}

	inputs := in.InputURIs
	switch {
	case len(inputs) > 0:
	case in.PreviousStep != nil:
		r.logger.Info().Str("previous_step", in.PreviousStep.URI()).Msg("Using artifacts from previously executed step")
		outputs, err := r.PreviousStepOutputs(ctx, in.PreviousStep, false)
		if err != nil {
			return err
		}
		inputs = outputs
	case !r.opts.UseQueuedInputs:
		if len(in.Controls) == 0 && len(in.ControlNames) == 0 {
			return clarity.NewUsageError(fmt.Sprintf(
				"No inputs provided and queued inputs are disabled and no controls for %s", r.stepName))
		}
	default:
		r.logger.Info().Msg("Pulling existing artifacts from step queue.")
		queued, err := r.inputsFromQueue(ctx)
		if err != nil {
			return err
		}
		inputs = queued
	}

	controls := in.Controls
	if len(controls) == 0 && len(in.ControlNames) > 0 {
		resolved, err := r.ControlsFromNames(ctx, in.ControlNames)
		if err != nil {
			return err
		}
		controls = resolved
	}

	step, err := r.createStep(ctx, inputs, controls, in.ContainerType, in.ReagentCategory)
	if err != nil {
		return err
	}
	r.step = step
	return r.waitOnStarted(ctx)
}

func (r *Runner) inputsFromQueue(ctx context.Context) ([]string, error) {
	cfg, err := r.StepConfig(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := cfg.Queue().QueuedArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	n := r.opts.NumberOfInputs
	if n <= 0 {
		n = len(queued)
	}
	if n == 0 || len(queued) < n {
		return nil, clarity.NewWorkflowError(clarity.ErrCodeUserAction, fmt.Sprintf(
			"Too few inputs to push through step: %d queued, %d needed", len(queued), n))
	}
	uris := make([]string, 0, n)
	for _, qa := range queued[:n] {
		uris = append(uris, qa.URI())
	}
	return uris, nil
}

func (r *Runner) replicatesForInput(uri string) int {
	if rp, ok := r.hooks.(Replicates); ok {
		if n := rp.ReplicatesForInput(uri); n > 0 {
			return n
		}
	}
	return 1
}

func (r *Runner) replicatesForControl(c *clarity.ControlType) int {
	if rp, ok := r.hooks.(Replicates); ok {
		if n := rp.ReplicatesForControl(c); n > 0 {
			return n
		}
	}
	return 1
}

func (r *Runner) createStep(ctx context.Context, inputs []string, controls []*clarity.ControlType, containerType, reagentCategory string) (*clarity.Step, error) {
	r.logger.Info().Str("user", r.session.Username()).Msg("Creating step")

	if len(inputs) == 0 && len(controls) == 0 {
		return nil, clarity.NewUsageError("Unable to create new step with no input artifacts or controls.")
	}

	cfg, err := r.StepConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfgRoot, err := cfg.Root(ctx)
	if err != nil {
		return nil, err
	}

	root := xmltree.NewElement(stepCreationTag)
	root.CreateElement("configuration").CreateAttr("uri", cfg.URI())

	inputsNode := root.CreateElement("inputs")
	for _, uri := range inputs {
		node := inputsNode.CreateElement("input")
		node.CreateAttr("uri", uri)
		node.CreateAttr("replicates", strconv.Itoa(r.replicatesForInput(uri)))
	}
	for _, c := range controls {
		node := inputsNode.CreateElement("input")
		node.CreateAttr("control-type-uri", c.URI())
		node.CreateAttr("replicates", strconv.Itoa(r.replicatesForControl(c)))
	}

	if containerType == "" {
		if first := xmltree.Find(cfgRoot, "permitted-containers/container-type"); first != nil {
			containerType = strings.TrimSpace(first.Text())
			if containerType == "" {
				containerType, _ = xmltree.Attr(first, "name")
			}
		}
	}
	if containerType != "" {
		root.CreateElement("container-type").SetText(containerType)
	} else {
		r.logger.Warn().Msg("No container type specified for step.")
	}

	if reagentCategory == "" {
		categories, err := cfg.PermittedReagentCategories(ctx)
		if err != nil {
			return nil, err
		}
		if len(categories) > 0 {
			reagentCategory = categories[0]
		}
	}
	if reagentCategory != "" {
		root.CreateElement("reagent-category").SetText(reagentCategory)
	}

	resp, err := r.session.Request(ctx, http.MethodPost, r.session.RootURI()+"/steps", root)
	if err != nil {
		return nil, err
	}
	var uri string
	if resp != nil {
		uri, _ = xmltree.Attr(resp, "uri")
	}
	if uri == "" {
		return nil, clarity.NewWorkflowError(clarity.ErrCodeUnknownState, "server did not return the created step")
	}
	step := r.session.StepFromURI(uri)
	step.SetRoot(resp)

	r.logger.Info().Str("step_uri", uri).Msg("Started step")

	if err := step.WaitForEPP(ctx); err != nil {
		return nil, err
	}
	return step, nil
}

// waitOnStarted polls while the server is still starting the step. An
// automation error while starting is fatal.
func (r *Runner) waitOnStarted(ctx context.Context) error {
	start := time.Now()
	status := r.step.ProgramStatus()
	for {
		state, err := r.step.CurrentState(ctx)
		if err != nil {
			return err
		}
		if state != StateStarted {
			return nil
		}

		programStatus, err := status.Status(ctx)
		if err != nil && !clarity.IsRemote(err) {
			return err
		}
		if programStatus == clarity.ProgramStatusError {
			msg, _ := status.Message(ctx)
			return clarity.NewWorkflowError(clarity.ErrCodeEppFailure,
				"EPP failure while waiting for step to start: "+msg).WithResource(r.step.URI())
		}

		if r.opts.StartTimeout > 0 && time.Since(start) >= r.opts.StartTimeout {
			return clarity.NewWorkflowError(clarity.ErrCodeStartTimeout,
				fmt.Sprintf("Step did not leave the Started state within %s", r.opts.StartTimeout)).WithResource(r.step.URI())
		}

		r.logger.Info().Msgf("Waiting %s for auto-started step to begin.", r.opts.StartPollInterval)
		if err := sleep(ctx, r.opts.StartPollInterval); err != nil {
			return err
		}
		if err := r.step.Refresh(ctx); err != nil {
			return err
		}
		if err := status.Refresh(ctx); err != nil && !clarity.IsRemote(err) {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives a step to Completed and refreshes it. With StepLimsID set it
// loads that step and no other input may be given; otherwise it starts a new
// step from in.
func (r *Runner) Run(ctx context.Context, in RunInput) (err error) {
	if in.StepLimsID != "" && !in.NewStepInput.empty() {
		return clarity.NewUsageError("If a step LIMS ID is provided no other input may be given.")
	}

	if in.StepLimsID != "" {
		err = r.LoadExistingStep(ctx, in.StepLimsID)
	} else {
		err = r.LoadNewStep(ctx, in.NewStepInput)
	}
	if err != nil {
		return err
	}

	r.runID = uuid.NewString()
	ctx = telemetry.WithRunContext(ctx, r.runID, r.step.URI(), r.stepName, r.session.Username())
	r.startRecord(ctx)

	defer func() {
		state, _ := r.step.CurrentState(ctx)
		telemetry.EndRunContext(ctx, state, err)
		r.finishRecord(ctx, err)
		r.runID = ""
	}()

	if err = r.RunToState(ctx, StateCompleted); err != nil {
		return err
	}
	return r.step.Refresh(ctx)
}

// RunToState advances the loaded step screen by screen until it reaches goal.
func (r *Runner) RunToState(ctx context.Context, goal string) error {
	if r.step == nil {
		return clarity.NewUsageError("A step must be loaded before RunToState may be called.")
	}
	if !IsKnownState(goal) {
		return clarity.NewUsageError("Invalid goal state: " + goal)
	}

	previous := ""
	for {
		current, err := r.step.CurrentState(ctx)
		if err != nil {
			return err
		}
		if current == goal {
			return nil
		}
		if current == previous {
			return clarity.NewWorkflowError(clarity.ErrCodeStalled,
				"Step has not advanced past state "+current).WithResource(r.step.URI())
		}
		if current == StateCompleted {
			return clarity.NewWorkflowError(clarity.ErrCodePrematureCompletion,
				"Step Completed before reaching state "+goal).WithResource(r.step.URI())
		}

		screen := r.screen(current)
		if screen == nil {
			return clarity.NewWorkflowError(clarity.ErrCodeUnknownState,
				fmt.Sprintf("Step state '%s' was not in state map.", current)).WithResource(r.step.URI())
		}

		started := time.Now()
		err = screen(ctx)
		next, _ := r.step.CurrentState(ctx)
		r.recordTransition(ctx, current, next, started, err)
		if err != nil {
			return err
		}
		previous = current
	}
}

func (r *Runner) screen(state string) func(context.Context) error {
	hook := map[string]func(context.Context, *Runner) error{
		StateStepSetup:       r.hooks.Setup,
		StatePlacement:       r.hooks.Placement,
		StateArranging:       r.hooks.Arranging,
		StatePooling:         r.hooks.Pooling,
		StateAddReagent:      r.hooks.AddReagent,
		StateRecordDetails:   r.hooks.RecordDetails,
		StateAssignNextSteps: r.hooks.NextSteps,
	}
	if state == StateStarted {
		return r.waitOnStarted
	}
	h, ok := hook[state]
	if !ok {
		return nil
	}
	return func(ctx context.Context) error { return r.runScreen(ctx, state, h) }
}

func (r *Runner) runScreen(ctx context.Context, state string, hook func(context.Context, *Runner) error) (err error) {
	r.logger.Info().Msgf("Starting %s Phase", state)

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil && tel.Tracer != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartScreenSpan(ctx, r.step.URI(), state)
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	if err := hook(ctx, r); err != nil {
		return fmt.Errorf("%s: %w", state, err)
	}
	return r.step.Advance(ctx)
}

func (r *Runner) startRecord(ctx context.Context) {
	if r.opts.Recorder == nil {
		return
	}
	run := &stores.Run{
		ID:       r.runID,
		StepURI:  r.step.URI(),
		Protocol: r.protocol,
		StepName: r.stepName,
		Goal:     StateCompleted,
		Username: r.session.Username(),
		Server:   r.session.RootURI(),
		DryRun:   r.session.DryRun(),
	}
	if err := r.opts.Recorder.StartRun(ctx, run); err != nil {
		r.logger.Warn().Err(err).Str("run_id", r.runID).Msg("failed to record run start")
	}
}

func (r *Runner) recordTransition(ctx context.Context, from, to string, started time.Time, err error) {
	if from != to && to != "" {
		telemetry.ScreenTransition(ctx, r.step.URI(), from, to)
	}
	if r.opts.Recorder == nil || r.runID == "" {
		return
	}
	t := &stores.Transition{
		RunID:     r.runID,
		FromState: from,
		ToState:   to,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		msg := err.Error()
		t.Error = &msg
	}
	if rerr := r.opts.Recorder.RecordTransition(ctx, t); rerr != nil {
		r.logger.Warn().Err(rerr).Str("run_id", r.runID).Msg("failed to record transition")
	}
}

func (r *Runner) finishRecord(ctx context.Context, err error) {
	if r.opts.Recorder == nil {
		return
	}
	status := stores.RunStatusCompleted
	var msg *string
	if err != nil {
		status = stores.RunStatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = stores.RunStatusCancelled
		}
		m := err.Error()
		msg = &m
	}
	// The run context may already be cancelled; the record must still land.
	if rerr := r.opts.Recorder.FinishRun(context.WithoutCancel(ctx), r.runID, status, msg); rerr != nil {
		r.logger.Warn().Err(rerr).Str("run_id", r.runID).Msg("failed to record run end")
	}
}
