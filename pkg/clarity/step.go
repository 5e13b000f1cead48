package clarity

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// StepKind describes running steps.
var StepKind = &Kind{Name: "Step", Tag: "{http://genologics.com/ri/step}step"}

var (
	stepDetailsKind       = &Kind{Name: "StepDetails", Tag: "{http://genologics.com/ri/step}details"}
	stepActionsKind       = &Kind{Name: "StepActions", Tag: "{http://genologics.com/ri/step}actions"}
	stepPoolsKind         = &Kind{Name: "StepPools", Tag: "{http://genologics.com/ri/step}pools"}
	stepPlacementsKind    = &Kind{Name: "StepPlacements", Tag: "{http://genologics.com/ri/step}placements"}
	stepReagentLotsKind   = &Kind{Name: "StepReagentLots", Tag: "{http://genologics.com/ri/step}lots"}
	stepReagentsKind      = &Kind{Name: "StepReagents", Tag: "{http://genologics.com/ri/step}reagents"}
	stepProgramStatusKind = &Kind{Name: "StepProgramStatus", Tag: "{http://genologics.com/ri/step}program-status"}
)

// Automation program statuses.
const (
	ProgramStatusQueued  = "QUEUED"
	ProgramStatusRunning = "RUNNING"
	ProgramStatusOK      = "OK"
	ProgramStatusWarning = "WARNING"
	ProgramStatusError   = "ERROR"
)

var (
	stepCurrentState  = Attr[string]{Name: "current-state", Codec: codec.String, ReadOnly: true}
	stepDateStarted   = Subnode[time.Time]{Path: "date-started", Codec: codec.Datetime}
	stepDateCompleted = Subnode[time.Time]{Path: "date-completed", Codec: codec.Datetime}
	stepName          = Subnode[string]{Path: "configuration", Codec: codec.String, ReadOnly: true}
)

// Step is a step being run in the LIMS. Its screens are reached through
// Advance; the data of each screen lives in a sub-resource.
type Step struct {
	*Element

	details       *StepDetails
	actions       *StepActions
	pools         *StepPools
	placements    *StepPlacements
	reagentLots   *StepReagentLots
	reagents      *StepReagents
	programStatus *StepProgramStatus
	configuration *StepConfiguration
}

func newStep(el *Element) *Step { return &Step{Element: el} }

func (s *Step) sub(kind *Kind, uri string) *Element {
	return newElement(s.session, kind, uri, "", "")
}

// Name returns the name of the step configuration.
func (s *Step) Name(ctx context.Context) (string, error) { return stepName.Get(ctx, s) }

// CurrentState returns the screen the step is on, e.g. "Placement".
func (s *Step) CurrentState(ctx context.Context) (string, error) {
	return stepCurrentState.Get(ctx, s)
}

func (s *Step) DateStarted(ctx context.Context) (time.Time, bool, error) {
	return stepDateStarted.Lookup(ctx, s)
}

func (s *Step) DateCompleted(ctx context.Context) (time.Time, bool, error) {
	return stepDateCompleted.Lookup(ctx, s)
}

// Details returns the step details: IO maps, step fields and instrument.
func (s *Step) Details() *StepDetails {
	if s.details == nil {
		s.details = newStepDetails(s, s.sub(stepDetailsKind, s.URI()+"/details"))
	}
	return s.details
}

// Actions returns the next-action screen data.
func (s *Step) Actions() *StepActions {
	if s.actions == nil {
		s.actions = &StepActions{Element: s.sub(stepActionsKind, s.URI()+"/actions"), step: s}
	}
	return s.actions
}

// Configuration returns the protocol step this step runs.
func (s *Step) Configuration(ctx context.Context) (*StepConfiguration, error) {
	if s.configuration != nil {
		return s.configuration, nil
	}
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	uri, _ := xmltree.Attr(xmltree.Find(root, "configuration"), "uri")
	cfg, err := s.session.StepConfigurationFromURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	s.configuration = cfg
	return cfg, nil
}

// AutomaticNextStep returns the step started automatically after this one,
// or nil.
func (s *Step) AutomaticNextStep(ctx context.Context) (*Step, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	return s.session.Steps.FromLinkNode(xmltree.Find(root, "automatic-next-step")), nil
}

func (s *Step) linkedURI(ctx context.Context, path string) (string, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return "", err
	}
	uri, _ := xmltree.Attr(xmltree.Find(root, path), "uri")
	return uri, nil
}

// Pools returns the pooling screen data, or nil when the step does not pool.
func (s *Step) Pools(ctx context.Context) (*StepPools, error) {
	if s.pools != nil {
		return s.pools, nil
	}
	uri, err := s.linkedURI(ctx, "pools")
	if err != nil || uri == "" {
		return nil, err
	}
	s.pools = &StepPools{Element: s.sub(stepPoolsKind, uri), step: s}
	return s.pools, nil
}

// Placements returns the placement screen data, or nil when the step does
// not place samples.
func (s *Step) Placements(ctx context.Context) (*StepPlacements, error) {
	if s.placements != nil {
		return s.placements, nil
	}
	uri, err := s.linkedURI(ctx, "placements")
	if err != nil || uri == "" {
		return nil, err
	}
	s.placements = &StepPlacements{Element: s.sub(stepPlacementsKind, uri)}
	return s.placements, nil
}

// ReagentLots returns the reagent lot screen data.
func (s *Step) ReagentLots() *StepReagentLots {
	if s.reagentLots == nil {
		s.reagentLots = &StepReagentLots{Element: s.sub(stepReagentLotsKind, s.URI()+"/reagentlots"), step: s}
	}
	return s.reagentLots
}

// Reagents returns the reagent label screen data.
func (s *Step) Reagents() *StepReagents {
	if s.reagents == nil {
		s.reagents = &StepReagents{Element: s.sub(stepReagentsKind, s.URI()+"/reagents"), step: s}
	}
	return s.reagents
}

// ProgramStatus returns the automation status resource.
func (s *Step) ProgramStatus() *StepProgramStatus {
	if s.programStatus == nil {
		s.programStatus = &StepProgramStatus{Element: s.sub(stepProgramStatusKind, s.URI()+"/programstatus")}
	}
	return s.programStatus
}

// AvailablePrograms returns the manually fired automations of the step.
func (s *Step) AvailablePrograms(ctx context.Context) ([]*StepTrigger, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []*StepTrigger
	for _, node := range xmltree.FindAll(root, "available-programs/available-program") {
		out = append(out, &StepTrigger{Node: NewNode(s.session, node), step: s})
	}
	return out, nil
}

// Process returns the process record of the step, which shares its limsid.
func (s *Step) Process() *Process { return s.session.Processes.FromLimsID(s.LimsID()) }

// SharedResultFile returns the file of the shared output named name. When
// limsid is set it selects the output instead of the name.
func (s *Step) SharedResultFile(ctx context.Context, name, limsid string) (*File, error) {
	shared, err := s.Details().SharedOutputs(ctx)
	if err != nil {
		return nil, err
	}
	desc := "name = " + name
	if limsid != "" {
		desc = "limsid = " + limsid
	}
	var matches []*Artifact
	for _, a := range shared {
		if limsid != "" {
			if a.LimsID() == limsid {
				matches = append(matches, a)
			}
			continue
		}
		n, err := a.Name(ctx)
		if err != nil {
			return nil, err
		}
		if n == name {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return nil, NewLookupError(ErrCodeNoMatchingElement, "No output file matching filter: "+desc)
	case 1:
		return matches[0].File(ctx)
	default:
		return nil, NewLookupError(ErrCodeMultipleMatchingElements, "Multiple output artifacts matching filter: "+desc)
	}
}

// WaitForEPP blocks until the running automation of the step ends, bounded
// by the session's EPP timeout.
func (s *Step) WaitForEPP(ctx context.Context) error {
	return s.WaitForEPPWithin(ctx, s.session.eppTimeout)
}

// WaitForEPPWithin polls the program status until it leaves RUNNING and
// QUEUED, then refreshes the step. An ERROR status fails with the
// automation's message. A remote error while polling means the step has no
// automation and ends the wait. A zero timeout waits indefinitely.
func (s *Step) WaitForEPPWithin(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	status := s.ProgramStatus()
	for count := 0; ; count++ {
		if err := status.Refresh(ctx); err != nil {
			if IsRemote(err) {
				s.session.logger.Info().Str("step", s.LimsID()).Msg("No EPP found.")
				s.session.metrics.RecordEPPWait("none", time.Since(start))
				return nil
			}
			return err
		}
		if count == 1 {
			s.session.logger.Info().Str("step", s.LimsID()).Msg("Waiting for EPP.")
		}

		state, err := status.Status(ctx)
		if err != nil {
			return err
		}
		if state != ProgramStatusRunning && state != ProgramStatusQueued {
			s.session.logger.Info().Str("step", s.LimsID()).Msgf("EPP finished with status %s.", state)
			if state == ProgramStatusError {
				msg, _ := status.Message(ctx)
				s.session.logger.Error().Str("step", s.LimsID()).Msg(msg)
				s.session.metrics.RecordEPPWait("error", time.Since(start))
				return NewWorkflowError(ErrCodeEppFailure, msg).WithResource(s.URI())
			}
			s.session.metrics.RecordEPPWait("ok", time.Since(start))
			return s.Refresh(ctx)
		}

		if timeout > 0 && time.Since(start) >= timeout {
			s.session.metrics.RecordEPPWait("timeout", time.Since(start))
			return NewWorkflowError(ErrCodeEppTimeout,
				"Step Runner EPP Timeout - Step took too long to get to next state.").WithResource(s.URI())
		}
		if err := sleep(ctx, s.session.pollInterval); err != nil {
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

// Advance moves the step to its next screen and waits for any automation
// triggered by the transition.
func (s *Step) Advance(ctx context.Context) error {
	s.session.logger.Info().Str("step", s.LimsID()).Msg("Advancing Step.")
	root, err := s.Root(ctx)
	if err != nil {
		return err
	}
	resp, err := s.session.Request(ctx, http.MethodPost, s.URI()+"/advance", root)
	if err != nil {
		return err
	}
	if resp != nil {
		s.SetRoot(resp)
	}
	return s.WaitForEPP(ctx)
}

// StepTrigger is an automation the user can fire from the step.
type StepTrigger struct {
	*Node
	step *Step
}

// Name returns the automation name.
func (t *StepTrigger) Name() string { return t.Attr("name") }

// Fire runs the automation and waits for it to end.
func (t *StepTrigger) Fire(ctx context.Context) error {
	t.session.logger.Info().Msgf("Firing script %s", t.Name())
	if _, err := t.session.Request(ctx, http.MethodPost, t.Attr("uri"), nil); err != nil {
		return err
	}
	return t.step.WaitForEPP(ctx)
}

// StepDetails holds the IO maps, the step fields and the instrument.
type StepDetails struct {
	*Element
	*FieldBearing
	*ioMapper
	step *Step
}

var (
	detailsName       = Subnode[string]{Path: "configuration", Codec: codec.String, ReadOnly: true}
	detailsInstrument = Link[*Instrument]{
		Path:       "instrument",
		Factory:    func(s *Session) *Factory[*Instrument] { return s.Instruments },
		ReadOnly:   true,
		Attributes: []string{"uri"},
	}
)

func newStepDetails(step *Step, el *Element) *StepDetails {
	d := &StepDetails{Element: el, step: step}
	d.FieldBearing = newFieldBearing(el, "./fields", func(ctx context.Context) (AttachKey, error) {
		name, err := d.Name(ctx)
		return AttachKey{Name: name, Category: "ProcessType"}, err
	})
	d.ioMapper = newIOMapper(el, "input-output-maps/input-output-map", "type",
		func(context.Context) (string, error) { return "ResultFile", nil })
	return d
}

// Step returns the owning step.
func (d *StepDetails) Step() *Step { return d.step }

// Name returns the name of the step configuration.
func (d *StepDetails) Name(ctx context.Context) (string, error) { return detailsName.Get(ctx, d) }

// InstrumentUsed returns the instrument assigned to the step, or nil.
func (d *StepDetails) InstrumentUsed(ctx context.Context) (*Instrument, error) {
	return detailsInstrument.Get(ctx, d)
}

var sampleNameCells = regexp.MustCompile(`(\d+)?(\D+)`)

// naturalKey pads every digit run with its length so "S2" sorts before
// "S10".
func naturalKey(name string) string {
	var b strings.Builder
	for _, cell := range sampleNameCells.FindAllStringSubmatch(name, -1) {
		for _, part := range cell[1:] {
			if part == "" {
				continue
			}
			if isDigits(part) {
				fmt.Fprintf(&b, "%02d%s", len(part), part)
			} else {
				b.WriteString(part)
			}
		}
	}
	if tail := sampleNameCells.ReplaceAllString(name, ""); tail != "" {
		fmt.Fprintf(&b, "%02d%s", len(tail), tail)
	}
	return b.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// SortedInputSampleIOMaps returns the maps of non-control inputs ordered by
// natural input name.
func (d *StepDetails) SortedInputSampleIOMaps(ctx context.Context) ([]*IOMap, error) {
	maps, err := d.IOMaps(ctx)
	if err != nil {
		return nil, err
	}
	type keyed struct {
		key string
		m   *IOMap
	}
	var samples []keyed
	for _, m := range maps.Maps {
		input, err := m.Input()
		if err != nil {
			return nil, err
		}
		control, err := input.IsControl(ctx)
		if err != nil {
			return nil, err
		}
		if control {
			continue
		}
		name, err := input.Name(ctx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, keyed{key: naturalKey(name), m: m})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].key < samples[j].key })
	out := make([]*IOMap, len(samples))
	for i, k := range samples {
		out[i] = k.m
	}
	return out, nil
}

// Next-step actions.
const (
	ActionComplete           = "complete"
	ActionRemoveFromWorkflow = "remove"
	ActionCompleteAndRepeat  = "completerepeat"
	ActionRepeat             = "repeat"
	ActionRework             = "rework"
	ActionReview             = "review"
	ActionStore              = "store"
	ActionNextStep           = "nextstep"
)

// ArtifactAction is the next action chosen for one artifact.
type ArtifactAction struct {
	*Node
	step *Step
}

func (a *ArtifactAction) ArtifactURI() string   { return a.Attr("artifact-uri") }
func (a *ArtifactAction) Action() string        { return a.Attr("action") }
func (a *ArtifactAction) StepURI() string       { return a.Attr("step-uri") }
func (a *ArtifactAction) ReworkStepURI() string { return a.Attr("rework-step-uri") }

func (a *ArtifactAction) setAction(action string) {
	a.root.CreateAttr("action", action)
	a.root.RemoveAttr("step-uri")
	a.root.RemoveAttr("rework-step-uri")
}

func (a *ArtifactAction) setStepAction(action, stepURI string) {
	a.setAction(action)
	a.root.CreateAttr("step-uri", stepURI)
}

// RemoveFromWorkflow removes the artifact from its workflow.
func (a *ArtifactAction) RemoveFromWorkflow() { a.setAction(ActionRemoveFromWorkflow) }

// Review requests manager review.
func (a *ArtifactAction) Review() { a.setAction(ActionReview) }

// Repeat repeats this step.
func (a *ArtifactAction) Repeat() { a.setAction(ActionRepeat) }

// MarkProtocolComplete ends the protocol for the artifact.
func (a *ArtifactAction) MarkProtocolComplete() { a.setAction(ActionComplete) }

// CompleteAndRepeat continues to stepURI and repeats this step.
func (a *ArtifactAction) CompleteAndRepeat(stepURI string) {
	a.setStepAction(ActionCompleteAndRepeat, stepURI)
}

// Rework sends the artifact back to an earlier step.
func (a *ArtifactAction) Rework(stepURI string) {
	a.setAction(ActionRework)
	a.root.CreateAttr("rework-step-uri", stepURI)
}

// NextStep continues to stepURI, or to the first transition of the step
// when stepURI is empty. Without transitions the protocol is complete.
func (a *ArtifactAction) NextStep(ctx context.Context, stepURI string) error {
	cfg, err := a.step.Configuration(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		return NewLookupError(ErrCodeNoMatchingElement, fmt.Sprintf("no configuration for %v", a.step))
	}
	transitions, err := cfg.Transitions(ctx)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		a.setAction(ActionComplete)
		return nil
	}
	if stepURI == "" {
		stepURI = transitions[0]["next-step-uri"]
	}
	a.setStepAction(ActionNextStep, stepURI)
	return nil
}

var (
	actionsNextActions = DictList{
		Path:       "next-actions/next-action",
		Attributes: []string{"artifact-uri", "action", "step-uri", "rework-step-uri"},
	}
	actionsEscalationAuthor = Link[*Researcher]{
		Path:       "escalation/request/author",
		Factory:    func(s *Session) *Factory[*Researcher] { return s.Researchers },
		ReadOnly:   true,
		Attributes: []string{"uri"},
	}
	actionsEscalationReviewer = Link[*Researcher]{
		Path:       "escalation/request/reviewer",
		Factory:    func(s *Session) *Factory[*Researcher] { return s.Researchers },
		ReadOnly:   true,
		Attributes: []string{"uri"},
	}
	actionsEscalationDate = Subnode[time.Time]{Path: "escalation/request/date", Codec: codec.Datetime, ReadOnly: true}
	actionsEscalated      = LinkList[*Artifact]{
		Path:    "escalation/escalated-artifacts/escalated-artifact",
		Factory: func(s *Session) *Factory[*Artifact] { return s.Artifacts },
	}
)

// StepActions is the next-steps screen.
type StepActions struct {
	*Element
	step *Step
}

// Step returns the owning step.
func (a *StepActions) Step() *Step { return a.step }

// NextActions lists the raw next-action entries.
func (a *StepActions) NextActions(ctx context.Context) ([]map[string]string, error) {
	return actionsNextActions.Get(ctx, a)
}

// ArtifactActions returns the action of each artifact keyed by artifact.
// Changes are written to the document; Commit sends them.
func (a *StepActions) ArtifactActions(ctx context.Context) (map[*Artifact]*ArtifactAction, error) {
	root, err := a.Root(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[*Artifact]*ArtifactAction)
	for _, node := range xmltree.FindAll(root, "next-actions/next-action") {
		uri, _ := xmltree.Attr(node, "artifact-uri")
		out[a.session.Artifacts.Get(uri)] = &ArtifactAction{Node: NewNode(a.session, node), step: a.step}
	}
	return out, nil
}

// AllNextStep applies NextStep to every artifact.
func (a *StepActions) AllNextStep(ctx context.Context, stepURI string) error {
	actions, err := a.ArtifactActions(ctx)
	if err != nil {
		return err
	}
	for _, action := range actions {
		if err := action.NextStep(ctx, stepURI); err != nil {
			return err
		}
	}
	return nil
}

func (a *StepActions) EscalationAuthor(ctx context.Context) (*Researcher, error) {
	return actionsEscalationAuthor.Get(ctx, a)
}

func (a *StepActions) EscalationReviewer(ctx context.Context) (*Researcher, error) {
	return actionsEscalationReviewer.Get(ctx, a)
}

func (a *StepActions) EscalationDate(ctx context.Context) (time.Time, bool, error) {
	return actionsEscalationDate.Lookup(ctx, a)
}

func (a *StepActions) EscalatedArtifacts(ctx context.Context) ([]*Artifact, error) {
	return actionsEscalated.Get(ctx, a)
}

// StepPools is the pooling screen.
type StepPools struct {
	*Element
	step *Step
}

// AvailableInput is an input that can be pooled.
type AvailableInput struct {
	*Node
}

// Replicates returns the number of replicates of the input.
func (i *AvailableInput) Replicates() int {
	n, _ := codec.ParseNumeric(i.Attr("replicates"))
	return int(n)
}

// Input returns the input artifact.
func (i *AvailableInput) Input() *Artifact { return i.session.ArtifactFromURI(i.Attr("uri")) }

// Pool is a pool defined on the step.
type Pool struct {
	*Node
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.Attr("name") }

// Inputs returns the pooled inputs.
func (p *Pool) Inputs() []*Artifact {
	return p.session.Artifacts.FromLinkNodes(xmltree.FindAll(p.root, "input"))
}

// Output returns the pool artifact, or nil before the pool is created.
func (p *Pool) Output() *Artifact {
	uri := p.Attr("output-uri")
	if uri == "" {
		return nil
	}
	return p.session.Artifacts.Ref(uri, p.Name(), "")
}

func (p *StepPools) AvailableInputs(ctx context.Context) ([]*AvailableInput, error) {
	root, err := p.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []*AvailableInput
	for _, node := range xmltree.FindAll(root, "available-inputs/input") {
		out = append(out, &AvailableInput{Node: NewNode(p.session, node)})
	}
	return out, nil
}

func (p *StepPools) Pools(ctx context.Context) ([]*Pool, error) {
	root, err := p.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Pool
	for _, node := range xmltree.FindAll(root, "pooled-inputs/pool") {
		out = append(out, &Pool{Node: NewNode(p.session, node)})
	}
	return out, nil
}

// CreatePool adds a pool of inputs. Commit sends it.
func (p *StepPools) CreatePool(ctx context.Context, name string, inputs []*Artifact) error {
	root, err := p.Root(ctx)
	if err != nil {
		return err
	}
	pool := xmltree.GetOrCreate(root, "pooled-inputs").CreateElement("pool")
	pool.CreateAttr("name", name)
	for _, a := range inputs {
		pool.CreateElement("input").CreateAttr("uri", a.URI())
	}
	return nil
}

// Placement is the location of one output artifact.
type Placement struct {
	*Node
}

func newPlacement(s *Session, el *etree.Element) *Placement { return &Placement{Node: NewNode(s, el)} }

// NewPlacement builds a detached placement of a in well of c. A nil
// container gives a placement with no location.
func NewPlacement(a *Artifact, c *Container, well string) *Placement {
	node := etree.NewElement("output-placement")
	node.CreateAttr("uri", a.URI())
	if c != nil {
		location := node.CreateElement("location")
		location.CreateElement("container").CreateAttr("uri", c.URI())
		location.CreateElement("value").SetText(well)
	}
	return newPlacement(a.Session(), node)
}

// Artifact returns the placed artifact.
func (p *Placement) Artifact() *Artifact { return p.session.Artifacts.FromLinkNode(p.root) }

// Container returns the container, or nil for a placement with no location.
func (p *Placement) Container() *Container {
	return p.session.Containers.FromLinkNode(xmltree.Find(p.root, "location/container"))
}

// LocationValue returns the well.
func (p *Placement) LocationValue() string { return p.Text("location/value") }

var (
	placementsStep = Link[*Step]{Path: "step", Factory: func(s *Session) *Factory[*Step] { return s.Steps.Factory }}
	placementsList = NestedList[*Placement]{Container: "output-placements", Item: "output-placement", New: newPlacement}
)

// StepPlacements is the placement screen.
type StepPlacements struct {
	*Element
}

// Step returns the owning step.
func (p *StepPlacements) Step(ctx context.Context) (*Step, error) { return placementsStep.Get(ctx, p) }

// Placements returns the output placements.
func (p *StepPlacements) Placements(ctx context.Context) (*ElementList[*Placement], error) {
	return placementsList.Get(ctx, p)
}

// SelectedContainers returns the containers chosen for the outputs.
func (p *StepPlacements) SelectedContainers(ctx context.Context) ([]*Container, error) {
	root, err := p.Root(ctx)
	if err != nil {
		return nil, err
	}
	return p.session.Containers.FromLinkNodes(xmltree.FindAll(root, "selected-containers/container")), nil
}

// ClearSelectedContainers drops every selected container, including ones
// created automatically for the step.
func (p *StepPlacements) ClearSelectedContainers(ctx context.Context) error {
	root, err := p.Root(ctx)
	if err != nil {
		return err
	}
	xmltree.Remove(root, "selected-containers")
	root.CreateElement("selected-containers")
	return nil
}

// AddSelectedContainer selects a container.
func (p *StepPlacements) AddSelectedContainer(ctx context.Context, c *Container) error {
	root, err := p.Root(ctx)
	if err != nil {
		return err
	}
	xmltree.GetOrCreate(root, "selected-containers").CreateElement("container").CreateAttr("uri", c.URI())
	return nil
}

// ClearPlacements drops every recorded placement.
func (p *StepPlacements) ClearPlacements(ctx context.Context) error {
	list, err := placementsList.Get(ctx, p)
	if err != nil {
		return err
	}
	for list.Len() > 0 {
		if err := list.Delete(list.Len() - 1); err != nil {
			return err
		}
	}
	root, err := p.Root(ctx)
	if err != nil {
		return err
	}
	xmltree.GetOrCreate(root, "output-placements")
	return nil
}

func placementIndex(list *ElementList[*Placement], a *Artifact) int {
	for i, placement := range list.Items() {
		if placement.Attr("uri") == a.URI() {
			return i
		}
	}
	return -1
}

// place replaces the placement of the same artifact, or appends one.
func (p *StepPlacements) place(ctx context.Context, a *Artifact, placement *Placement) error {
	list, err := placementsList.Get(ctx, p)
	if err != nil {
		return err
	}
	if i := placementIndex(list, a); i >= 0 {
		return list.Set(i, placement)
	}
	return list.Append(placement)
}

// CreatePlacement places artifact in well of container.
func (p *StepPlacements) CreatePlacement(ctx context.Context, a *Artifact, c *Container, well string) error {
	return p.place(ctx, a, NewPlacement(a, c, well))
}

// CreatePlacementWithNoLocation lists an artifact without a location, which
// releases a well it held earlier.
func (p *StepPlacements) CreatePlacementWithNoLocation(ctx context.Context, a *Artifact) error {
	return p.place(ctx, a, NewPlacement(a, nil, ""))
}

// RemovePlacement drops the placement of a. It is a no-op when a has none.
func (p *StepPlacements) RemovePlacement(ctx context.Context, a *Artifact) error {
	list, err := placementsList.Get(ctx, p)
	if err != nil {
		return err
	}
	if i := placementIndex(list, a); i >= 0 {
		return list.Delete(i)
	}
	return nil
}

// Commit posts the placements.
func (p *StepPlacements) Commit(ctx context.Context) error { return p.PostAndParse(ctx, "") }

// StepReagentLots is the reagent lot screen.
type StepReagentLots struct {
	*Element
	step *Step
}

// ReagentLots returns the lots used by the step.
func (l *StepReagentLots) ReagentLots(ctx context.Context) ([]*ReagentLot, error) {
	root, err := l.Root(ctx)
	if err != nil {
		return nil, err
	}
	return l.session.ReagentLots.FromLinkNodes(xmltree.FindAll(root, "reagent-lots/reagent-lot")), nil
}

// AddReagentLots adds lots not already used by the step.
func (l *StepReagentLots) AddReagentLots(ctx context.Context, lots []*ReagentLot) error {
	current, err := l.ReagentLots(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(current))
	for _, lot := range current {
		seen[lot.URI()] = true
	}
	container := xmltree.GetOrCreate(l.root, "reagent-lots")
	for _, lot := range lots {
		if seen[lot.URI()] {
			continue
		}
		seen[lot.URI()] = true
		container.CreateElement("reagent-lot").CreateAttr("uri", lot.URI())
	}
	return nil
}

var (
	programStatusStep    = Link[*Step]{Path: "step", Factory: func(s *Session) *Factory[*Step] { return s.Steps.Factory }}
	programStatusMessage = Subnode[string]{Path: "message", Codec: codec.String}
	programStatusStatus  = Subnode[string]{Path: "status", Codec: codec.String}
)

// StepProgramStatus reports the status of the running automation. Setting a
// status shows a message box to the user.
type StepProgramStatus struct {
	*Element
}

func (p *StepProgramStatus) Step(ctx context.Context) (*Step, error) {
	return programStatusStep.Get(ctx, p)
}

func (p *StepProgramStatus) Message(ctx context.Context) (string, error) {
	return programStatusMessage.Get(ctx, p)
}

func (p *StepProgramStatus) Status(ctx context.Context) (string, error) {
	return programStatusStatus.Get(ctx, p)
}

func (p *StepProgramStatus) report(ctx context.Context, status, message string) error {
	if err := programStatusMessage.Set(ctx, p, message); err != nil {
		return err
	}
	if err := programStatusStatus.Set(ctx, p, status); err != nil {
		return err
	}
	return p.Commit(ctx)
}

func (p *StepProgramStatus) ReportOK(ctx context.Context, message string) error {
	return p.report(ctx, ProgramStatusOK, message)
}

func (p *StepProgramStatus) ReportWarning(ctx context.Context, message string) error {
	return p.report(ctx, ProgramStatusWarning, message)
}

func (p *StepProgramStatus) ReportError(ctx context.Context, message string) error {
	return p.report(ctx, ProgramStatusError, message)
}

var stepReagentCategory = Subnode[string]{Path: "reagent-category", Codec: codec.String}

// StepReagents is the reagent label screen.
type StepReagents struct {
	*Element
	step *Step
}

// ReagentCategory returns the reagent label category of the step.
func (r *StepReagents) ReagentCategory(ctx context.Context) (string, error) {
	return stepReagentCategory.Get(ctx, r)
}

// OutputReagents returns one entry per output.
func (r *StepReagents) OutputReagents(ctx context.Context) ([]*OutputReagent, error) {
	root, err := r.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []*OutputReagent
	for _, node := range xmltree.FindAll(root, "output-reagents/output") {
		out = append(out, &OutputReagent{Node: NewNode(r.session, node)})
	}
	return out, nil
}

// OutputReagent is the reagent label of one output.
type OutputReagent struct {
	*Node
}

// Output returns the output artifact.
func (o *OutputReagent) Output() *Artifact { return o.session.Artifacts.FromLinkNode(o.root) }

// ReagentLabel returns the label name, or "" when unlabeled.
func (o *OutputReagent) ReagentLabel() string {
	v, _ := xmltree.Attr(xmltree.Find(o.root, "reagent-label"), "name")
	return v
}

// SetReagentLabel labels the output.
func (o *OutputReagent) SetReagentLabel(name string) {
	xmltree.GetOrCreate(o.root, "reagent-label").CreateAttr("name", name)
}
