package clarity

import (
	"context"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

var (
	WorkflowKind = &Kind{Name: "Workflow", Tag: "{http://genologics.com/ri/workflowconfiguration}workflow"}
	StageKind    = &Kind{Name: "Stage", Tag: "{http://genologics.com/ri/workflow}stage"}
)

// Workflow statuses.
const (
	WorkflowPending  = "PENDING"
	WorkflowActive   = "ACTIVE"
	WorkflowArchived = "ARCHIVED"
)

var (
	workflowStatus    = Attr[string]{Name: "status", Codec: codec.String}
	workflowProtocols = LinkList[*Protocol]{
		Path:    "protocols/protocol",
		Factory: func(s *Session) *Factory[*Protocol] { return s.Protocols },
	}
	workflowStages = LinkList[*Stage]{
		Path:    "stages/stage",
		Factory: func(s *Session) *Factory[*Stage] { return s.Stages },
	}
)

// Workflow is an ordered set of protocols that samples are queued into.
type Workflow struct {
	*Element
}

func newWorkflow(el *Element) *Workflow { return &Workflow{Element: el} }

// Status returns PENDING, ACTIVE or ARCHIVED.
func (w *Workflow) Status(ctx context.Context) (string, error) { return workflowStatus.Get(ctx, w) }

// SetStatus changes the workflow status.
func (w *Workflow) SetStatus(ctx context.Context, status string) error {
	return workflowStatus.Set(ctx, w, status)
}

func (w *Workflow) hasStatus(ctx context.Context, status string) (bool, error) {
	s, err := w.Status(ctx)
	return s == status, err
}

func (w *Workflow) IsActive(ctx context.Context) (bool, error) {
	return w.hasStatus(ctx, WorkflowActive)
}

func (w *Workflow) IsPending(ctx context.Context) (bool, error) {
	return w.hasStatus(ctx, WorkflowPending)
}

func (w *Workflow) IsArchived(ctx context.Context) (bool, error) {
	return w.hasStatus(ctx, WorkflowArchived)
}

// Protocols returns the protocols in order. With prefetch they are
// hydrated in one batch.
func (w *Workflow) Protocols(ctx context.Context, prefetch bool) ([]*Protocol, error) {
	protocols, err := workflowProtocols.Get(ctx, w)
	if err != nil || !prefetch {
		return protocols, err
	}
	if _, err := w.session.Protocols.BatchFetch(ctx, protocols); err != nil {
		return nil, err
	}
	return protocols, nil
}

// Stages returns the stages in order.
func (w *Workflow) Stages(ctx context.Context) ([]*Stage, error) {
	return workflowStages.Get(ctx, w)
}

// StageFromID returns the stage whose URI ends in id, or nil.
func (w *Workflow) StageFromID(ctx context.Context, id string) (*Stage, error) {
	stages, err := w.Stages(ctx)
	if err != nil {
		return nil, err
	}
	for _, stage := range stages {
		if lastSegment(stage.URI()) == id {
			return stage, nil
		}
	}
	return nil, nil
}

// Enqueue queues artifacts to the first stage of the workflow.
func (w *Workflow) Enqueue(ctx context.Context, artifacts ...*Artifact) error {
	r := NewRouter(w.session)
	r.Assign(w.URI(), artifacts...)
	return r.Commit(ctx)
}

// Remove removes artifacts from every stage of the workflow.
func (w *Workflow) Remove(ctx context.Context, artifacts ...*Artifact) error {
	r := NewRouter(w.session)
	r.Unassign(w.URI(), artifacts...)
	return r.Commit(ctx)
}

var (
	stageIndex    = Attr[string]{Name: "index", Codec: codec.String}
	stageWorkflow = Link[*Workflow]{Path: "workflow", Factory: func(s *Session) *Factory[*Workflow] { return s.Workflows }}
	stageProtocol = Link[*Protocol]{Path: "protocol", Factory: func(s *Session) *Factory[*Protocol] { return s.Protocols }}
)

// Stage is one step of one protocol within a workflow.
type Stage struct {
	*Element
}

func newStage(el *Element) *Stage { return &Stage{Element: el} }

// Index returns the stage index attribute.
func (s *Stage) Index(ctx context.Context) (string, error) { return stageIndex.Get(ctx, s) }

// Workflow returns the owning workflow.
func (s *Stage) Workflow(ctx context.Context) (*Workflow, error) { return stageWorkflow.Get(ctx, s) }

// Protocol returns the protocol of the stage.
func (s *Stage) Protocol(ctx context.Context) (*Protocol, error) { return stageProtocol.Get(ctx, s) }

// Step returns the step configuration of the stage, or nil.
func (s *Stage) Step(ctx context.Context) (*StepConfiguration, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	uri, ok := xmltree.Attr(xmltree.Find(root, "step"), "uri")
	if !ok {
		return nil, nil
	}
	return s.session.StepConfigurationFromURI(ctx, uri)
}

// Enqueue queues artifacts to this stage.
func (s *Stage) Enqueue(ctx context.Context, artifacts ...*Artifact) error {
	r := NewRouter(s.session)
	r.Assign(s.URI(), artifacts...)
	return r.Commit(ctx)
}

// Remove removes artifacts from this stage.
func (s *Stage) Remove(ctx context.Context, artifacts ...*Artifact) error {
	r := NewRouter(s.session)
	r.Unassign(s.URI(), artifacts...)
	return r.Commit(ctx)
}
