package clarity

import (
	"context"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// ArtifactKind describes artifacts.
var ArtifactKind = &Kind{Name: "Artifact", Tag: "{http://genologics.com/ri/artifact}artifact"}

// QCFlag is the tri-state QC result of an artifact.
type QCFlag string

const (
	QCPassed  QCFlag = "PASSED"
	QCFailed  QCFlag = "FAILED"
	QCUnknown QCFlag = "UNKNOWN"
)

// Workflow stage statuses recorded in an artifact's stage history.
const (
	StageStatusQueued     = "QUEUED"
	StageStatusRemoved    = "REMOVED"
	StageStatusInProgress = "IN_PROGRESS"
)

var (
	artifactType          = Subnode[string]{Path: "type", Codec: codec.String}
	artifactOutputType    = Subnode[string]{Path: "output-type", Codec: codec.String}
	artifactLocationValue = Subnode[string]{Path: "location/value", Codec: codec.String}
	artifactQCFlag        = Subnode[string]{Path: "qc-flag", Codec: codec.String}
	artifactParentProcess = Link[*Process]{Path: "parent-process", Factory: func(s *Session) *Factory[*Process] { return s.Processes }}
	artifactParentStep    = Link[*Step]{Path: "parent-process", Factory: func(s *Session) *Factory[*Step] { return s.Steps.Factory }, ReadOnly: true}
	artifactSample        = Link[*Sample]{Path: "sample", Factory: func(s *Session) *Factory[*Sample] { return s.Samples }}
	artifactSamples       = LinkList[*Sample]{Path: "sample", Factory: func(s *Session) *Factory[*Sample] { return s.Samples }}
	artifactControlType   = Link[*ControlType]{Path: "control-type", Factory: func(s *Session) *Factory[*ControlType] { return s.ControlTypes }}
	artifactContainer     = Link[*Container]{Path: "location/container", Factory: func(s *Session) *Factory[*Container] { return s.Containers }}
	artifactFileLink      = Link[*File]{Path: "{http://genologics.com/ri/file}file", Factory: func(s *Session) *Factory[*File] { return s.Files }}

	artifactStages = NestedList[*WorkflowStageHistory]{
		Container: "workflow-stages",
		Item:      "workflow-stage",
		New:       newWorkflowStageHistory,
		ReadOnly:  true,
	}
	artifactReagentLabels = NestedList[*ReagentLabel]{
		Container: ".",
		Item:      "reagent-label",
		New:       newReagentLabel,
		ReadOnly:  true,
	}
)

// Artifact is a sample-derived item: an analyte, a result file or a pool.
type Artifact struct {
	*Element
	*FieldBearing
}

func newArtifact(el *Element) *Artifact {
	a := &Artifact{Element: el}
	a.FieldBearing = newFieldBearing(el, ".", func(ctx context.Context) (AttachKey, error) {
		t, err := a.Type(ctx)
		return AttachKey{Name: t}, err
	})
	return a
}

// Type returns the artifact type, e.g. "Analyte" or "ResultFile".
func (a *Artifact) Type(ctx context.Context) (string, error) { return artifactType.Get(ctx, a) }

// SetType sets the artifact type.
func (a *Artifact) SetType(ctx context.Context, v string) error { return artifactType.Set(ctx, a, v) }

// OutputType returns the output type name.
func (a *Artifact) OutputType(ctx context.Context) (string, error) {
	return artifactOutputType.Get(ctx, a)
}

// LocationValue returns the well, e.g. "A:1".
func (a *Artifact) LocationValue(ctx context.Context) (string, error) {
	return artifactLocationValue.Get(ctx, a)
}

// SetLocationValue sets the well.
func (a *Artifact) SetLocationValue(ctx context.Context, well string) error {
	return artifactLocationValue.Set(ctx, a, well)
}

// Container returns the container the artifact sits in, or nil.
func (a *Artifact) Container(ctx context.Context) (*Container, error) {
	return artifactContainer.Get(ctx, a)
}

// ParentProcess returns the process that produced the artifact, or nil.
func (a *Artifact) ParentProcess(ctx context.Context) (*Process, error) {
	return artifactParentProcess.Get(ctx, a)
}

// ParentStep returns the step that produced the artifact, or nil.
func (a *Artifact) ParentStep(ctx context.Context) (*Step, error) {
	return artifactParentStep.Get(ctx, a)
}

// Sample returns the first linked sample.
func (a *Artifact) Sample(ctx context.Context) (*Sample, error) { return artifactSample.Get(ctx, a) }

// Samples returns every linked sample. Pools have more than one.
func (a *Artifact) Samples(ctx context.Context) ([]*Sample, error) {
	return artifactSamples.Get(ctx, a)
}

// IsControl reports whether the artifact is a control sample.
func (a *Artifact) IsControl(ctx context.Context) (bool, error) {
	root, err := a.Root(ctx)
	if err != nil {
		return false, err
	}
	return xmltree.Find(root, "control-type") != nil, nil
}

// ControlType returns the control type, or nil for regular samples.
func (a *Artifact) ControlType(ctx context.Context) (*ControlType, error) {
	return artifactControlType.Get(ctx, a)
}

// File returns the linked file, or a new empty file named after the
// artifact and attached to it.
func (a *Artifact) File(ctx context.Context) (*File, error) {
	f, err := artifactFileLink.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return f, nil
	}
	name, err := a.Name(ctx)
	if err != nil {
		return nil, err
	}
	return NewEmptyFile(a.session, a.URI(), name), nil
}

// QC returns the QC flag. Anything other than PASSED or FAILED is UNKNOWN.
func (a *Artifact) QC(ctx context.Context) (QCFlag, error) {
	v, err := artifactQCFlag.Get(ctx, a)
	if err != nil {
		return QCUnknown, err
	}
	switch QCFlag(v) {
	case QCPassed, QCFailed:
		return QCFlag(v), nil
	default:
		return QCUnknown, nil
	}
}

// SetQC sets the QC flag.
func (a *Artifact) SetQC(ctx context.Context, flag QCFlag) error {
	switch flag {
	case QCPassed, QCFailed, QCUnknown:
	default:
		return NewUsageError("invalid QC flag " + string(flag))
	}
	return artifactQCFlag.Set(ctx, a, string(flag))
}

// WorkflowStages returns the stage history.
func (a *Artifact) WorkflowStages(ctx context.Context) ([]*WorkflowStageHistory, error) {
	l, err := artifactStages.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	return l.Items(), nil
}

// QueuedStages returns the stages the artifact is currently queued for.
// A later REMOVED or IN_PROGRESS entry cancels an earlier QUEUED one.
func (a *Artifact) QueuedStages(ctx context.Context) ([]*Stage, error) {
	history, err := a.WorkflowStages(ctx)
	if err != nil {
		return nil, err
	}
	var queued []*Stage
	for _, h := range history {
		stage := h.Stage()
		if stage == nil {
			continue
		}
		switch h.Status() {
		case StageStatusQueued:
			if !containsStage(queued, stage) {
				queued = append(queued, stage)
			}
		case StageStatusRemoved, StageStatusInProgress:
			queued = removeStage(queued, stage)
		}
	}
	return queued, nil
}

func containsStage(stages []*Stage, s *Stage) bool {
	for _, x := range stages {
		if x == s {
			return true
		}
	}
	return false
}

func removeStage(stages []*Stage, s *Stage) []*Stage {
	out := stages[:0]
	for _, x := range stages {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

// ReagentLabelNames returns the names of every reagent label.
func (a *Artifact) ReagentLabelNames(ctx context.Context) ([]string, error) {
	l, err := artifactReagentLabels.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, l.Len())
	for _, label := range l.Items() {
		names = append(names, label.Name())
	}
	return names, nil
}

// ReagentLabelName returns the single reagent label, or "" when unlabeled.
func (a *Artifact) ReagentLabelName(ctx context.Context) (string, error) {
	names, err := a.ReagentLabelNames(ctx)
	if err != nil {
		return "", err
	}
	switch len(names) {
	case 0:
		return "", nil
	case 1:
		return names[0], nil
	default:
		return "", NewLookupError(ErrCodeMultipleMatchingElements, "Artifact has multiple reagent labels.").
			WithResource(a.URI())
	}
}

// SetReagentLabelName labels the artifact, reusing an existing label node.
func (a *Artifact) SetReagentLabelName(ctx context.Context, name string) error {
	root, err := a.Root(ctx)
	if err != nil {
		return err
	}
	xmltree.MakeWithParents(root, "reagent-label").CreateAttr("name", name)
	return nil
}

// Demux returns the demultiplexing view of a pooled artifact.
func (a *Artifact) Demux() *ArtifactDemux {
	el := newElement(a.session, artifactDemuxKind, a.URI()+"/demux", "", "")
	return &ArtifactDemux{Element: el}
}

// WorkflowStageHistory is one entry of an artifact's stage history.
type WorkflowStageHistory struct {
	*Node
}

func newWorkflowStageHistory(s *Session, el *etree.Element) *WorkflowStageHistory {
	return &WorkflowStageHistory{Node: NewNode(s, el)}
}

// URI returns the stage URI.
func (h *WorkflowStageHistory) URI() string { return h.Attr("uri") }

// Status returns QUEUED, REMOVED, IN_PROGRESS or COMPLETE.
func (h *WorkflowStageHistory) Status() string { return h.Attr("status") }

// Name returns the stage name.
func (h *WorkflowStageHistory) Name() string { return h.Attr("name") }

// Stage resolves the stage.
func (h *WorkflowStageHistory) Stage() *Stage {
	return h.session.Stages.FromLinkNode(h.root)
}

// ReagentLabel is a reagent label attached to an artifact.
type ReagentLabel struct {
	*Node
}

func newReagentLabel(s *Session, el *etree.Element) *ReagentLabel {
	return &ReagentLabel{Node: NewNode(s, el)}
}

// Name returns the label name.
func (l *ReagentLabel) Name() string { return l.Attr("name") }

var artifactDemuxKind = &Kind{Name: "ArtifactDemux", Tag: "{http://genologics.com/ri/artifact}demux"}

// ArtifactDemux is the demux endpoint of a pooled artifact.
type ArtifactDemux struct {
	*Element
}

// Details returns the demux details, or nil when absent.
func (d *ArtifactDemux) Details(ctx context.Context) (*DemuxDetails, error) {
	root, err := d.Root(ctx)
	if err != nil {
		return nil, err
	}
	node := xmltree.Find(root, "demux")
	if node == nil {
		return nil, nil
	}
	return &DemuxDetails{Node: NewNode(d.session, node)}, nil
}

// DemuxDetails lists the artifacts inside a pool.
type DemuxDetails struct {
	*Node
}

// PoolStep returns the step that created the pool.
func (d *DemuxDetails) PoolStep() *Step {
	return d.session.Steps.FromLinkNode(xmltree.Find(d.root, "pool-step"))
}

// Artifacts returns the demultiplexed entries.
func (d *DemuxDetails) Artifacts() []*DemuxArtifact {
	var out []*DemuxArtifact
	for _, node := range xmltree.FindAll(d.root, "artifacts/artifact") {
		out = append(out, &DemuxArtifact{Node: NewNode(d.session, node)})
	}
	return out
}

// DemuxArtifact is one entry of a pool's demux.
type DemuxArtifact struct {
	*Node
}

// Artifact resolves the pooled artifact.
func (d *DemuxArtifact) Artifact() *Artifact {
	return d.session.Artifacts.FromLinkNode(d.root)
}

// Samples returns the samples of the entry.
func (d *DemuxArtifact) Samples() []*Sample {
	return d.session.Samples.FromLinkNodes(xmltree.FindAll(d.root, "samples/sample"))
}

// ReagentLabelNames returns the labels of the entry.
func (d *DemuxArtifact) ReagentLabelNames() []string {
	var names []string
	for _, node := range xmltree.FindAll(d.root, "reagent-labels/reagent-label") {
		name, _ := xmltree.Attr(node, "name")
		names = append(names, name)
	}
	return names
}

// Demux returns the nested demux details. A pool of pools that all come from
// one sample may omit them, in which case they are fetched from the
// artifact's own demux endpoint.
func (d *DemuxArtifact) Demux(ctx context.Context) (*DemuxDetails, error) {
	if node := xmltree.Find(d.root, "demux"); node != nil {
		return &DemuxDetails{Node: NewNode(d.session, node)}, nil
	}
	if len(d.Samples()) == 1 && len(d.ReagentLabelNames()) > 1 {
		if a := d.Artifact(); a != nil {
			return a.Demux().Details(ctx)
		}
	}
	return nil, nil
}

// BatchSetQC sets the QC flag on every artifact and commits them in one
// batch update.
func (s *Session) BatchSetQC(ctx context.Context, artifacts []*Artifact, flag QCFlag) error {
	for _, a := range artifacts {
		if err := a.SetQC(ctx, flag); err != nil {
			return err
		}
	}
	return s.Artifacts.BatchUpdate(ctx, artifacts)
}
