package clarity

import (
	"context"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// SampleKind describes submitted samples.
var SampleKind = &Kind{
	Name:        "Sample",
	Tag:         "{http://genologics.com/ri/sample}sample",
	CreationTag: "{http://genologics.com/ri/sample}samplecreation",
}

var (
	sampleDateReceived  = Subnode[codec.Date]{Path: "date-received", Codec: codec.DateOnly}
	sampleDateCompleted = Subnode[codec.Date]{Path: "date-completed", Codec: codec.DateOnly}
	sampleProject       = Link[*Project]{Path: "project", Factory: func(s *Session) *Factory[*Project] { return s.Projects }}
	sampleArtifact      = Link[*Artifact]{Path: "artifact", Factory: func(s *Session) *Factory[*Artifact] { return s.Artifacts }}
)

// Sample is a submitted sample. Its root artifact carries its lab data.
type Sample struct {
	*Element
	*FieldBearing
}

func newSample(el *Element) *Sample {
	return &Sample{Element: el, FieldBearing: newFieldBearing(el, ".", staticAttachKey("Sample", ""))}
}

// DateReceived returns the received date, if set.
func (s *Sample) DateReceived(ctx context.Context) (codec.Date, bool, error) {
	return sampleDateReceived.Lookup(ctx, s)
}

// SetDateReceived sets the received date.
func (s *Sample) SetDateReceived(ctx context.Context, d codec.Date) error {
	return sampleDateReceived.Set(ctx, s, d)
}

// DateCompleted returns the completion date, if set.
func (s *Sample) DateCompleted(ctx context.Context) (codec.Date, bool, error) {
	return sampleDateCompleted.Lookup(ctx, s)
}

// SetDateCompleted sets the completion date.
func (s *Sample) SetDateCompleted(ctx context.Context, d codec.Date) error {
	return sampleDateCompleted.Set(ctx, s, d)
}

// Project returns the owning project.
func (s *Sample) Project(ctx context.Context) (*Project, error) { return sampleProject.Get(ctx, s) }

// SetProject assigns the sample to a project.
func (s *Sample) SetProject(ctx context.Context, p *Project) error {
	return sampleProject.Set(ctx, s, p)
}

// Artifact returns the root artifact.
func (s *Sample) Artifact(ctx context.Context) (*Artifact, error) {
	return sampleArtifact.Get(ctx, s)
}

// IsControl reports whether the sample is a control.
func (s *Sample) IsControl(ctx context.Context) (bool, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return false, err
	}
	return xmltree.Find(root, "control-type") != nil, nil
}

// SetLocationWell places a new sample in well of container, e.g. "A:1".
// Only meaningful before the sample is created.
func (s *Sample) SetLocationWell(ctx context.Context, container *Container, well string) error {
	root, err := s.Root(ctx)
	if err != nil {
		return err
	}
	location := xmltree.GetOrCreate(root, "location")
	xmltree.SetText(location, "value", well)
	xmltree.GetOrCreate(location, "container").CreateAttr("uri", container.URI())
	return nil
}

// SetLocationCoords is SetLocationWell with the well "row:col".
func (s *Sample) SetLocationCoords(ctx context.Context, container *Container, row, col string) error {
	return s.SetLocationWell(ctx, container, row+":"+col)
}
