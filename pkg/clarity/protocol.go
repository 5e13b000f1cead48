package clarity

import (
	"context"
	"fmt"
	"net/url"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

var (
	ProtocolKind = &Kind{Name: "Protocol", Tag: "{http://genologics.com/ri/protocolconfiguration}protocol"}

	// StepConfigurationKind describes the step nodes of a protocol. They are
	// not fetched on their own.
	StepConfigurationKind = &Kind{Name: "StepConfiguration", Tag: "{http://genologics.com/ri/protocolconfiguration}step"}
)

var (
	protocolProperties = LiteralDict{Path: "protocol-properties", Item: "protocol-property"}
	protocolIndex      = Attr[float64]{Name: "index", Codec: codec.Numeric}
)

// Protocol is an ordered group of step configurations.
type Protocol struct {
	*Element
	steps []*StepConfiguration
}

func newProtocol(el *Element) *Protocol {
	p := &Protocol{Element: el}
	el.onRoot(func(*etree.Element) { p.steps = nil })
	return p
}

// Properties returns the protocol properties.
func (p *Protocol) Properties(ctx context.Context) (*Dict, error) {
	return protocolProperties.Get(ctx, p)
}

// Index returns the protocol's position in its workflows.
func (p *Protocol) Index(ctx context.Context) (int, error) {
	n, err := protocolIndex.Get(ctx, p)
	return int(n), err
}

// Steps returns the step configurations in protocol order.
func (p *Protocol) Steps(ctx context.Context) ([]*StepConfiguration, error) {
	root, err := p.Root(ctx)
	if err != nil {
		return nil, err
	}
	if p.steps == nil {
		for _, node := range xmltree.FindAll(root, "steps/step") {
			p.steps = append(p.steps, newStepConfiguration(p, node))
		}
	}
	return p.steps, nil
}

// Step returns the named step configuration, or nil.
func (p *Protocol) Step(ctx context.Context, name string) (*StepConfiguration, error) {
	steps, err := p.Steps(ctx)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.localName() == name {
			return step, nil
		}
	}
	return nil, nil
}

// StepFromID returns the step configuration whose URI ends in id, or nil.
func (p *Protocol) StepFromID(ctx context.Context, id string) (*StepConfiguration, error) {
	steps, err := p.Steps(ctx)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if lastSegment(step.URI()) == id {
			return step, nil
		}
	}
	return nil, nil
}

// NumberOfSteps returns the number of step configurations.
func (p *Protocol) NumberOfSteps(ctx context.Context) (int, error) {
	steps, err := p.Steps(ctx)
	return len(steps), err
}

// ProtocolStepField is a field shown on a step screen.
type ProtocolStepField struct {
	*Node
}

func newProtocolStepField(s *Session, el *etree.Element) *ProtocolStepField {
	return &ProtocolStepField{Node: NewNode(s, el)}
}

func (f *ProtocolStepField) Name() string     { return f.Attr("name") }
func (f *ProtocolStepField) Style() string    { return f.Attr("style") }
func (f *ProtocolStepField) AttachTo() string { return f.Attr("attach-to") }

var (
	stepConfigProperties  = LiteralDict{Path: "step-properties", Item: "step-property"}
	stepConfigIndex       = Subnode[float64]{Path: "protocol-step-index", Codec: codec.Numeric}
	stepConfigQueueFields = NestedList[*ProtocolStepField]{Container: "queue-fields", Item: "queue-field", New: newProtocolStepField}
	stepConfigStepFields  = NestedList[*ProtocolStepField]{Container: "step-fields", Item: "step-field", New: newProtocolStepField}
	stepConfigSampleFields = NestedList[*ProtocolStepField]{
		Container: "sample-fields",
		Item:      "sample-field",
		New:       newProtocolStepField,
	}
	stepConfigTriggers = DictList{
		Path:       "epp-triggers/epp-trigger",
		Attributes: []string{"status", "point", "type", "name"},
	}
	stepConfigTransitions = DictList{
		Path:       "transitions/transition",
		Attributes: []string{"name", "sequence", "next-step-uri"},
		OrderBy:    "sequence",
	}
	stepConfigReagentKits = LinkList[*ReagentKit]{
		Path:    "required-reagent-kits/reagent-kit",
		Factory: func(s *Session) *Factory[*ReagentKit] { return s.ReagentKits },
	}
	stepConfigControlTypes = LinkList[*ControlType]{
		Path:    "permitted-control-types/control-type",
		Factory: func(s *Session) *Factory[*ControlType] { return s.ControlTypes },
	}
	stepConfigContainers = LinkList[*ContainerType]{
		Path:    "permitted-containers/container-type",
		Factory: func(s *Session) *Factory[*ContainerType] { return s.ContainerTypes },
	}
)

// StepConfiguration is one step node of a protocol. It shares its
// protocol's document, so it is refreshed and saved through the protocol.
type StepConfiguration struct {
	*Element
	protocol    *Protocol
	processType *ProcessType
}

func newStepConfiguration(p *Protocol, node *etree.Element) *StepConfiguration {
	el := newElement(p.session, StepConfigurationKind, "", "", "")
	el.SetRoot(node)
	return &StepConfiguration{Element: el, protocol: p}
}

// Protocol returns the owning protocol.
func (c *StepConfiguration) Protocol() *Protocol { return c.protocol }

// Refresh always fails: refresh the protocol instead.
func (c *StepConfiguration) Refresh(context.Context) error {
	return NewUsageError("Unable to refresh step directly, use protocol")
}

// PutAndParse saves the owning protocol.
func (c *StepConfiguration) PutAndParse(ctx context.Context, alternateURI string) error {
	return c.protocol.PutAndParse(ctx, alternateURI)
}

// PostAndParse posts the owning protocol.
func (c *StepConfiguration) PostAndParse(ctx context.Context, alternateURI string) error {
	return c.protocol.PostAndParse(ctx, alternateURI)
}

// Commit saves the owning protocol.
func (c *StepConfiguration) Commit(ctx context.Context) error { return c.protocol.Commit(ctx) }

// Properties returns the step properties.
func (c *StepConfiguration) Properties(ctx context.Context) (*Dict, error) {
	return stepConfigProperties.Get(ctx, c)
}

// ProtocolStepIndex returns the one-based position in the protocol.
func (c *StepConfiguration) ProtocolStepIndex(ctx context.Context) (int, error) {
	n, err := stepConfigIndex.Get(ctx, c)
	return int(n), err
}

func (c *StepConfiguration) QueueFields(ctx context.Context) ([]*ProtocolStepField, error) {
	return fieldItems(ctx, c, stepConfigQueueFields)
}

func (c *StepConfiguration) StepFields(ctx context.Context) ([]*ProtocolStepField, error) {
	return fieldItems(ctx, c, stepConfigStepFields)
}

func (c *StepConfiguration) SampleFields(ctx context.Context) ([]*ProtocolStepField, error) {
	return fieldItems(ctx, c, stepConfigSampleFields)
}

func fieldItems(ctx context.Context, d Document, b NestedList[*ProtocolStepField]) ([]*ProtocolStepField, error) {
	l, err := b.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	return l.Items(), nil
}

// Triggers lists the automation triggers with status, point, type and name.
func (c *StepConfiguration) Triggers(ctx context.Context) ([]map[string]string, error) {
	return stepConfigTriggers.Get(ctx, c)
}

// Transitions lists the next-step transitions ordered by sequence.
func (c *StepConfiguration) Transitions(ctx context.Context) ([]map[string]string, error) {
	return stepConfigTransitions.Get(ctx, c)
}

// RequiredReagentKits returns the kits the step needs lots of.
func (c *StepConfiguration) RequiredReagentKits(ctx context.Context) ([]*ReagentKit, error) {
	return stepConfigReagentKits.Get(ctx, c)
}

// PermittedControlTypes returns the controls the step accepts.
func (c *StepConfiguration) PermittedControlTypes(ctx context.Context) ([]*ControlType, error) {
	return stepConfigControlTypes.Get(ctx, c)
}

// PermittedContainers returns the container types outputs may be placed in.
func (c *StepConfiguration) PermittedContainers(ctx context.Context) ([]*ContainerType, error) {
	return stepConfigContainers.Get(ctx, c)
}

// PermittedReagentCategories returns the reagent label categories.
func (c *StepConfiguration) PermittedReagentCategories(ctx context.Context) ([]string, error) {
	root, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, node := range xmltree.FindAll(root, "permitted-reagent-categories/reagent-category") {
		out = append(out, node.Text())
	}
	return out, nil
}

// ProcessType looks up the process type by its display name.
func (c *StepConfiguration) ProcessType(ctx context.Context) (*ProcessType, error) {
	if c.processType != nil {
		return c.processType, nil
	}
	root, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	name, _ := xmltree.Text(root, "process-type")
	results, err := c.session.ProcessTypes.Query(ctx, false, url.Values{"displayname": {name}})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, NewLookupError(ErrCodeNoMatchingElement, fmt.Sprintf("Process type '%s' not found in Clarity", name))
	}
	c.processType = results[0]
	return c.processType, nil
}

// Queue returns the queue of the step, which shares its id.
func (c *StepConfiguration) Queue() *Queue {
	return c.session.Queues.FromLimsID(c.LimsID())
}

// StepFactory serves steps. Links to processes resolve to the step with the
// same limsid.
type StepFactory struct {
	*Factory[*Step]
}

// GetByName returns the configuration of the named step of the named
// protocol.
func (f *StepFactory) GetByName(ctx context.Context, protocolName, stepName string) (*StepConfiguration, error) {
	protocol, err := f.session.Protocols.GetByName(ctx, protocolName)
	if err != nil {
		return nil, err
	}
	cfg, err := protocol.Step(ctx, stepName)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, NewLookupError(ErrCodeNoMatchingElement, fmt.Sprintf(
			"Step configuration for protocol %s and step %s could not be located.", protocolName, stepName))
	}
	return cfg, nil
}
