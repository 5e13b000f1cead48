package clarity

import (
	"context"
	"fmt"
)

var (
	// ProcessKind describes process records.
	ProcessKind = &Kind{Name: "Process", Tag: "{http://genologics.com/ri/process}process"}

	// ProcessTypeKind describes process type configurations.
	ProcessTypeKind = &Kind{Name: "ProcessType", Tag: "{http://genologics.com/ri/processtype}process-type"}
)

var (
	processTechnician = Link[*Researcher]{
		Path:     "technician",
		Factory:  func(s *Session) *Factory[*Researcher] { return s.Researchers },
		ReadOnly: true,
	}
	processType = Link[*ProcessType]{Path: "type", Factory: func(s *Session) *Factory[*ProcessType] { return s.ProcessTypes }}
)

// Process is the record of a step run: its IO maps, technician and fields.
type Process struct {
	*Element
	*FieldBearing
	*ioMapper
}

func newProcess(el *Element) *Process {
	p := &Process{Element: el}
	p.FieldBearing = newFieldBearing(el, ".", func(ctx context.Context) (AttachKey, error) {
		pt, err := p.ProcessType(ctx)
		if err != nil || pt == nil {
			return AttachKey{Category: "ProcessType"}, err
		}
		name, err := pt.Name(ctx)
		return AttachKey{Name: name, Category: "ProcessType"}, err
	})
	p.ioMapper = newIOMapper(el, "input-output-map", "output-type", p.sharedResultFileType)
	return p
}

// Technician returns the researcher who ran the process.
func (p *Process) Technician(ctx context.Context) (*Researcher, error) {
	return processTechnician.Get(ctx, p)
}

// ProcessType returns the process type.
func (p *Process) ProcessType(ctx context.Context) (*ProcessType, error) {
	return processType.Get(ctx, p)
}

// sharedResultFileType is the display name of the process type output that
// is a ResultFile generated once for all inputs.
func (p *Process) sharedResultFileType(ctx context.Context) (string, error) {
	pt, err := p.ProcessType(ctx)
	if err != nil || pt == nil {
		return "", err
	}
	outputs, err := pt.Outputs(ctx)
	if err != nil {
		return "", err
	}
	for _, out := range outputs {
		if out["artifact-type"] == "ResultFile" && out["output-generation-type"] == GenerationPerAllInputs {
			return out["display-name"], nil
		}
	}
	return "", nil
}

var (
	processTypeInputs     = DictList{Path: "process-input", Attributes: []string{"name"}}
	processTypeOutputs    = DictList{Path: "process-output", Attributes: []string{"name", "uri"}}
	processTypeParameters = DictList{Path: "parameter", Attributes: []string{"name"}}
)

// ProcessType is the configuration behind a step: its inputs, outputs and
// automation parameters.
type ProcessType struct {
	*Element
}

func newProcessType(el *Element) *ProcessType { return &ProcessType{Element: el} }

// Inputs describes the accepted input types.
func (p *ProcessType) Inputs(ctx context.Context) ([]map[string]string, error) {
	return processTypeInputs.Get(ctx, p)
}

// Outputs describes the generated outputs.
func (p *ProcessType) Outputs(ctx context.Context) ([]map[string]string, error) {
	return processTypeOutputs.Get(ctx, p)
}

// Parameters describes the automation parameters.
func (p *ProcessType) Parameters(ctx context.Context) ([]map[string]string, error) {
	return processTypeParameters.Get(ctx, p)
}

// Parameter returns the named parameter, or nil when there is none.
func (p *ProcessType) Parameter(ctx context.Context, name string) (map[string]string, error) {
	params, err := p.Parameters(ctx)
	if err != nil {
		return nil, err
	}
	var hit map[string]string
	for _, param := range params {
		if param["name"] != name {
			continue
		}
		if hit != nil {
			return nil, NewLookupError(ErrCodeMultipleMatchingElements,
				fmt.Sprintf("more than one parameter named '%s' found", name))
		}
		hit = param
	}
	return hit, nil
}
