package clarity

import (
	"context"
	"fmt"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// GenerationPerAllInputs is the generation type of outputs shared by every
// input of a step.
const GenerationPerAllInputs = "PerAllInputs"

// IOMap pairs inputs with the outputs generated from them. Outside of
// pooling there is exactly one input; when pooling there is exactly one
// output.
type IOMap struct {
	Inputs  []*Artifact
	Outputs []*Artifact
}

// Input returns the single input.
func (m *IOMap) Input() (*Artifact, error) {
	if len(m.Inputs) != 1 {
		return nil, NewUsageError(fmt.Sprintf("Too many inputs (%d) to get single input", len(m.Inputs)))
	}
	return m.Inputs[0], nil
}

// Output returns the single output.
func (m *IOMap) Output() (*Artifact, error) {
	if len(m.Outputs) != 1 {
		return nil, NewUsageError(fmt.Sprintf("Too many outputs (%d) to get single output", len(m.Outputs)))
	}
	return m.Outputs[0], nil
}

// IOMaps is the parsed input/output mapping of a step or process.
type IOMaps struct {
	Maps          []*IOMap
	Inputs        []*Artifact
	Outputs       []*Artifact
	SharedOutputs []*Artifact

	byInput  map[*Artifact][]*Artifact
	byOutput map[*Artifact][]*Artifact
}

// OutputsOf returns the outputs generated from input, shared outputs excluded.
func (m *IOMaps) OutputsOf(input *Artifact) []*Artifact { return m.byInput[input] }

// InputsOf returns the inputs an output was generated from.
func (m *IOMaps) InputsOf(output *Artifact) []*Artifact { return m.byOutput[output] }

// IsPooling reports whether any output has more than one input.
func (m *IOMaps) IsPooling() bool {
	for _, inputs := range m.byOutput {
		if len(inputs) > 1 {
			return true
		}
	}
	return false
}

func buildIOMaps(s *Session, nodes []*etree.Element, outputTypeAttr, sharedType string) *IOMaps {
	m := &IOMaps{
		byInput:  make(map[*Artifact][]*Artifact),
		byOutput: make(map[*Artifact][]*Artifact),
	}
	shared := make(map[*Artifact]bool)

	for _, node := range nodes {
		input := s.Artifacts.FromLinkNode(xmltree.Find(node, "input"))
		if input == nil {
			continue
		}
		if _, seen := m.byInput[input]; !seen {
			m.byInput[input] = nil
			m.Inputs = append(m.Inputs, input)
		}

		outNode := xmltree.Find(node, "output")
		output := s.Artifacts.FromLinkNode(outNode)
		if output == nil {
			continue
		}
		artifactType, _ := xmltree.Attr(outNode, outputTypeAttr)
		generation, _ := xmltree.Attr(outNode, "output-generation-type")
		if generation == GenerationPerAllInputs && artifactType == sharedType {
			if !shared[output] {
				shared[output] = true
				m.SharedOutputs = append(m.SharedOutputs, output)
			}
			continue
		}
		m.byInput[input] = append(m.byInput[input], output)
		if _, seen := m.byOutput[output]; !seen {
			m.Outputs = append(m.Outputs, output)
		}
		m.byOutput[output] = append(m.byOutput[output], input)
	}

	if m.IsPooling() {
		for _, output := range m.Outputs {
			m.Maps = append(m.Maps, &IOMap{Inputs: m.byOutput[output], Outputs: []*Artifact{output}})
		}
	} else {
		for _, input := range m.Inputs {
			m.Maps = append(m.Maps, &IOMap{Inputs: []*Artifact{input}, Outputs: m.byInput[input]})
		}
	}
	return m
}

// ioMapper parses and caches the IO maps of an element. The cache is dropped
// whenever the document is replaced.
type ioMapper struct {
	el             *Element
	path           string
	outputTypeAttr string
	sharedType     func(context.Context) (string, error)
	maps           *IOMaps
}

func newIOMapper(el *Element, path, outputTypeAttr string, sharedType func(context.Context) (string, error)) *ioMapper {
	m := &ioMapper{el: el, path: path, outputTypeAttr: outputTypeAttr, sharedType: sharedType}
	el.onRoot(func(*etree.Element) { m.maps = nil })
	return m
}

// IOMaps returns the parsed input/output mapping.
func (m *ioMapper) IOMaps(ctx context.Context) (*IOMaps, error) {
	root, err := m.el.Root(ctx)
	if err != nil {
		return nil, err
	}
	if m.maps == nil {
		shared, err := m.sharedType(ctx)
		if err != nil {
			return nil, err
		}
		m.maps = buildIOMaps(m.el.session, xmltree.FindAll(root, m.path), m.outputTypeAttr, shared)
	}
	return m.maps, nil
}

// Inputs returns the distinct inputs in document order.
func (m *ioMapper) Inputs(ctx context.Context) ([]*Artifact, error) {
	maps, err := m.IOMaps(ctx)
	if err != nil {
		return nil, err
	}
	return maps.Inputs, nil
}

// Outputs returns the distinct per-input outputs in document order.
func (m *ioMapper) Outputs(ctx context.Context) ([]*Artifact, error) {
	maps, err := m.IOMaps(ctx)
	if err != nil {
		return nil, err
	}
	return maps.Outputs, nil
}

// SharedOutputs returns the outputs shared by all inputs.
func (m *ioMapper) SharedOutputs(ctx context.Context) ([]*Artifact, error) {
	maps, err := m.IOMaps(ctx)
	if err != nil {
		return nil, err
	}
	return maps.SharedOutputs, nil
}
