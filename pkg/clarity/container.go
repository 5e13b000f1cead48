package clarity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

var (
	// ContainerKind describes containers.
	ContainerKind = &Kind{Name: "Container", Tag: "{http://genologics.com/ri/container}container"}

	// ContainerTypeKind describes container types. The plural of the
	// collection is "containertypes".
	ContainerTypeKind = &Kind{Name: "ContainerType", Tag: "{http://genologics.com/ri/containertype}container-type"}
)

// ContainerDimension is one axis of a container type.
type ContainerDimension struct {
	*Node
}

func newContainerDimension(s *Session, el *etree.Element) *ContainerDimension {
	return &ContainerDimension{Node: NewNode(s, el)}
}

// IsAlpha reports whether labels are letters.
func (d *ContainerDimension) IsAlpha() bool { return codec.ParseBoolean(d.Text("is-alpha")) }

// Offset returns the first label's index.
func (d *ContainerDimension) Offset() int { return d.number("offset") }

// Size returns the number of positions.
func (d *ContainerDimension) Size() int { return d.number("size") }

func (d *ContainerDimension) number(path string) int {
	v, err := codec.ParseNumeric(d.Text(path))
	if err != nil {
		return 0
	}
	return int(v)
}

// Labels returns every label along the axis in order.
func (d *ContainerDimension) Labels() []string {
	start, end := d.Offset(), d.Offset()+d.Size()
	labels := make([]string, 0, d.Size())
	for i := start; i < end; i++ {
		if d.IsAlpha() {
			labels = append(labels, string(rune('A'+i)))
		} else {
			labels = append(labels, strconv.Itoa(i))
		}
	}
	return labels
}

// AsIndex converts a label to its zero-based index.
func (d *ContainerDimension) AsIndex(label string) (int, error) {
	if label == "" {
		return 0, NewUsageError("empty well label").WithCode(ErrCodeInvalidArgument)
	}
	if n, err := strconv.Atoi(label); err == nil {
		return n - d.Offset(), nil
	}
	return int(label[0]) - 'A' - d.Offset(), nil
}

// AsLabel converts a zero-based index to its label.
func (d *ContainerDimension) AsLabel(index int) string {
	if d.IsAlpha() {
		return string(rune('A' + index + d.Offset()))
	}
	return strconv.Itoa(index + d.Offset())
}

var (
	containerTypeIsTube = Subnode[bool]{Path: "is-tube", Codec: codec.Boolean}
	containerTypeX      = Nested[*ContainerDimension]{Path: "x-dimension", New: newContainerDimension}
	containerTypeY      = Nested[*ContainerDimension]{Path: "y-dimension", New: newContainerDimension}
)

// ContainerType is a container layout. The y dimension labels rows and the
// x dimension labels columns; wells are written "row:column".
type ContainerType struct {
	*Element
}

func newContainerType(el *Element) *ContainerType { return &ContainerType{Element: el} }

// IsTube reports whether the type is a single-well tube.
func (c *ContainerType) IsTube(ctx context.Context) (bool, error) {
	return containerTypeIsTube.Get(ctx, c)
}

// XDimension returns the column axis.
func (c *ContainerType) XDimension(ctx context.Context) (*ContainerDimension, error) {
	return containerTypeX.Get(ctx, c)
}

// YDimension returns the row axis.
func (c *ContainerType) YDimension(ctx context.Context) (*ContainerDimension, error) {
	return containerTypeY.Get(ctx, c)
}

func (c *ContainerType) dimensions(ctx context.Context) (*ContainerDimension, *ContainerDimension, error) {
	y, err := c.YDimension(ctx)
	if err != nil {
		return nil, nil, err
	}
	x, err := c.XDimension(ctx)
	if err != nil {
		return nil, nil, err
	}
	return y, x, nil
}

// WellToRC converts a well such as "B:4" to zero-based row and column
// indexes, here (1, 3).
func (c *ContainerType) WellToRC(ctx context.Context, well string) (int, int, error) {
	y, x, err := c.dimensions(ctx)
	if err != nil {
		return 0, 0, err
	}
	row, col, ok := strings.Cut(well, ":")
	if !ok {
		return 0, 0, NewUsageError(fmt.Sprintf("invalid well position '%s'", well)).WithCode(ErrCodeInvalidArgument)
	}
	r, err := y.AsIndex(row)
	if err != nil {
		return 0, 0, err
	}
	cIdx, err := x.AsIndex(col)
	if err != nil {
		return 0, 0, err
	}
	return r, cIdx, nil
}

// RCToWell converts zero-based row and column indexes to a well.
func (c *ContainerType) RCToWell(ctx context.Context, row, col int) (string, error) {
	y, x, err := c.dimensions(ctx)
	if err != nil {
		return "", err
	}
	return y.AsLabel(row) + ":" + x.AsLabel(col), nil
}

// UnavailableWells returns the wells that cannot hold an artifact.
func (c *ContainerType) UnavailableWells(ctx context.Context) (map[string]bool, error) {
	root, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, node := range xmltree.FindAll(root, "unavailable-well") {
		out[node.Text()] = true
	}
	return out, nil
}

// RowMajorWells returns the available wells row by row.
func (c *ContainerType) RowMajorWells(ctx context.Context) ([]string, error) {
	return c.orderedWells(ctx, true)
}

// ColumnMajorWells returns the available wells column by column.
func (c *ContainerType) ColumnMajorWells(ctx context.Context) ([]string, error) {
	return c.orderedWells(ctx, false)
}

func (c *ContainerType) orderedWells(ctx context.Context, rowMajor bool) ([]string, error) {
	y, x, err := c.dimensions(ctx)
	if err != nil {
		return nil, err
	}
	unavailable, err := c.UnavailableWells(ctx)
	if err != nil {
		return nil, err
	}
	outer, inner := y.Labels(), x.Labels()
	if !rowMajor {
		outer, inner = inner, outer
	}
	var wells []string
	for _, a := range outer {
		for _, b := range inner {
			well := a + ":" + b
			if !rowMajor {
				well = b + ":" + a
			}
			if !unavailable[well] {
				wells = append(wells, well)
			}
		}
	}
	return wells, nil
}

// TotalCapacity returns the number of available wells.
func (c *ContainerType) TotalCapacity(ctx context.Context) (int, error) {
	y, x, err := c.dimensions(ctx)
	if err != nil {
		return 0, err
	}
	unavailable, err := c.UnavailableWells(ctx)
	if err != nil {
		return 0, err
	}
	return len(y.Labels())*len(x.Labels()) - len(unavailable), nil
}

var (
	containerType = Link[*ContainerType]{
		Path:       "type",
		Factory:    func(s *Session) *Factory[*ContainerType] { return s.ContainerTypes },
		Attributes: []string{"name", "uri"},
	}
	containerOccupiedWells = Subnode[float64]{Path: "occupied-wells", Codec: codec.Numeric, ReadOnly: true}
	containerState         = Subnode[string]{Path: "state", Codec: codec.String, ReadOnly: true}
)

// Container is a plate or tube holding artifacts.
type Container struct {
	*Element
	*FieldBearing
}

func newContainer(el *Element) *Container {
	return &Container{Element: el, FieldBearing: newFieldBearing(el, ".", staticAttachKey("Container", ""))}
}

// ContainerType returns the container's type.
func (c *Container) ContainerType(ctx context.Context) (*ContainerType, error) {
	return containerType.Get(ctx, c)
}

// SetContainerType sets the type of a new container.
func (c *Container) SetContainerType(ctx context.Context, t *ContainerType) error {
	return containerType.Set(ctx, c, t)
}

// TypeName returns the type name from the link without fetching the type.
func (c *Container) TypeName(ctx context.Context) (string, error) {
	root, err := c.Root(ctx)
	if err != nil {
		return "", err
	}
	name, _ := xmltree.Attr(xmltree.Find(root, "type"), "name")
	return name, nil
}

// OccupiedWells returns the number of filled wells.
func (c *Container) OccupiedWells(ctx context.Context) (int, error) {
	n, err := containerOccupiedWells.Get(ctx, c)
	return int(n), err
}

// State returns the server-managed state, e.g. "Populated".
func (c *Container) State(ctx context.Context) (string, error) { return containerState.Get(ctx, c) }

// Placements maps each occupied well to its artifact.
func (c *Container) Placements(ctx context.Context) (map[string]*Artifact, error) {
	root, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Artifact)
	for _, node := range xmltree.FindAll(root, "placement") {
		well, _ := xmltree.Text(node, "value")
		if a := c.session.Artifacts.FromLinkNode(node); a != nil {
			out[well] = a
		}
	}
	return out, nil
}

// ArtifactAt returns the artifact in well.
func (c *Container) ArtifactAt(ctx context.Context, well string) (*Artifact, error) {
	placements, err := c.Placements(ctx)
	if err != nil {
		return nil, err
	}
	a, ok := placements[well]
	if !ok {
		return nil, NewLookupError(ErrCodeNoMatchingElement,
			fmt.Sprintf("Container '%s' has no artifact at '%s'.", c.localName(), well))
	}
	return a, nil
}
