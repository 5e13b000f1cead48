package clarity

import (
	"context"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// FieldTag is the tag of a user-defined field node.
const FieldTag = "{http://genologics.com/ri/userdefined}field"

// AttachKey identifies where a resource type's user-defined fields are
// configured.
type AttachKey struct {
	Name     string
	Category string
}

// Field is one user-defined field with its parsed value.
type Field struct {
	Name  string
	Type  codec.FieldType
	Value any
}

// Fields is the user-defined field map of one document. Values are parsed on
// first read and cached per node.
type Fields struct {
	owner  fmt.Stringer
	node   *etree.Element
	nodes  map[string]*etree.Element
	order  []string
	values map[*etree.Element]any
}

func newFields(owner fmt.Stringer, node *etree.Element) *Fields {
	f := &Fields{
		owner:  owner,
		node:   node,
		nodes:  make(map[string]*etree.Element),
		values: make(map[*etree.Element]any),
	}
	for _, sub := range xmltree.FindAll(node, FieldTag) {
		name, _ := xmltree.Attr(sub, "name")
		if _, dup := f.nodes[name]; !dup {
			f.order = append(f.order, name)
		}
		f.nodes[name] = sub
	}
	return f
}

// Len returns the number of fields.
func (f *Fields) Len() int { return len(f.nodes) }

// Names returns the field names in document order.
func (f *Fields) Names() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Contains reports whether a field node exists for name, even when empty.
func (f *Fields) Contains(name string) bool {
	_, ok := f.nodes[name]
	return ok
}

func (f *Fields) value(node *etree.Element) (any, error) {
	if v, ok := f.values[node]; ok {
		return v, nil
	}
	t, _ := xmltree.Attr(node, "type")
	if t == "" {
		t = string(codec.TypeString)
	}
	v, err := codec.Parse(codec.FieldType(t), node.Text())
	if err != nil {
		name, _ := xmltree.Attr(node, "name")
		return nil, NewUsageError(fmt.Sprintf("invalid value for UDF '%s' on %v", name, f.owner)).withCause(err)
	}
	f.values[node] = v
	return v, nil
}

// Lookup returns the parsed value and whether the field exists. A field
// that exists with empty non-text content has a nil value.
func (f *Fields) Lookup(name string) (any, bool, error) {
	node, ok := f.nodes[name]
	if !ok {
		return nil, false, nil
	}
	v, err := f.value(node)
	return v, true, err
}

// Get returns the parsed value. A missing field, or one whose value was
// deleted, is a lookup error.
func (f *Fields) Get(name string) (any, error) {
	v, ok, err := f.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok || v == nil {
		return nil, NewLookupError(ErrCodeMissingField, fmt.Sprintf("No UDF '%s' defined on %v.", name, f.owner))
	}
	return v, nil
}

// GetOr returns the parsed value, or def when the field is missing.
func (f *Fields) GetOr(name string, def any) (any, error) {
	v, ok, err := f.Lookup(name)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

// GetRaw returns the unparsed text, or def when the field is missing.
func (f *Fields) GetRaw(name, def string) string {
	node, ok := f.nodes[name]
	if !ok {
		return def
	}
	return node.Text()
}

// Type returns the declared type of a field.
func (f *Fields) Type(name string) (codec.FieldType, bool) {
	node, ok := f.nodes[name]
	if !ok {
		return "", false
	}
	t, _ := xmltree.Attr(node, "type")
	return codec.FieldType(t), true
}

// Set writes value, creating the field node when needed. The value should
// already have the field's Go type.
func (f *Fields) Set(name string, value any) error {
	text, err := codec.Format(value)
	if err != nil {
		return NewUsageError(fmt.Sprintf("can't set UDF '%s'", name)).withCause(err)
	}
	node, ok := f.nodes[name]
	if !ok {
		node = xmltree.CreateChild(f.node, FieldTag)
		node.CreateAttr("name", name)
		f.nodes[name] = node
		f.order = append(f.order, name)
	}
	node.SetText(text)
	f.values[node] = value
	return nil
}

// Delete sets the field to nil, which sends an empty value to the server.
// The node is kept.
func (f *Fields) Delete(name string) error {
	return f.Set(name, nil)
}

// Items returns every field with its parsed value, in document order.
func (f *Fields) Items() ([]Field, error) {
	out := make([]Field, 0, len(f.order))
	for _, name := range f.order {
		node := f.nodes[name]
		v, err := f.value(node)
		if err != nil {
			return nil, err
		}
		t, _ := xmltree.Attr(node, "type")
		out = append(out, Field{Name: name, Type: codec.FieldType(t), Value: v})
	}
	return out, nil
}

// FieldBearing gives an entity access to its user-defined fields. It is
// embedded by resource types next to their *Element.
type FieldBearing struct {
	el        *Element
	path      string
	attachKey func(context.Context) (AttachKey, error)
	fields    *Fields
}

func newFieldBearing(el *Element, path string, attachKey func(context.Context) (AttachKey, error)) *FieldBearing {
	fb := &FieldBearing{el: el, path: path, attachKey: attachKey}
	el.onRoot(fb.reset)
	return fb
}

func staticAttachKey(name, category string) func(context.Context) (AttachKey, error) {
	return func(context.Context) (AttachKey, error) {
		return AttachKey{Name: name, Category: category}, nil
	}
}

// reset drops the parsed field cache and rewrites comma decimal marks in
// numeric fields. Some server locales emit them but never accept them back.
func (fb *FieldBearing) reset(root *etree.Element) {
	fb.fields = nil
	path := FieldTag
	if fb.path != "" && fb.path != "." {
		path = strings.TrimPrefix(fb.path, "./") + "/" + FieldTag
	}
	for _, node := range xmltree.FindAll(root, path) {
		if t, _ := xmltree.Attr(node, "type"); t == string(codec.TypeNumeric) {
			node.SetText(codec.NormalizeDecimal(node.Text()))
		}
	}
}

// Fields returns the field map, hydrating the entity when it is a stub.
func (fb *FieldBearing) Fields(ctx context.Context) (*Fields, error) {
	root, err := fb.el.Root(ctx)
	if err != nil {
		return nil, err
	}
	if fb.fields == nil {
		node := root
		if fb.path != "" && fb.path != "." {
			node = xmltree.GetOrCreate(root, fb.path)
		}
		fb.fields = newFields(fb.el, node)
	}
	return fb.fields, nil
}

// GetField returns the parsed value of a field, or def when it is missing.
func (fb *FieldBearing) GetField(ctx context.Context, name string, def any) (any, error) {
	f, err := fb.Fields(ctx)
	if err != nil {
		return nil, err
	}
	return f.GetOr(name, def)
}

// Field returns the parsed value of a field, failing when it is missing.
func (fb *FieldBearing) Field(ctx context.Context, name string) (any, error) {
	f, err := fb.Fields(ctx)
	if err != nil {
		return nil, err
	}
	return f.Get(name)
}

// GetRawField returns the unparsed text of a field, or def when missing.
func (fb *FieldBearing) GetRawField(ctx context.Context, name, def string) (string, error) {
	f, err := fb.Fields(ctx)
	if err != nil {
		return "", err
	}
	return f.GetRaw(name, def), nil
}

// SetField writes a field value.
func (fb *FieldBearing) SetField(ctx context.Context, name string, value any) error {
	f, err := fb.Fields(ctx)
	if err != nil {
		return err
	}
	return f.Set(name, value)
}

// DeleteField clears a field value.
func (fb *FieldBearing) DeleteField(ctx context.Context, name string) error {
	return fb.SetField(ctx, name, nil)
}

// HasField reports whether a field node exists.
func (fb *FieldBearing) HasField(ctx context.Context, name string) (bool, error) {
	f, err := fb.Fields(ctx)
	if err != nil {
		return false, err
	}
	return f.Contains(name), nil
}

// FieldType returns the declared type of a field, or "" when missing.
func (fb *FieldBearing) FieldType(ctx context.Context, name string) (codec.FieldType, error) {
	f, err := fb.Fields(ctx)
	if err != nil {
		return "", err
	}
	t, _ := f.Type(name)
	return t, nil
}

// FieldNames returns the names of every field present.
func (fb *FieldBearing) FieldNames(ctx context.Context) ([]string, error) {
	f, err := fb.Fields(ctx)
	if err != nil {
		return nil, err
	}
	return f.Names(), nil
}

// AttachKey returns the key the entity's field configuration is stored under.
func (fb *FieldBearing) AttachKey(ctx context.Context) (AttachKey, error) {
	if fb.attachKey == nil {
		return AttachKey{}, NewUsageError(fmt.Sprintf("%v has no UDF attach-to key", fb.el))
	}
	return fb.attachKey(ctx)
}

// UdfConfig returns the configuration of a field.
func (fb *FieldBearing) UdfConfig(ctx context.Context, name string) (*UdfConfig, error) {
	key, err := fb.AttachKey(ctx)
	if err != nil {
		return nil, err
	}
	return fb.el.session.UdfLookup().Lookup(ctx, key.Name, key.Category, name)
}

// FormattedNumber returns a numeric field rendered with the precision of its
// configuration, or def when the field has no value.
func (fb *FieldBearing) FormattedNumber(ctx context.Context, name, def string) (string, error) {
	v, err := fb.GetField(ctx, name, nil)
	if err != nil {
		return "", err
	}
	if v == nil {
		return def, nil
	}
	cfg, err := fb.UdfConfig(ctx, name)
	if err != nil {
		return "", err
	}
	t, err := cfg.FieldType(ctx)
	if err != nil {
		return "", err
	}
	n, ok := v.(float64)
	if t != codec.TypeNumeric || !ok {
		return "", NewUsageError(fmt.Sprintf("'%s' can not be formatted with a precision, as it is non-numeric.", name))
	}
	precision, err := cfg.Precision(ctx)
	if err != nil {
		return "", err
	}
	return codec.FormatPrecision(n, precision), nil
}
