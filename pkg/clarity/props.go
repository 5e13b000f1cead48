package clarity

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// Bindings map a property to a location inside a Document. They are declared
// once per resource type as package-level values and evaluated against an
// instance on every access, so the document stays the single source of truth.

func readOnlyError(d Document, name string) error {
	return NewUsageError(fmt.Sprintf("%v.%s is a read-only property.", d, name)).WithCode(ErrCodeReadOnly)
}

// Attr binds a typed value to an attribute of the root element.
type Attr[T any] struct {
	Name     string
	Codec    codec.Codec[T]
	ReadOnly bool
}

// Lookup returns the value and whether the attribute is present.
func (b Attr[T]) Lookup(ctx context.Context, d Document) (T, bool, error) {
	var zero T
	root, err := d.Root(ctx)
	if err != nil {
		return zero, false, err
	}
	s, ok := xmltree.Attr(root, b.Name)
	if !ok {
		return zero, false, nil
	}
	v, err := b.Codec.Parse(s)
	if err != nil {
		return zero, true, NewUsageError(fmt.Sprintf("attribute %s", b.Name)).withCause(err)
	}
	return v, true, nil
}

// Get returns the value, or the zero value when the attribute is absent.
func (b Attr[T]) Get(ctx context.Context, d Document) (T, error) {
	v, _, err := b.Lookup(ctx, d)
	return v, err
}

// Set writes the attribute.
func (b Attr[T]) Set(ctx context.Context, d Document, v T) error {
	if b.ReadOnly {
		return readOnlyError(d, b.Name)
	}
	root, err := d.Root(ctx)
	if err != nil {
		return err
	}
	root.CreateAttr(b.Name, b.Codec.Format(v))
	return nil
}

// Clear removes the attribute entirely.
func (b Attr[T]) Clear(ctx context.Context, d Document) error {
	if b.ReadOnly {
		return readOnlyError(d, b.Name)
	}
	root, err := d.Root(ctx)
	if err != nil {
		return err
	}
	root.RemoveAttr(b.Name)
	return nil
}

// Subnode binds a typed value to the text of a descendant element.
type Subnode[T any] struct {
	Path     string
	Codec    codec.Codec[T]
	ReadOnly bool
}

// Lookup returns the value and whether the sub-node exists with text.
func (b Subnode[T]) Lookup(ctx context.Context, d Document) (T, bool, error) {
	var zero T
	root, err := d.Root(ctx)
	if err != nil {
		return zero, false, err
	}
	s, ok := xmltree.Text(root, b.Path)
	if !ok {
		return zero, false, nil
	}
	if s == "" && b.Codec.Type() != codec.TypeString && b.Codec.Type() != codec.TypeText && b.Codec.Type() != codec.TypeURI {
		return zero, false, nil
	}
	v, err := b.Codec.Parse(s)
	if err != nil {
		return zero, true, NewUsageError(fmt.Sprintf("sub-node %s", b.Path)).withCause(err)
	}
	return v, true, nil
}

// Get returns the value, or the zero value when the sub-node is absent.
func (b Subnode[T]) Get(ctx context.Context, d Document) (T, error) {
	v, _, err := b.Lookup(ctx, d)
	return v, err
}

// Set writes the sub-node text, creating the node and its parents.
func (b Subnode[T]) Set(ctx context.Context, d Document, v T) error {
	if b.ReadOnly {
		return readOnlyError(d, b.Path)
	}
	root, err := d.Root(ctx)
	if err != nil {
		return err
	}
	xmltree.SetText(root, b.Path, b.Codec.Format(v))
	return nil
}

// Clear empties the sub-node text. The node itself is kept.
func (b Subnode[T]) Clear(ctx context.Context, d Document) error {
	if b.ReadOnly {
		return readOnlyError(d, b.Path)
	}
	root, err := d.Root(ctx)
	if err != nil {
		return err
	}
	if node := xmltree.Find(root, b.Path); node != nil {
		node.SetText("")
	}
	return nil
}

// Link binds a sub-node carrying uri/limsid/name attributes to another
// entity. Resolution goes through the target factory's cache and never
// fetches.
type Link[T Entity] struct {
	Path     string
	Factory  func(*Session) *Factory[T]
	ReadOnly bool

	// Attributes copied from the target on Set. Defaults to limsid and uri.
	Attributes []string
}

// Get resolves the link. It returns the zero value when the node is absent.
func (b Link[T]) Get(ctx context.Context, d Document) (T, error) {
	var zero T
	root, err := d.Root(ctx)
	if err != nil {
		return zero, err
	}
	return b.Factory(d.Session()).FromLinkNode(xmltree.Find(root, b.Path)), nil
}

// Set points the link at target.
func (b Link[T]) Set(ctx context.Context, d Document, target T) error {
	if b.ReadOnly {
		return readOnlyError(d, b.Path)
	}
	root, err := d.Root(ctx)
	if err != nil {
		return err
	}
	node := xmltree.GetOrCreate(root, b.Path)
	attrs := b.Attributes
	if len(attrs) == 0 {
		attrs = []string{"limsid", "uri"}
	}
	base := target.Base()
	for _, attr := range attrs {
		var value string
		switch attr {
		case "uri":
			value = base.URI()
		case "limsid":
			value = base.LimsID()
		case "name":
			value = base.localName()
		}
		if value != "" {
			node.CreateAttr(attr, value)
		}
	}
	return nil
}

// LinkList binds repeated link nodes to a list of entities.
type LinkList[T Entity] struct {
	Path    string
	Factory func(*Session) *Factory[T]
}

// Get resolves every link in document order.
func (b LinkList[T]) Get(ctx context.Context, d Document) ([]T, error) {
	root, err := d.Root(ctx)
	if err != nil {
		return nil, err
	}
	return b.Factory(d.Session()).FromLinkNodes(xmltree.FindAll(root, b.Path)), nil
}

// Wrapped is a value backed by an element sub-tree.
type Wrapped interface {
	XMLRoot() *etree.Element
}

// Nested binds a sub-tree to a wrapped type.
type Nested[T Wrapped] struct {
	Path     string
	New      func(*Session, *etree.Element) T
	ReadOnly bool
}

// Get wraps the sub-tree, creating an empty one when absent.
func (b Nested[T]) Get(ctx context.Context, d Document) (T, error) {
	var zero T
	root, err := d.Root(ctx)
	if err != nil {
		return zero, err
	}
	return b.New(d.Session(), xmltree.GetOrCreate(root, b.Path)), nil
}

// Set replaces the sub-tree with v's element.
func (b Nested[T]) Set(ctx context.Context, d Document, v T) error {
	if b.ReadOnly {
		return readOnlyError(d, b.Path)
	}
	root, err := d.Root(ctx)
	if err != nil {
		return err
	}
	xmltree.Remove(root, b.Path)
	root.AddChild(v.XMLRoot())
	return nil
}

// NestedList binds a container of repeated items to an ElementList.
type NestedList[T Wrapped] struct {
	Container string
	Item      string
	New       func(*Session, *etree.Element) T
	ReadOnly  bool
}

// Get materializes the list. Mutations edit the document in place.
func (b NestedList[T]) Get(ctx context.Context, d Document) (*ElementList[T], error) {
	root, err := d.Root(ctx)
	if err != nil {
		return nil, err
	}
	l := &ElementList[T]{binding: b, doc: d, root: root}
	if container := xmltree.Find(root, b.Container); container != nil {
		for _, node := range xmltree.FindAll(container, b.Item) {
			l.items = append(l.items, b.New(d.Session(), node))
		}
	}
	return l, nil
}

// ElementList is an order-preserving view over repeated sub-elements.
type ElementList[T Wrapped] struct {
	binding NestedList[T]
	doc     Document
	root    *etree.Element
	items   []T
}

// Len returns the number of items.
func (l *ElementList[T]) Len() int { return len(l.items) }

// At returns item i.
func (l *ElementList[T]) At(i int) T { return l.items[i] }

// Items returns a copy of the items.
func (l *ElementList[T]) Items() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

func (l *ElementList[T]) container() *etree.Element {
	return xmltree.GetOrCreate(l.root, l.binding.Container)
}

func (l *ElementList[T]) check() error {
	if l.binding.ReadOnly {
		return readOnlyError(l.doc, l.binding.Item)
	}
	return nil
}

// Append adds v at the end.
func (l *ElementList[T]) Append(v T) error {
	return l.Insert(len(l.items), v)
}

// Insert places v before item i. An index past the end appends.
func (l *ElementList[T]) Insert(i int, v T) error {
	if err := l.check(); err != nil {
		return err
	}
	c := l.container()
	switch {
	case i < len(l.items):
		c.InsertChildAt(l.items[i].XMLRoot().Index(), v.XMLRoot())
		l.items = append(l.items[:i], append([]T{v}, l.items[i:]...)...)
	default:
		if n := len(l.items); n > 0 {
			c.InsertChildAt(l.items[n-1].XMLRoot().Index()+1, v.XMLRoot())
		} else {
			c.AddChild(v.XMLRoot())
		}
		l.items = append(l.items, v)
	}
	return nil
}

// Set replaces item i.
func (l *ElementList[T]) Set(i int, v T) error {
	if err := l.check(); err != nil {
		return err
	}
	c := l.container()
	idx := l.items[i].XMLRoot().Index()
	c.RemoveChildAt(idx)
	c.InsertChildAt(idx, v.XMLRoot())
	l.items[i] = v
	return nil
}

// Delete removes item i.
func (l *ElementList[T]) Delete(i int) error {
	if err := l.check(); err != nil {
		return err
	}
	if c := xmltree.Find(l.root, l.binding.Container); c != nil {
		c.RemoveChild(l.items[i].XMLRoot())
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return nil
}

// LiteralDict binds repeated {name, value} sub-nodes to a string map.
type LiteralDict struct {
	Path      string
	Item      string
	NameAttr  string
	ValueAttr string
	ReadOnly  bool
}

// Get returns the dictionary view, creating the container node when absent.
func (b LiteralDict) Get(ctx context.Context, d Document) (*Dict, error) {
	root, err := d.Root(ctx)
	if err != nil {
		return nil, err
	}
	nameAttr, valueAttr := b.NameAttr, b.ValueAttr
	if nameAttr == "" {
		nameAttr = "name"
	}
	if valueAttr == "" {
		valueAttr = "value"
	}
	return &Dict{
		top:       xmltree.GetOrCreate(root, b.Path),
		item:      b.Item,
		nameAttr:  nameAttr,
		valueAttr: valueAttr,
		readOnly:  b.ReadOnly,
		owner:     d,
	}, nil
}

// Dict is a string map stored as attributes of repeated sub-nodes.
type Dict struct {
	top       *etree.Element
	item      string
	nameAttr  string
	valueAttr string
	readOnly  bool
	owner     Document
}

func (m *Dict) node(key string) *etree.Element {
	for _, n := range xmltree.FindAll(m.top, m.item) {
		if k, _ := xmltree.Attr(n, m.nameAttr); k == key {
			return n
		}
	}
	return nil
}

// Keys returns the keys in document order.
func (m *Dict) Keys() []string {
	var keys []string
	for _, n := range xmltree.FindAll(m.top, m.item) {
		k, _ := xmltree.Attr(n, m.nameAttr)
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries.
func (m *Dict) Len() int { return len(xmltree.FindAll(m.top, m.item)) }

// Lookup returns the value for key and whether it exists.
func (m *Dict) Lookup(key string) (string, bool) {
	n := m.node(key)
	if n == nil {
		return "", false
	}
	v, _ := xmltree.Attr(n, m.valueAttr)
	return v, true
}

// Get returns the value for key or a lookup error when missing.
func (m *Dict) Get(key string) (string, error) {
	v, ok := m.Lookup(key)
	if !ok {
		return "", NewLookupError(ErrCodeNoMatchingElement, fmt.Sprintf("no entry '%s'", key))
	}
	return v, nil
}

// Set writes key, creating the entry when needed.
func (m *Dict) Set(key, value string) error {
	if m.readOnly {
		return readOnlyError(m.owner, m.item)
	}
	n := m.node(key)
	if n == nil {
		n = xmltree.CreateChild(m.top, m.item)
		n.CreateAttr(m.nameAttr, key)
	}
	n.CreateAttr(m.valueAttr, value)
	return nil
}

// Delete removes key or returns a lookup error when missing.
func (m *Dict) Delete(key string) error {
	if m.readOnly {
		return readOnlyError(m.owner, m.item)
	}
	n := m.node(key)
	if n == nil {
		return NewLookupError(ErrCodeNoMatchingElement, fmt.Sprintf("no entry '%s'", key))
	}
	m.top.RemoveChild(n)
	return nil
}

// Map copies the entries into a map.
func (m *Dict) Map() map[string]string {
	out := make(map[string]string)
	for _, k := range m.Keys() {
		out[k], _ = m.Lookup(k)
	}
	return out
}

// DictList binds repeated sub-nodes to a list of maps built from the listed
// attributes and the text of leaf children.
type DictList struct {
	Path       string
	Attributes []string

	// OrderBy sorts the result numerically on this key when set.
	OrderBy string
}

// Get builds the list.
func (b DictList) Get(ctx context.Context, d Document) ([]map[string]string, error) {
	root, err := d.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []map[string]string
	for _, node := range xmltree.FindAll(root, b.Path) {
		entry := make(map[string]string)
		for _, child := range node.ChildElements() {
			if len(child.ChildElements()) == 0 {
				entry[child.Tag] = child.Text()
			}
		}
		for _, attr := range b.Attributes {
			if v, ok := xmltree.Attr(node, attr); ok {
				entry[attr] = v
			}
		}
		out = append(out, entry)
	}
	if b.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := strconv.Atoi(out[i][b.OrderBy])
			c, _ := strconv.Atoi(out[j][b.OrderBy])
			return a < c
		})
	}
	return out, nil
}
