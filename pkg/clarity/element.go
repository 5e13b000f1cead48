package clarity

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// Kind describes one resource type of the REST API.
type Kind struct {
	// Name is the type name used in messages, e.g. "Artifact".
	Name string

	// Tag is the qualified root tag of the resource document.
	Tag string

	// CreationTag replaces Tag for documents built with Factory.New.
	CreationTag string
}

// LocalTag returns the tag without its namespace.
func (k *Kind) LocalTag() string {
	return xmltree.ParseName(k.Tag).Local
}

// DetailsTag returns the wrapper tag for batch update and create payloads.
func (k *Kind) DetailsTag() string {
	return batchTagPattern.ReplaceAllString(k.Tag, "}details")
}

// Document is anything backed by a document tree: entities and nested
// wrapped elements.
type Document interface {
	Session() *Session

	// Root returns the backing document, fetching it first if the entity
	// is a stub.
	Root(ctx context.Context) (*etree.Element, error)
}

// Entity is a URI-addressed resource managed by a Factory.
type Entity interface {
	Document
	Base() *Element
}

// Element is the base of every entity: identity plus an optional backing
// document. Without a document the element is a stub.
type Element struct {
	session *Session
	kind    *Kind
	uri     string
	limsid  string
	name    string
	hasName bool
	root    *etree.Element

	// rootHooks run whenever the document is replaced.
	rootHooks []func(*etree.Element)
}

func newElement(s *Session, kind *Kind, uri, name, limsid string) *Element {
	return &Element{
		session: s,
		kind:    kind,
		uri:     uri,
		limsid:  limsid,
		name:    name,
		hasName: name != "",
	}
}

// Base returns the element itself.
func (e *Element) Base() *Element { return e }

// Session returns the owning session.
func (e *Element) Session() *Session { return e.session }

// Kind returns the resource type.
func (e *Element) Kind() *Kind { return e.kind }

// URI returns the resource URI, or "" before the element is persisted.
func (e *Element) URI() string { return e.uri }

// LimsID returns the short identifier: the last URI segment, else the
// limsid attribute of the document.
func (e *Element) LimsID() string {
	if e.limsid != "" {
		return e.limsid
	}
	if e.uri != "" {
		e.limsid = lastSegment(e.uri)
		return e.limsid
	}
	if e.root != nil {
		id, _ := xmltree.Attr(e.root, "limsid")
		e.limsid = id
	}
	return e.limsid
}

// IsHydrated reports whether the document is loaded.
func (e *Element) IsHydrated() bool { return e.root != nil }

// XMLRoot returns the current document without fetching. It is nil for stubs.
func (e *Element) XMLRoot() *etree.Element { return e.root }

// SetRoot replaces the backing document. The URI is taken from the document
// when unset, and the cached name always follows the document's name
// attribute.
func (e *Element) SetRoot(root *etree.Element) {
	e.root = root
	if root == nil {
		return
	}
	if e.uri == "" {
		if uri, ok := xmltree.Attr(root, "uri"); ok {
			e.uri = stripParams(uri)
		}
	}
	e.name, e.hasName = xmltree.Attr(root, "name")
	for _, hook := range e.rootHooks {
		hook(root)
	}
}

func (e *Element) onRoot(hook func(*etree.Element)) {
	e.rootHooks = append(e.rootHooks, hook)
}

// Root returns the document, fetching it when the element is a stub.
func (e *Element) Root(ctx context.Context) (*etree.Element, error) {
	if e.root != nil {
		return e.root, nil
	}
	if e.uri == "" {
		return nil, NewUsageError(fmt.Sprintf("Unable to fetch a new XML root for %s without a uri.", e)).
			WithCode(ErrCodeNoURI)
	}
	if err := e.Refresh(ctx); err != nil {
		return nil, err
	}
	if e.root == nil {
		return nil, NewUsageError(fmt.Sprintf("%s returned an empty document.", e.uri)).
			WithCode(ErrCodeEmptyDocument).WithResource(e.uri)
	}
	return e.root, nil
}

// Refresh replaces the document with a fresh GET of the URI.
func (e *Element) Refresh(ctx context.Context) error {
	if e.uri == "" {
		return NewUsageError(fmt.Sprintf("Unable to refresh %s without a uri.", e)).WithCode(ErrCodeNoURI)
	}
	root, err := e.session.Request(ctx, http.MethodGet, e.uri, nil)
	if err != nil {
		return err
	}
	e.SetRoot(root)
	return nil
}

// Invalidate drops the document so the next access fetches it again.
func (e *Element) Invalidate() {
	e.root = nil
}

func (e *Element) send(ctx context.Context, method, alternateURI string) error {
	target := alternateURI
	if target == "" {
		target = e.uri
	}
	if target == "" {
		return NewUsageError("Can't send element with no alternate_uri and no self.uri.").WithCode(ErrCodeNoURI)
	}
	root, err := e.Root(ctx)
	if err != nil {
		return err
	}
	resp, err := e.session.Request(ctx, method, target, root)
	if err != nil {
		return err
	}
	e.SetRoot(resp)
	return nil
}

// PostAndParse POSTs the document to alternateURI, or the element URI when
// empty, and replaces the document with the server's response.
func (e *Element) PostAndParse(ctx context.Context, alternateURI string) error {
	return e.send(ctx, http.MethodPost, alternateURI)
}

// PutAndParse PUTs the document and replaces it with the server's response.
func (e *Element) PutAndParse(ctx context.Context, alternateURI string) error {
	return e.send(ctx, http.MethodPut, alternateURI)
}

// Commit is PutAndParse to the element URI.
func (e *Element) Commit(ctx context.Context) error {
	return e.PutAndParse(ctx, "")
}

// Name returns the name attribute, else the text of the name sub-node.
func (e *Element) Name(ctx context.Context) (string, error) {
	if e.hasName {
		return e.name, nil
	}
	root, err := e.Root(ctx)
	if err != nil {
		return "", err
	}
	if name, ok := xmltree.Attr(root, "name"); ok {
		e.name, e.hasName = name, true
		return name, nil
	}
	name, ok := xmltree.Text(root, "name")
	if ok {
		e.name, e.hasName = name, true
	}
	return name, nil
}

// SetName writes the name attribute when the document has one, otherwise the
// name sub-node.
func (e *Element) SetName(ctx context.Context, name string) error {
	root, err := e.Root(ctx)
	if err != nil {
		return err
	}
	if _, ok := xmltree.Attr(root, "name"); ok {
		root.CreateAttr("name", name)
	} else {
		xmltree.SetText(root, "name", name)
	}
	e.name, e.hasName = name, true
	return nil
}

// localName reads the name without any network access.
func (e *Element) localName() string {
	if e.hasName {
		return e.name
	}
	if e.root == nil {
		return ""
	}
	if name, ok := xmltree.Attr(e.root, "name"); ok {
		return name
	}
	name, _ := xmltree.Text(e.root, "name")
	return name
}

// String formats the element for messages and logs.
func (e *Element) String() string {
	kind := "Element"
	if e.kind != nil {
		kind = e.kind.Name
	}
	switch {
	case e.root != nil:
		if name := e.localName(); name != "" {
			return fmt.Sprintf("[%s %s (%s)]", kind, e.LimsID(), name)
		}
		return fmt.Sprintf("[%s %s]", kind, e.LimsID())
	case e.uri != "":
		return fmt.Sprintf("[%s %s, unretrieved]", kind, lastSegment(e.uri))
	default:
		return fmt.Sprintf("[undefined %s]", kind)
	}
}

// XML serializes the current document.
func (e *Element) XML() string {
	return xmltree.String(e.root)
}

// Node wraps a sub-tree of another document. It never fetches.
type Node struct {
	session *Session
	root    *etree.Element
}

// NewNode wraps root.
func NewNode(s *Session, root *etree.Element) *Node {
	return &Node{session: s, root: root}
}

// Session returns the owning session.
func (n *Node) Session() *Session { return n.session }

// Root returns the wrapped element.
func (n *Node) Root(context.Context) (*etree.Element, error) { return n.root, nil }

// XMLRoot returns the wrapped element.
func (n *Node) XMLRoot() *etree.Element { return n.root }

// Attr returns an attribute of the wrapped element.
func (n *Node) Attr(key string) string {
	v, _ := xmltree.Attr(n.root, key)
	return v
}

// Text returns the text of a sub-node of the wrapped element.
func (n *Node) Text(path string) string {
	v, _ := xmltree.Text(n.root, path)
	return v
}

func lastSegment(uri string) string {
	uri = strings.TrimRight(uri, "/")
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}
