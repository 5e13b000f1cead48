// Package xmltree provides namespace-aware helpers over github.com/beevik/etree
// for the document vocabulary served by the LIMS REST API.
//
// Paths are "/"-separated segments. A segment is ".", an unqualified local name
// such as "input-output-map", or a qualified name written in Clark notation,
// "{http://genologics.com/ri/userdefined}field". Unqualified segments match
// only elements that carry no namespace prefix.
package xmltree

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Declaration is the XML declaration written ahead of every request body.
const Declaration = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// Prefixes maps the namespaces of the REST API to the prefixes the server uses.
var Prefixes = map[string]string{
	"http://genologics.com/ri":                       "ri",
	"http://genologics.com/ri/step":                  "stp",
	"http://genologics.com/ri/artifact":              "art",
	"http://genologics.com/ri/sample":                "smp",
	"http://genologics.com/ri/userdefined":           "udf",
	"http://genologics.com/ri/file":                  "file",
	"http://genologics.com/ri/routing":               "rt",
	"http://genologics.com/ri/container":             "con",
	"http://genologics.com/ri/process":               "prc",
	"http://genologics.com/ri/configuration":         "cnf",
	"http://genologics.com/ri/exception":             "exc",
	"http://genologics.com/ri/queue":                 "que",
	"http://genologics.com/ri/protocolconfiguration": "protcnf",
	"http://genologics.com/ri/containertype":         "ctp",
	"http://genologics.com/ri/project":               "prj",
	"http://genologics.com/ri/researcher":            "res",
	"http://genologics.com/ri/lab":                   "lab",
	"http://genologics.com/ri/reagentkit":            "kit",
	"http://genologics.com/ri/reagentlot":            "lot",
	"http://genologics.com/ri/controltype":           "ctrltp",
	"http://genologics.com/ri/instrument":            "inst",
	"http://genologics.com/ri/processtype":           "ptp",
	"http://genologics.com/ri/workflowconfiguration": "wkfcnf",
	"http://genologics.com/ri/workflow":              "wkf",
	"http://genologics.com/ri/processexecution":      "prx",
}

// Name is a parsed qualified name.
type Name struct {
	Space string
	Local string
}

// ParseName splits "{ns}local" into its parts. A plain name has an empty Space.
func ParseName(qname string) Name {
	if strings.HasPrefix(qname, "{") {
		if end := strings.Index(qname, "}"); end > 0 {
			return Name{Space: qname[1:end], Local: qname[end+1:]}
		}
	}
	return Name{Local: qname}
}

// String renders the name in Clark notation.
func (n Name) String() string {
	if n.Space == "" {
		return n.Local
	}
	return "{" + n.Space + "}" + n.Local
}

// Matches reports whether el has this name.
func (n Name) Matches(el *etree.Element) bool {
	if el.Tag != n.Local {
		return false
	}
	if n.Space == "" {
		return el.Space == ""
	}
	return el.NamespaceURI() == n.Space
}

// QName returns the Clark-notation name of el.
func QName(el *etree.Element) string {
	if el.Space == "" {
		return el.Tag
	}
	return Name{Space: el.NamespaceURI(), Local: el.Tag}.String()
}

// Parse reads a document and returns its root element. An empty or
// whitespace-only body yields a nil root and no error.
func Parse(data []byte) (*etree.Element, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, nil
	}
	doc.RemoveChild(root)
	return root, nil
}

// MustParse is Parse for literals in tests and fixed templates.
func MustParse(s string) *etree.Element {
	root, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return root
}

// Serialize writes el without a declaration.
func Serialize(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.AddChild(Detach(el))
	return doc.WriteToBytes()
}

// Document writes el preceded by the XML declaration.
func Document(el *etree.Element) ([]byte, error) {
	body, err := Serialize(el)
	if err != nil {
		return nil, err
	}
	return append([]byte(Declaration), body...), nil
}

// String serializes el, returning the error text on failure.
func String(el *etree.Element) string {
	if el == nil {
		return ""
	}
	b, err := Serialize(el)
	if err != nil {
		return err.Error()
	}
	return string(b)
}

// NewElement creates a detached element from a qualified name, declaring the
// namespace on the element when one is given.
func NewElement(qname string) *etree.Element {
	n := ParseName(qname)
	if n.Space == "" {
		return etree.NewElement(n.Local)
	}
	prefix := prefixFor(n.Space)
	el := etree.NewElement(prefix + ":" + n.Local)
	el.CreateAttr("xmlns:"+prefix, n.Space)
	return el
}

// CreateChild appends a new child element to parent. Qualified names reuse a
// prefix already in scope, otherwise the namespace is declared on the child.
func CreateChild(parent *etree.Element, qname string) *etree.Element {
	n := ParseName(qname)
	if n.Space == "" {
		return parent.CreateElement(n.Local)
	}
	prefix := prefixFor(n.Space)
	child := parent.CreateElement(prefix + ":" + n.Local)
	if lookupNamespace(parent, prefix) != n.Space {
		child.CreateAttr("xmlns:"+prefix, n.Space)
	}
	return child
}

func prefixFor(space string) string {
	if p, ok := Prefixes[space]; ok {
		return p
	}
	return "ns"
}

func lookupNamespace(el *etree.Element, prefix string) string {
	for e := el; e != nil; e = e.Parent() {
		if a := e.SelectAttr("xmlns:" + prefix); a != nil {
			return a.Value
		}
	}
	return ""
}

func segments(path string) []Name {
	var names []Name
	// Split on "/" outside of "{...}" so namespace URIs survive intact.
	depth, start := 0, 0
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '/':
			if depth == 0 {
				names = appendSegment(names, path[start:i])
				start = i + 1
			}
		}
	}
	return appendSegment(names, path[start:])
}

func appendSegment(names []Name, seg string) []Name {
	if seg == "" || seg == "." {
		return names
	}
	return append(names, ParseName(seg))
}

// FindAll returns every element under el reached by path, in document order.
func FindAll(el *etree.Element, path string) []*etree.Element {
	if el == nil {
		return nil
	}
	frontier := []*etree.Element{el}
	for _, seg := range segments(path) {
		var next []*etree.Element
		for _, node := range frontier {
			for _, child := range node.ChildElements() {
				if seg.Matches(child) {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		frontier = next
	}
	return frontier
}

// Find returns the first element reached by path, or nil.
func Find(el *etree.Element, path string) *etree.Element {
	all := FindAll(el, path)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// Text returns the text of the element at path and whether it exists.
func Text(el *etree.Element, path string) (string, bool) {
	node := Find(el, path)
	if node == nil {
		return "", false
	}
	return node.Text(), true
}

// GetOrCreate returns the element at path, creating each missing segment.
func GetOrCreate(el *etree.Element, path string) *etree.Element {
	if node := Find(el, path); node != nil {
		return node
	}
	return MakeWithParents(el, path)
}

// MakeWithParents walks path from el, reusing existing elements and creating
// missing ones.
func MakeWithParents(el *etree.Element, path string) *etree.Element {
	node := el
	for _, seg := range segments(path) {
		var found *etree.Element
		for _, child := range node.ChildElements() {
			if seg.Matches(child) {
				found = child
				break
			}
		}
		if found == nil {
			found = CreateChild(node, seg.String())
		}
		node = found
	}
	return node
}

// SetText sets the text of the element at path, creating it when needed.
func SetText(el *etree.Element, path, value string) *etree.Element {
	node := GetOrCreate(el, path)
	node.SetText(value)
	return node
}

// Remove detaches the first element at path. It reports whether one was found.
func Remove(el *etree.Element, path string) bool {
	node := Find(el, path)
	if node == nil || node.Parent() == nil {
		return false
	}
	node.Parent().RemoveChild(node)
	return true
}

// RemoveAll detaches every element at path.
func RemoveAll(el *etree.Element, path string) int {
	nodes := FindAll(el, path)
	for _, node := range nodes {
		if p := node.Parent(); p != nil {
			p.RemoveChild(node)
		}
	}
	return len(nodes)
}

// Attr returns the value of an attribute and whether it is present.
func Attr(el *etree.Element, key string) (string, bool) {
	if el == nil {
		return "", false
	}
	a := el.SelectAttr(key)
	if a == nil {
		return "", false
	}
	return a.Value, true
}

// Detach returns a parentless deep copy of el. Namespace declarations that
// el relied on from its ancestors are copied onto the new root.
func Detach(el *etree.Element) *etree.Element {
	cp := el.Copy()
	if el.Parent() == nil {
		return cp
	}
	seen := map[string]bool{}
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Space != "" {
			seen[e.Space] = true
		}
		for _, a := range e.Attr {
			if a.Space != "" && a.Space != "xmlns" {
				seen[a.Space] = true
			}
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(el)
	for prefix := range seen {
		if cp.SelectAttr("xmlns:"+prefix) != nil {
			continue
		}
		if ns := lookupNamespace(el, prefix); ns != "" {
			cp.CreateAttr("xmlns:"+prefix, ns)
		}
	}
	return cp
}
