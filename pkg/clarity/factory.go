package clarity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// BatchFlags declares which collection operations a resource type supports.
type BatchFlags int

const (
	BatchNone   BatchFlags = 0
	BatchCreate BatchFlags = 1
	BatchGet    BatchFlags = 2
	BatchUpdate BatchFlags = 4
	Query       BatchFlags = 8
	BatchAll               = BatchCreate | BatchGet | BatchUpdate | Query
)

func (f BatchFlags) String() string {
	if f == BatchNone {
		return "NONE"
	}
	var parts []string
	for _, flag := range []struct {
		bit  BatchFlags
		name string
	}{{BatchCreate, "BATCH_CREATE"}, {BatchGet, "BATCH_GET"}, {BatchUpdate, "BATCH_UPDATE"}, {Query, "QUERY"}} {
		if f&flag.bit != 0 {
			parts = append(parts, flag.name)
		}
	}
	return strings.Join(parts, "|")
}

var (
	paramsPattern   = regexp.MustCompile(`\?.*$`)
	batchTagPattern = regexp.MustCompile(`}.*$`)
)

// stripParams removes the query string. Cache identity ignores it.
func stripParams(uri string) string {
	return paramsPattern.ReplaceAllString(uri, "")
}

// FactoryConfig is the per-type configuration of a Factory.
type FactoryConfig struct {
	Flags BatchFlags

	// RequestPath is appended to the root URI to form the collection URI.
	// Defaults to "/" + Plural.
	RequestPath string

	// Plural is the collection name used in batch link rel attributes.
	// Defaults to the lower-cased kind name plus "s".
	Plural string

	// NameAttribute is the query parameter used by GetByName. Defaults to "name".
	NameAttribute string

	// QueryURI and QueryTag override where queries are sent and which link
	// nodes are read back.
	QueryURI string
	QueryTag string

	// LimsIDLinks resolves link nodes through their limsid attribute, so
	// links to a different resource type with the same id map onto this one.
	LimsIDLinks bool
}

// Factory is the identity map and network gateway for one resource type.
// A URI maps to at most one live instance for the lifetime of the factory.
type Factory[T Entity] struct {
	session   *Session
	kind      *Kind
	cfg       FactoryConfig
	uri       string
	construct func(*Element) T
	cache     map[string]T
}

func newFactory[T Entity](s *Session, kind *Kind, cfg FactoryConfig, construct func(*Element) T) *Factory[T] {
	if cfg.Plural == "" {
		cfg.Plural = strings.ToLower(kind.Name) + "s"
	}
	if cfg.RequestPath == "" {
		cfg.RequestPath = "/" + cfg.Plural
	}
	if cfg.NameAttribute == "" {
		cfg.NameAttribute = "name"
	}
	return &Factory[T]{
		session:   s,
		kind:      kind,
		cfg:       cfg,
		uri:       s.rootURI + cfg.RequestPath,
		construct: construct,
		cache:     make(map[string]T),
	}
}

// URI returns the collection URI.
func (f *Factory[T]) URI() string { return f.uri }

// Kind returns the resource type served by the factory.
func (f *Factory[T]) Kind() *Kind { return f.kind }

// Flags returns the declared capabilities.
func (f *Factory[T]) Flags() BatchFlags { return f.cfg.Flags }

func (f *Factory[T]) CanBatchGet() bool    { return f.cfg.Flags&BatchGet != 0 }
func (f *Factory[T]) CanBatchUpdate() bool { return f.cfg.Flags&BatchUpdate != 0 }
func (f *Factory[T]) CanBatchCreate() bool { return f.cfg.Flags&BatchCreate != 0 }
func (f *Factory[T]) CanQuery() bool       { return f.cfg.Flags&Query != 0 }

// wrap builds a typed entity. Hooks registered by construct see the root.
func (f *Factory[T]) wrap(uri, name, limsid string, root *etree.Element) T {
	el := newElement(f.session, f.kind, uri, name, limsid)
	obj := f.construct(el)
	if root != nil {
		el.SetRoot(root)
	}
	return obj
}

func (f *Factory[T]) lookup(uri string) (T, bool) {
	obj, ok := f.cache[uri]
	f.session.metrics.RecordCacheLookup(f.kind.Name, ok)
	return obj, ok
}

// Get returns the cached entity for uri, creating a stub when absent.
func (f *Factory[T]) Get(uri string) T {
	return f.Ref(uri, "", "")
}

// Ref is Get with the name and limsid known from a link.
func (f *Factory[T]) Ref(uri, name, limsid string) T {
	uri = stripParams(uri)
	if obj, ok := f.lookup(uri); ok {
		return obj
	}
	obj := f.wrap(uri, name, limsid, nil)
	f.cache[uri] = obj
	return obj
}

// Fetch returns the entity for uri, hydrating it if it is a stub.
func (f *Factory[T]) Fetch(ctx context.Context, uri string) (T, error) {
	obj := f.Get(uri)
	if !obj.Base().IsHydrated() {
		if err := obj.Base().Refresh(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return obj, nil
}

// FromLinkNode resolves a link node to an entity without fetching. A nil
// node yields the zero value.
func (f *Factory[T]) FromLinkNode(node *etree.Element) T {
	obj, _ := f.resolveLink(node)
	return obj
}

func (f *Factory[T]) resolveLink(node *etree.Element) (T, bool) {
	var zero T
	if node == nil {
		return zero, false
	}
	uri, _ := xmltree.Attr(node, "uri")
	name, _ := xmltree.Attr(node, "name")
	limsid, _ := xmltree.Attr(node, "limsid")
	if f.cfg.LimsIDLinks && limsid != "" {
		obj := f.FromLimsID(limsid)
		if name != "" {
			obj.Base().name, obj.Base().hasName = name, true
		}
		return obj, true
	}
	if uri == "" {
		return zero, false
	}
	return f.Ref(uri, name, limsid), true
}

// FromLinkNodes resolves every link node, skipping nodes without a target.
func (f *Factory[T]) FromLinkNodes(nodes []*etree.Element) []T {
	out := make([]T, 0, len(nodes))
	for _, node := range nodes {
		if obj, ok := f.resolveLink(node); ok {
			out = append(out, obj)
		}
	}
	return out
}

// FromLimsID returns the entity with the given limsid.
func (f *Factory[T]) FromLimsID(limsid string) T {
	return f.Ref(f.uri+"/"+limsid, "", limsid)
}

// FetchLimsID returns the hydrated entity with the given limsid.
func (f *Factory[T]) FetchLimsID(ctx context.Context, limsid string) (T, error) {
	obj := f.FromLimsID(limsid)
	if !obj.Base().IsHydrated() {
		if err := obj.Base().Refresh(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return obj, nil
}

// New builds an unpersisted entity with an empty document of the creation tag.
func (f *Factory[T]) New() T {
	tag := f.kind.CreationTag
	if tag == "" {
		tag = f.kind.Tag
	}
	return f.wrap("", "", "", xmltree.NewElement(tag))
}

// Add posts a new entity to the collection and caches it under its new URI.
func (f *Factory[T]) Add(ctx context.Context, obj T) (T, error) {
	if err := obj.Base().PostAndParse(ctx, f.uri); err != nil {
		return obj, err
	}
	f.cache[obj.Base().URI()] = obj
	return obj, nil
}

// Post sends the entity's document to the collection without caching it.
func (f *Factory[T]) Post(ctx context.Context, obj T) error {
	return obj.Base().PostAndParse(ctx, f.uri)
}

// Delete removes the entity on the server and from the cache.
func (f *Factory[T]) Delete(ctx context.Context, obj T) error {
	uri := obj.Base().URI()
	if _, err := f.session.Request(ctx, http.MethodDelete, uri, nil); err != nil {
		return err
	}
	delete(f.cache, uri)
	return nil
}

// GetByName queries on the name attribute and requires exactly one match.
func (f *Factory[T]) GetByName(ctx context.Context, name string) (T, error) {
	var zero T
	matches, err := f.Query(ctx, true, url.Values{f.cfg.NameAttribute: {name}})
	if err != nil {
		return zero, err
	}
	switch len(matches) {
	case 0:
		return zero, NewLookupError(ErrCodeNoMatchingElement,
			fmt.Sprintf("No %s found with name '%s'", f.kind.Name, name))
	case 1:
		return matches[0], nil
	default:
		return zero, NewLookupError(ErrCodeMultipleMatchingElements,
			fmt.Sprintf("More than one %s found with name '%s'", f.kind.Name, name))
	}
}

// BatchGet returns one entity per uri, in input order. With prefetch, stubs
// among them are hydrated: in one batch retrieve request when the type
// supports it, otherwise one GET each.
func (f *Factory[T]) BatchGet(ctx context.Context, uris []string, prefetch bool) ([]T, error) {
	if len(uris) == 0 {
		return nil, nil
	}

	if !f.CanBatchGet() {
		out := make([]T, 0, len(uris))
		for _, uri := range uris {
			obj := f.Get(uri)
			if prefetch && !obj.Base().IsHydrated() {
				if err := obj.Base().Refresh(ctx); err != nil {
					return nil, err
				}
			}
			out = append(out, obj)
		}
		return out, nil
	}

	links := xmltree.NewElement("{http://genologics.com/ri}links")
	pending := make(map[string]bool)
	for _, uri := range uris {
		uri = stripParams(uri)
		if pending[uri] {
			continue
		}
		obj, ok := f.lookup(uri)
		if prefetch && (!ok || !obj.Base().IsHydrated()) {
			link := links.CreateElement("link")
			link.CreateAttr("uri", uri)
			link.CreateAttr("rel", f.cfg.Plural)
			pending[uri] = true
		}
	}

	if len(pending) > 0 {
		f.session.metrics.RecordBatch(f.kind.Name, "retrieve", len(pending))
		op := f.startBatch(ctx, "retrieve", len(pending))
		result, err := f.session.Request(op.Ctx, http.MethodPost, f.uri+"/batch/retrieve", links)
		op.End(err)
		if err != nil {
			return nil, err
		}
		for _, node := range xmltree.FindAll(result, f.kind.Tag) {
			uri, _ := xmltree.Attr(node, "uri")
			uri = stripParams(uri)
			root := xmltree.Detach(node)
			if obj, ok := f.cache[uri]; ok {
				obj.Base().SetRoot(root)
			} else {
				f.cache[uri] = f.wrap(uri, "", "", root)
			}
		}
	}

	out := make([]T, 0, len(uris))
	for _, uri := range uris {
		out = append(out, f.Get(uri))
	}
	return out, nil
}

// BatchFetch hydrates the given entities.
func (f *Factory[T]) BatchFetch(ctx context.Context, objs []T) ([]T, error) {
	uris := make([]string, 0, len(objs))
	for _, obj := range objs {
		uris = append(uris, obj.Base().URI())
	}
	return f.BatchGet(ctx, uris, true)
}

// BatchGetFromLimsIDs is BatchGet over collection URIs built from limsids.
func (f *Factory[T]) BatchGetFromLimsIDs(ctx context.Context, limsids []string) ([]T, error) {
	uris := make([]string, 0, len(limsids))
	for _, id := range limsids {
		uris = append(uris, f.uri+"/"+id)
	}
	return f.BatchGet(ctx, uris, true)
}

// Query sends the filter parameters to the collection, follows every
// next-page link, and returns the linked entities. With prefetch they are
// batch-hydrated afterwards.
func (f *Factory[T]) Query(ctx context.Context, prefetch bool, params url.Values) (out []T, err error) {
	if !f.CanQuery() {
		return nil, NewUnsupportedError(f.kind.Name, "query").
			WithDetail("message", fmt.Sprintf("Can't query for %s", f.kind.Name))
	}
	op := telemetry.StartOperation(ctx, "clarity.query", telemetry.AttrEntityKind.String(f.kind.Name))
	ctx = op.Ctx
	defer func() {
		telemetry.SetAttributes(telemetry.SpanFromContext(op.Ctx), attribute.Int("query.results", len(out)))
		op.End(err)
	}()

	base, tag := f.uri, f.kind.LocalTag()
	if f.cfg.QueryURI != "" {
		base = f.cfg.QueryURI
	}
	if f.cfg.QueryTag != "" {
		tag = f.cfg.QueryTag
	}

	next := base + "?" + params.Encode()
	pages := 0
	for next != "" {
		page, err := f.session.Request(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		pages++
		out = append(out, f.FromLinkNodes(xmltree.FindAll(page, tag))...)
		next = ""
		if node := xmltree.Find(page, "next-page"); node != nil {
			next, _ = xmltree.Attr(node, "uri")
		}
	}

	op.Logger.WithField("pages", pages).Debug("query pages read")

	if prefetch && len(out) > 0 {
		if _, err := f.BatchFetch(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// All queries with no filters.
func (f *Factory[T]) All(ctx context.Context, prefetch bool) ([]T, error) {
	return f.Query(ctx, prefetch, url.Values{})
}

// QueryURIs returns the URIs of the query results without hydrating them.
func (f *Factory[T]) QueryURIs(ctx context.Context, params url.Values) ([]string, error) {
	objs, err := f.Query(ctx, false, params)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(objs))
	for _, obj := range objs {
		uris = append(uris, obj.Base().URI())
	}
	return uris, nil
}

func (f *Factory[T]) details(ctx context.Context, objs []T) (*etree.Element, error) {
	details := xmltree.NewElement(f.kind.DetailsTag())
	for _, obj := range objs {
		root, err := obj.Root(ctx)
		if err != nil {
			return nil, err
		}
		details.AddChild(xmltree.Detach(root))
	}
	return details, nil
}

// BatchUpdate persists the documents of objs: in one batch update request
// when supported, otherwise one PUT each. An empty input sends nothing.
func (f *Factory[T]) BatchUpdate(ctx context.Context, objs []T) (err error) {
	if len(objs) == 0 {
		return nil
	}
	op := f.startBatch(ctx, "update", len(objs))
	ctx = op.Ctx
	defer func() { op.End(err) }()
	if f.CanBatchUpdate() {
		details, err := f.details(ctx, objs)
		if err != nil {
			return err
		}
		f.session.metrics.RecordBatch(f.kind.Name, "update", len(objs))
		_, err = f.session.Request(ctx, http.MethodPost, f.uri+"/batch/update", details)
		return err
	}
	for _, obj := range objs {
		root, err := obj.Root(ctx)
		if err != nil {
			return err
		}
		if _, err := f.session.Request(ctx, http.MethodPut, obj.Base().URI(), root); err != nil {
			return err
		}
	}
	return nil
}

// BatchCreate creates objs on the server and returns the cached entities
// for the URIs it assigns.
func (f *Factory[T]) BatchCreate(ctx context.Context, objs []T) (_ []T, err error) {
	if len(objs) == 0 {
		return nil, nil
	}
	op := f.startBatch(ctx, "create", len(objs))
	ctx = op.Ctx
	defer func() { op.End(err) }()
	if f.CanBatchCreate() {
		details, err := f.details(ctx, objs)
		if err != nil {
			return nil, err
		}
		f.session.metrics.RecordBatch(f.kind.Name, "create", len(objs))
		links, err := f.session.Request(ctx, http.MethodPost, f.uri+"/batch/create", details)
		if err != nil {
			return nil, err
		}
		if links == nil {
			return nil, nil
		}
		return f.FromLinkNodes(links.ChildElements()), nil
	}

	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		root, err := obj.Root(ctx)
		if err != nil {
			return nil, err
		}
		target := obj.Base().URI()
		if target == "" {
			target = f.uri
		}
		resp, err := f.session.Request(ctx, http.MethodPost, target, root)
		if err != nil {
			return nil, err
		}
		created := f.wrap("", "", "", resp)
		if uri := created.Base().URI(); uri != "" {
			f.cache[uri] = created
		}
		out = append(out, created)
	}
	return out, nil
}

func (f *Factory[T]) startBatch(ctx context.Context, action string, size int) *telemetry.Operation {
	return telemetry.StartOperation(ctx, "clarity.batch_"+action,
		telemetry.AttrEntityKind.String(f.kind.Name),
		telemetry.AttrBatchSize.Int(size))
}

// BatchInvalidate drops the documents of objs.
func (f *Factory[T]) BatchInvalidate(objs []T) {
	for _, obj := range objs {
		obj.Base().Invalidate()
	}
}

// BatchRefresh discards local changes to objs and reloads them.
func (f *Factory[T]) BatchRefresh(ctx context.Context, objs []T) error {
	f.BatchInvalidate(objs)
	_, err := f.BatchFetch(ctx, objs)
	return err
}

// Cached returns the number of live cache entries.
func (f *Factory[T]) Cached() int { return len(f.cache) }
