// Package clarity is a client for the Clarity LIMS REST API.
//
// Resources are URI-addressed entities backed by their XML document. A
// Session owns one Factory per resource type; each factory is an identity
// map from URI to entity and performs the single, batched and paginated
// requests for its type. Entities start as stubs when they are reached
// through a link and are hydrated on first access to their document, or in
// bulk through Factory.BatchGet.
//
// A Session is not safe for concurrent use.
package clarity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

var hostPattern = regexp.MustCompile(`^https?://([^/:]+)`)

// Environments guessed from the server hostname.
const (
	EnvironmentDev        = "dev"
	EnvironmentTest       = "test"
	EnvironmentProduction = "production"
)

// Options configures a Session.
type Options struct {
	// RootURI is the API root, e.g. https://lims.example.com/api/v2.
	RootURI  string
	Username string
	Password string

	DryRun      bool
	Insecure    bool
	Timeout     time.Duration
	LogRequests bool

	// PollInterval is the delay between automation status polls. Defaults
	// to one second.
	PollInterval time.Duration

	// EPPTimeout bounds WaitForEPP. Zero waits until the automation ends.
	EPPTimeout time.Duration

	RateLimit       float64
	RateBurst       int
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	HTTPClient *http.Client
	Guard      RequestGuard
	Tunneler   Tunneler

	// ContentOpener reads sftp:// file content locations directly.
	ContentOpener ContentOpener

	// UdfLookup replaces the session's own UDF configuration cache.
	UdfLookup UdfLookup

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Session is the root of a LIMS connection. It owns the transport, the
// resource factories and the UDF configuration cache.
type Session struct {
	rootURI     string
	hostname    string
	environment string

	transport *Transport
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	udfLookup UdfLookup
	opener    ContentOpener

	pollInterval time.Duration
	eppTimeout   time.Duration

	properties map[string]string
	versions   []Version

	Steps          *StepFactory
	Processes      *Factory[*Process]
	Samples        *Factory[*Sample]
	Artifacts      *Factory[*Artifact]
	Files          *Factory[*File]
	Containers     *Factory[*Container]
	ContainerTypes *Factory[*ContainerType]
	Projects       *Factory[*Project]
	ControlTypes   *Factory[*ControlType]
	Queues         *Factory[*Queue]
	Instruments    *Factory[*Instrument]
	ReagentLots    *Factory[*ReagentLot]
	ReagentKits    *Factory[*ReagentKit]
	Researchers    *Factory[*Researcher]
	Labs           *Factory[*Lab]
	Workflows      *Factory[*Workflow]
	Protocols      *Factory[*Protocol]
	Udfs           *UdfFactory
	ProcessTypes   *Factory[*ProcessType]
	Stages         *Factory[*Stage]
}

// NewSession validates the root URI and builds the factories. No request is
// sent until an entity is accessed.
func NewSession(opts Options) (*Session, error) {
	root := strings.TrimSuffix(opts.RootURI, "/")
	m := hostPattern.FindStringSubmatch(root)
	if m == nil {
		return nil, NewConfigError("", fmt.Sprintf("No hostname found in LIMS uri: %s", root))
	}

	s := &Session{
		rootURI:     root,
		hostname:    m[1],
		environment: GuessEnvironment(m[1]),
		logger:      opts.Logger.With().Str("component", "clarity").Logger(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,

		pollInterval: opts.PollInterval,
		eppTimeout:   opts.EPPTimeout,
		opener:       opts.ContentOpener,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}

	s.transport = NewTransport(TransportOptions{
		Username:        opts.Username,
		Password:        opts.Password,
		DryRun:          opts.DryRun,
		Insecure:        opts.Insecure,
		Timeout:         opts.Timeout,
		RateLimit:       opts.RateLimit,
		RateBurst:       opts.RateBurst,
		BreakerFailures: opts.BreakerFailures,
		BreakerTimeout:  opts.BreakerTimeout,
		LogRequests:     opts.LogRequests,
		Environment:     s.environment,
		HTTPClient:      opts.HTTPClient,
		Guard:           opts.Guard,
		Tunneler:        opts.Tunneler,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		Tracer:          opts.Tracer,
	})

	s.Steps = &StepFactory{newFactory(s, StepKind, FactoryConfig{
		Flags:       Query,
		QueryURI:    root + "/processes",
		QueryTag:    "process",
		LimsIDLinks: true,
	}, newStep)}
	s.Processes = newFactory(s, ProcessKind, FactoryConfig{Flags: Query, RequestPath: "/processes"}, newProcess)
	s.Samples = newFactory(s, SampleKind, FactoryConfig{Flags: BatchAll}, newSample)
	s.Artifacts = newFactory(s, ArtifactKind, FactoryConfig{Flags: BatchAll &^ BatchCreate}, newArtifact)
	s.Files = newFactory(s, FileKind, FactoryConfig{Flags: BatchAll &^ BatchCreate}, newFile)
	s.Containers = newFactory(s, ContainerKind, FactoryConfig{Flags: BatchAll}, newContainer)
	s.ContainerTypes = newFactory(s, ContainerTypeKind, FactoryConfig{Flags: Query}, newContainerType)
	s.Projects = newFactory(s, ProjectKind, FactoryConfig{Flags: Query}, newProject)
	s.ControlTypes = newFactory(s, ControlTypeKind, FactoryConfig{}, newControlType)
	s.Queues = newFactory(s, QueueKind, FactoryConfig{}, newQueue)
	s.Instruments = newFactory(s, InstrumentKind, FactoryConfig{Flags: Query}, newInstrument)
	s.ReagentLots = newFactory(s, ReagentLotKind, FactoryConfig{Flags: Query}, newReagentLot)
	s.ReagentKits = newFactory(s, ReagentKitKind, FactoryConfig{Flags: Query}, newReagentKit)
	s.Researchers = newFactory(s, ResearcherKind, FactoryConfig{Flags: Query}, newResearcher)
	s.Labs = newFactory(s, LabKind, FactoryConfig{Flags: Query}, newLab)
	s.Workflows = newFactory(s, WorkflowKind, FactoryConfig{Flags: Query, RequestPath: "/configuration/workflows"}, newWorkflow)
	s.Protocols = newFactory(s, ProtocolKind, FactoryConfig{Flags: Query, RequestPath: "/configuration/protocols"}, newProtocol)
	s.Udfs = newUdfFactory(s)
	s.ProcessTypes = newFactory(s, ProcessTypeKind, FactoryConfig{
		Flags:         Query,
		NameAttribute: "displayname",
	}, newProcessType)
	s.Stages = newFactory(s, StageKind, FactoryConfig{}, newStage)

	s.udfLookup = opts.UdfLookup
	if s.udfLookup == nil {
		s.udfLookup = s.Udfs
	}

	return s, nil
}

// GuessEnvironment classifies a LIMS host as dev, test or production by name.
func GuessEnvironment(hostname string) string {
	switch {
	case strings.Contains(hostname, "dev"):
		return EnvironmentDev
	case strings.Contains(hostname, "test"):
		return EnvironmentTest
	default:
		return EnvironmentProduction
	}
}

// RootURI returns the API root without a trailing slash.
func (s *Session) RootURI() string { return s.rootURI }

// Hostname returns the server host.
func (s *Session) Hostname() string { return s.hostname }

// Environment returns dev, test or production, guessed from the hostname.
func (s *Session) Environment() string { return s.environment }

// Username returns the API user.
func (s *Session) Username() string { return s.transport.Username() }

// DryRun reports whether mutating requests are answered locally.
func (s *Session) DryRun() bool { return s.transport.DryRun() }

// Logger returns the session logger.
func (s *Session) Logger() zerolog.Logger { return s.logger }

// Metrics returns the session metrics, which may be nil.
func (s *Session) Metrics() *telemetry.Metrics { return s.metrics }

// Tracer returns the session tracer, which may be nil.
func (s *Session) Tracer() *telemetry.Tracer { return s.tracer }

// UdfLookup returns the UDF configuration lookup used by field-bearing entities.
func (s *Session) UdfLookup() UdfLookup { return s.udfLookup }

// PollInterval returns the delay between automation status polls.
func (s *Session) PollInterval() time.Duration { return s.pollInterval }

// Transport returns the underlying transport.
func (s *Session) Transport() *Transport { return s.transport }

// Request sends root, if any, and parses the response document.
func (s *Session) Request(ctx context.Context, method, uri string, root *etree.Element) (*etree.Element, error) {
	return s.transport.Request(ctx, method, uri, root)
}

// Download writes the body of a GET of uri to w.
func (s *Session) Download(ctx context.Context, uri string, w io.Writer) error {
	return s.transport.Download(ctx, uri, w)
}

// Upload posts content as a multipart file upload.
func (s *Session) Upload(ctx context.Context, uri, filename string, content io.Reader) error {
	return s.transport.Upload(ctx, uri, filename, content)
}

// ArtifactFromURI returns the cached artifact for uri.
func (s *Session) ArtifactFromURI(uri string) *Artifact { return s.Artifacts.Get(uri) }

// StepFromURI returns the cached step for uri.
func (s *Session) StepFromURI(uri string) *Step { return s.Steps.Get(uri) }

// Step returns the step with the given limsid.
func (s *Session) Step(limsid string) *Step {
	return s.Steps.Ref(s.rootURI+"/steps/"+limsid, "", limsid)
}

// Sample returns the sample with the given limsid.
func (s *Session) Sample(limsid string) *Sample {
	return s.Samples.Ref(s.rootURI+"/samples/"+limsid, "", limsid)
}

// Artifact returns the artifact with the given limsid.
func (s *Session) Artifact(limsid string) *Artifact {
	return s.Artifacts.Ref(s.rootURI+"/artifacts/"+limsid, "", limsid)
}

// splitChildURI splits .../parents/{parent}/children/{id} into the parent
// URI and the child id.
func splitChildURI(uri string) (string, string) {
	parts := strings.Split(uri, "/")
	if len(parts) < 3 {
		return uri, ""
	}
	return strings.Join(parts[:len(parts)-2], "/"), parts[len(parts)-1]
}

// StepConfigurationFromURI resolves a step configuration through its protocol.
func (s *Session) StepConfigurationFromURI(ctx context.Context, uri string) (*StepConfiguration, error) {
	protocolURI, id := splitChildURI(uri)
	protocol, err := s.Protocols.Fetch(ctx, protocolURI)
	if err != nil {
		return nil, err
	}
	return protocol.StepFromID(ctx, id)
}

// StageFromURI resolves a stage through its workflow.
func (s *Session) StageFromURI(ctx context.Context, uri string) (*Stage, error) {
	workflowURI, id := splitChildURI(uri)
	workflow, err := s.Workflows.Fetch(ctx, workflowURI)
	if err != nil {
		return nil, err
	}
	return workflow.StageFromID(ctx, id)
}

// Properties returns the server configuration properties. The result is
// fetched once per session.
func (s *Session) Properties(ctx context.Context) (map[string]string, error) {
	if s.properties != nil {
		return s.properties, nil
	}
	root, err := s.Request(ctx, http.MethodGet, s.rootURI+"/configuration/properties", nil)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	for _, node := range xmltree.FindAll(root, "property") {
		name, _ := xmltree.Attr(node, "name")
		value, _ := xmltree.Attr(node, "value")
		props[name] = value
	}
	s.properties = props
	return props, nil
}

// Version is one API version advertised by the server.
type Version struct {
	URI   string `json:"uri"`
	Major string `json:"major"`
	Minor string `json:"minor"`
}

// Versions returns the API versions the server advertises.
func (s *Session) Versions(ctx context.Context) ([]Version, error) {
	if s.versions != nil {
		return s.versions, nil
	}
	parent := s.rootURI[:strings.LastIndex(s.rootURI, "/")]
	root, err := s.Request(ctx, http.MethodGet, parent, nil)
	if err != nil {
		return nil, err
	}
	versions := []Version{}
	for _, node := range xmltree.FindAll(root, "version") {
		var v Version
		v.URI, _ = xmltree.Attr(node, "uri")
		v.Major, _ = xmltree.Attr(node, "major")
		v.Minor, _ = xmltree.Attr(node, "minor")
		versions = append(versions, v)
	}
	s.versions = versions
	return versions, nil
}

// CurrentMinorVersion returns the minor revision of the API version named by
// the last segment of the root URI, e.g. "v2".
func (s *Session) CurrentMinorVersion(ctx context.Context) (string, error) {
	u, err := url.Parse(s.rootURI)
	if err != nil {
		return "", NewConfigError("", "invalid root uri").withCause(err)
	}
	major := lastSegment(u.Path)
	versions, err := s.Versions(ctx)
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.Major == major {
			return v.Minor, nil
		}
	}
	return "", NewLookupError(ErrCodeNoMatchingElement, fmt.Sprintf("No version %s advertised by %s", major, s.hostname))
}

// Router returns a new routing request builder.
func (s *Session) Router() *Router { return NewRouter(s) }
