package steprunner_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/steprunner"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/stores"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
)

const protocolsDoc = `<protcnf:protocols xmlns:protcnf="http://genologics.com/ri/protocolconfiguration">
  <protocol uri="{root}/configuration/protocols/1" name="Prep"/>
</protcnf:protocols>`

const protocolDoc = `<protcnf:protocol xmlns:protcnf="http://genologics.com/ri/protocolconfiguration" uri="{root}/configuration/protocols/1" name="Prep" index="1">
  <steps>
    <step uri="{root}/configuration/protocols/1/steps/5" name="Library Prep">
      <protocol-step-index>1</protocol-step-index>
      <permitted-containers>
        <container-type uri="{root}/containertypes/2" name="96 well plate"/>
      </permitted-containers>
      <permitted-reagent-categories>
        <reagent-category>Illumina</reagent-category>
      </permitted-reagent-categories>
      <permitted-control-types>
        <control-type uri="{root}/controltypes/3" name="PhiX"/>
        <control-type uri="{root}/controltypes/4" name="NTC"/>
      </permitted-control-types>
    </step>
  </steps>
</protcnf:protocol>`

func stepXML(state string) string {
	return `<stp:step xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-1" limsid="24-1" current-state="` + state + `">` +
		`<configuration uri="{root}/configuration/protocols/1/steps/5">Library Prep</configuration>` +
		`<actions uri="{root}/steps/24-1/actions"/>` +
		`<placements uri="{root}/steps/24-1/placements"/>` +
		`<program-status uri="{root}/steps/24-1/programstatus"/>` +
		`<details uri="{root}/steps/24-1/details"/>` +
		`</stp:step>`
}

// fakeStep serves step 24-1 and walks it through states on every advance,
// staying on the last one.
type fakeStep struct {
	mu     sync.Mutex
	states []string
	pos    int
}

func serveStep(srv *claritytest.Server, states ...string) *fakeStep {
	f := &fakeStep{states: states}
	srv.Handle(http.MethodGet, "steps/24-1", func(*claritytest.Request) claritytest.Reply {
		return claritytest.Reply{Body: srv.Expand(stepXML(f.current()))}
	})
	srv.Handle(http.MethodPost, "steps/24-1/advance", func(*claritytest.Request) claritytest.Reply {
		f.advance()
		return claritytest.Reply{Body: srv.Expand(stepXML(f.current()))}
	})
	srv.Fail(http.MethodGet, "steps/24-1/programstatus", http.StatusNotFound, "no program status")
	return f
}

func (f *fakeStep) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[f.pos]
}

func (f *fakeStep) advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos < len(f.states)-1 {
		f.pos++
	}
}

func serveProtocol(srv *claritytest.Server) {
	srv.Doc("configuration/protocols", protocolsDoc)
	srv.Doc("configuration/protocols/1", protocolDoc)
}

// recordingHooks records the screens it was called on.
type recordingHooks struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	replicas map[string]int
}

func (h *recordingHooks) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	return h.fail[name]
}

func (h *recordingHooks) Setup(context.Context, *steprunner.Runner) error { return h.record("setup") }
func (h *recordingHooks) Placement(context.Context, *steprunner.Runner) error {
	return h.record("placement")
}
func (h *recordingHooks) Arranging(context.Context, *steprunner.Runner) error {
	return h.record("arranging")
}
func (h *recordingHooks) Pooling(context.Context, *steprunner.Runner) error { return h.record("pooling") }
func (h *recordingHooks) AddReagent(context.Context, *steprunner.Runner) error {
	return h.record("add_reagent")
}
func (h *recordingHooks) RecordDetails(context.Context, *steprunner.Runner) error {
	return h.record("record_details")
}
func (h *recordingHooks) NextSteps(context.Context, *steprunner.Runner) error {
	return h.record("next_steps")
}

func (h *recordingHooks) ReplicatesForInput(uri string) int {
	return h.replicas[uri]
}

func (h *recordingHooks) ReplicatesForControl(*clarity.ControlType) int { return 0 }

func fastPolling(o *clarity.Options) {
	o.PollInterval = time.Millisecond
}

func fastOptions() steprunner.Options {
	opts := steprunner.DefaultOptions()
	opts.StartPollInterval = time.Millisecond
	return opts
}

func newRunner(t *testing.T, srv *claritytest.Server, hooks steprunner.Hooks, opts steprunner.Options) *steprunner.Runner {
	t.Helper()
	r, err := steprunner.New(srv.Session(t, fastPolling), "Prep", "Library Prep", hooks, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func hasCode(err error, code string) bool {
	var e *clarity.Error
	return errors.As(err, &e) && e.Code == code
}

func TestNewValidates(t *testing.T) {
	srv := claritytest.NewServer(t)
	s := srv.Session(t)

	if _, err := steprunner.New(nil, "Prep", "Library Prep", nil, steprunner.DefaultOptions()); err == nil {
		t.Error("expected an error without a session")
	}
	if _, err := steprunner.New(s, "", "Library Prep", nil, steprunner.DefaultOptions()); err == nil {
		t.Error("expected an error without a protocol")
	}
	if _, err := steprunner.New(s, "Prep", "", nil, steprunner.DefaultOptions()); err == nil {
		t.Error("expected an error without a step name")
	}
}

func TestRunToStateCallsEachScreenOnce(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling, steprunner.StateAddReagent, steprunner.StateRecordDetails,
		steprunner.StateAssignNextSteps, steprunner.StateCompleted)
	hooks := &recordingHooks{}
	r := newRunner(t, srv, hooks, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	if err := r.RunToState(ctx, steprunner.StateCompleted); err != nil {
		t.Fatalf("RunToState failed: %v", err)
	}

	want := []string{"pooling", "add_reagent", "record_details", "next_steps"}
	if strings.Join(hooks.calls, ",") != strings.Join(want, ",") {
		t.Errorf("hook calls = %v, want %v", hooks.calls, want)
	}
	if n := srv.Count(http.MethodPost, "steps/24-1/advance"); n != 4 {
		t.Errorf("advance called %d times, want 4", n)
	}
}

func TestRunToStateStopsAtGoal(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePlacement, steprunner.StateRecordDetails, steprunner.StateCompleted)
	hooks := &recordingHooks{}
	r := newRunner(t, srv, hooks, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	if err := r.RunToState(ctx, steprunner.StateRecordDetails); err != nil {
		t.Fatalf("RunToState failed: %v", err)
	}
	if len(hooks.calls) != 1 || hooks.calls[0] != "placement" {
		t.Errorf("hook calls = %v", hooks.calls)
	}
	state, _ := r.Step().CurrentState(ctx)
	if state != steprunner.StateRecordDetails {
		t.Errorf("state = %q", state)
	}
}

func TestRunToStateStalled(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling)
	hooks := &recordingHooks{}
	r := newRunner(t, srv, hooks, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	err := r.RunToState(ctx, steprunner.StateCompleted)
	if !hasCode(err, clarity.ErrCodeStalled) {
		t.Fatalf("expected a stalled error, got %v", err)
	}
	if len(hooks.calls) != 1 {
		t.Errorf("pooling hook called %d times, want 1", len(hooks.calls))
	}
}

func TestRunToStatePrematureCompletion(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StateAssignNextSteps, steprunner.StateCompleted)
	r := newRunner(t, srv, &recordingHooks{}, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	err := r.RunToState(ctx, steprunner.StateRecordDetails)
	if !hasCode(err, clarity.ErrCodePrematureCompletion) {
		t.Fatalf("expected premature completion, got %v", err)
	}
}

func TestRunToStateUnknownState(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, "Sequencing")
	hooks := &recordingHooks{}
	r := newRunner(t, srv, hooks, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	err := r.RunToState(ctx, steprunner.StateCompleted)
	if !hasCode(err, clarity.ErrCodeUnknownState) {
		t.Fatalf("expected unknown state, got %v", err)
	}
	if len(hooks.calls) != 0 {
		t.Errorf("no hook should run, got %v", hooks.calls)
	}
}

func TestRunToStateUsageErrors(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling)
	r := newRunner(t, srv, nil, fastOptions())
	ctx := context.Background()

	if err := r.RunToState(ctx, steprunner.StateCompleted); err == nil {
		t.Error("expected an error without a loaded step")
	}
	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	if err := r.RunToState(ctx, "Nowhere"); err == nil {
		t.Error("expected an error for an invalid goal")
	}
}

func TestHookErrorStopsRun(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling, steprunner.StateCompleted)
	boom := errors.New("pool mismatch")
	hooks := &recordingHooks{fail: map[string]error{"pooling": boom}}
	r := newRunner(t, srv, hooks, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	err := r.RunToState(ctx, steprunner.StateCompleted)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the hook error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), steprunner.StatePooling) {
		t.Errorf("error should name the screen: %v", err)
	}
	if n := srv.Count(http.MethodPost, "steps/24-1/advance"); n != 0 {
		t.Errorf("step advanced %d times after a hook error", n)
	}
}

func TestLoadExistingStepWaitsWhileStarted(t *testing.T) {
	srv := claritytest.NewServer(t)
	srv.Sequence(http.MethodGet, "steps/24-1",
		stepXML(steprunner.StateStarted), stepXML(steprunner.StateStarted), stepXML(steprunner.StatePooling))
	srv.Fail(http.MethodGet, "steps/24-1/programstatus", http.StatusNotFound, "no program status")
	r := newRunner(t, srv, nil, fastOptions())

	if err := r.LoadExistingStep(context.Background(), "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	if n := srv.Count(http.MethodGet, "steps/24-1"); n != 3 {
		t.Errorf("step fetched %d times, want 3", n)
	}
}

func TestLoadExistingStepAutomationFailure(t *testing.T) {
	srv := claritytest.NewServer(t)
	srv.Doc("steps/24-1", stepXML(steprunner.StateStarted))
	srv.Doc("steps/24-1/programstatus", `<stp:program-status xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-1/programstatus">`+
		`<step uri="{root}/steps/24-1" rel="steps"/><status>ERROR</status><message>script exited 1</message></stp:program-status>`)
	r := newRunner(t, srv, nil, fastOptions())

	err := r.LoadExistingStep(context.Background(), "24-1")
	if !clarity.IsEppFailure(err) {
		t.Fatalf("expected an automation failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "script exited 1") {
		t.Errorf("error should carry the automation message: %v", err)
	}
}

func TestLoadExistingStepStartTimeout(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StateStarted)
	opts := fastOptions()
	opts.StartTimeout = 5 * time.Millisecond
	r := newRunner(t, srv, nil, opts)

	err := r.LoadExistingStep(context.Background(), "24-1")
	if !hasCode(err, clarity.ErrCodeStartTimeout) {
		t.Fatalf("expected a start timeout, got %v", err)
	}
	if !clarity.IsTimeout(err) {
		t.Error("start timeout should count as a timeout")
	}
}

func TestLoadExistingStepHonoursContext(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StateStarted)
	r := newRunner(t, srv, nil, fastOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.LoadExistingStep(ctx, "24-1"); err == nil {
		t.Fatal("expected the wait to end with the context")
	}
}

func TestRunRejectsMixedInput(t *testing.T) {
	srv := claritytest.NewServer(t)
	r := newRunner(t, srv, nil, fastOptions())

	err := r.Run(context.Background(), steprunner.RunInput{
		StepLimsID:   "24-1",
		NewStepInput: steprunner.NewStepInput{InputURIs: []string{srv.URI("artifacts/2-1")}},
	})
	if err == nil {
		t.Fatal("expected a usage error")
	}
	if len(srv.Requests()) != 0 {
		t.Error("no request should be sent")
	}
}

func newStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func TestRunRecordsHistory(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling, steprunner.StateRecordDetails,
		steprunner.StateAssignNextSteps, steprunner.StateCompleted)
	store := newStore(t)
	opts := fastOptions()
	opts.Recorder = store
	r := newRunner(t, srv, &recordingHooks{}, opts)
	ctx := context.Background()

	if err := r.Run(ctx, steprunner.RunInput{StepLimsID: "24-1"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if r.RunID() != "" {
		t.Error("run ID should be cleared after the run")
	}

	runs, err := store.ListRuns(ctx, stores.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != stores.RunStatusCompleted {
		t.Errorf("status = %s", run.Status)
	}
	if run.StepURI != srv.URI("steps/24-1") || run.Protocol != "Prep" || run.StepName != "Library Prep" {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.Username != "apiuser" {
		t.Errorf("username = %q", run.Username)
	}
	if run.CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	transitions, err := store.ListTransitions(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	want := []string{
		"Pooling -> Record Details",
		"Record Details -> Assign Next Steps",
		"Assign Next Steps -> Completed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(transitions))
	}
	for i, tr := range transitions {
		if got := tr.FromState + " -> " + tr.ToState; got != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestRunPublishesTelemetry(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling, steprunner.StateRecordDetails, steprunner.StateCompleted)
	r := newRunner(t, srv, &recordingHooks{}, fastOptions())

	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var mu sync.Mutex
	var got []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Type {
		case telemetry.EventTypeStepStateChanged:
			got = append(got, e.Type+":"+e.State)
		default:
			got = append(got, e.Type)
		}
	}, nil)

	ctx := tel.WithContext(context.Background())
	if err := r.Run(ctx, steprunner.RunInput{StepLimsID: "24-1"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeStepStateChanged + ":" + steprunner.StateRecordDetails,
		telemetry.EventTypeStepStateChanged + ":" + steprunner.StateCompleted,
		telemetry.EventTypeRunCompleted,
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRunRecordsFailure(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling)
	store := newStore(t)
	opts := fastOptions()
	opts.Recorder = store
	r := newRunner(t, srv, &recordingHooks{}, opts)
	ctx := context.Background()

	if err := r.Run(ctx, steprunner.RunInput{StepLimsID: "24-1"}); err == nil {
		t.Fatal("expected the stalled run to fail")
	}

	runs, err := store.ListRuns(ctx, stores.RunFilter{Status: stores.RunStatusFailed})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 failed run, got %d", len(runs))
	}
	if runs[0].Error == nil || !strings.Contains(*runs[0].Error, "has not advanced") {
		t.Errorf("error = %v", runs[0].Error)
	}
}

func TestLoadNewStepPostsStepCreation(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveProtocol(srv)
	serveStep(srv, steprunner.StatePlacement)
	srv.Handle(http.MethodPost, "steps", func(*claritytest.Request) claritytest.Reply {
		return claritytest.Reply{Body: srv.Expand(stepXML(steprunner.StatePlacement))}
	})

	input := srv.URI("artifacts/2-1")
	hooks := &recordingHooks{replicas: map[string]int{input: 2}}
	r := newRunner(t, srv, hooks, fastOptions())

	err := r.LoadNewStep(context.Background(), steprunner.NewStepInput{
		InputURIs:    []string{input, srv.URI("artifacts/2-2")},
		ControlNames: []string{"NTC"},
	})
	if err != nil {
		t.Fatalf("LoadNewStep failed: %v", err)
	}
	if r.Step() == nil || r.Step().LimsID() != "24-1" {
		t.Fatalf("unexpected step %v", r.Step())
	}

	req := srv.Last(http.MethodPost, "steps")
	if req == nil {
		t.Fatal("step creation was not posted")
	}
	body := string(req.Body)
	for _, want := range []string{
		`<configuration uri="{root}/configuration/protocols/1/steps/5"`,
		`uri="{root}/artifacts/2-1" replicates="2"`,
		`uri="{root}/artifacts/2-2" replicates="1"`,
		`control-type-uri="{root}/controltypes/4" replicates="1"`,
		`<container-type>96 well plate</container-type>`,
		`<reagent-category>Illumina</reagent-category>`,
	} {
		if !strings.Contains(body, srv.Expand(want)) {
			t.Errorf("step creation body missing %s:\n%s", want, body)
		}
	}
	if strings.Contains(body, "controltypes/3") {
		t.Error("only the named control should be added")
	}
}

func TestLoadNewStepRejectsInputsAndPreviousStep(t *testing.T) {
	srv := claritytest.NewServer(t)
	s := srv.Session(t)
	r, err := steprunner.New(s, "Prep", "Library Prep", nil, fastOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = r.LoadNewStep(context.Background(), steprunner.NewStepInput{
		InputURIs:    []string{srv.URI("artifacts/2-1")},
		PreviousStep: s.Step("24-9"),
	})
	if err == nil {
		t.Fatal("expected a usage error")
	}
}

func TestLoadNewStepNeedsInputsWithoutQueue(t *testing.T) {
	srv := claritytest.NewServer(t)
	opts := fastOptions()
	opts.UseQueuedInputs = false
	r := newRunner(t, srv, nil, opts)

	if err := r.LoadNewStep(context.Background(), steprunner.NewStepInput{}); err == nil {
		t.Fatal("expected a usage error")
	}
}

func TestLoadNewStepTooFewQueued(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveProtocol(srv)
	srv.Doc("queues/5", `<que:queue xmlns:que="http://genologics.com/ri/queue" uri="{root}/queues/5">
  <artifacts>
    <artifact limsid="2-1" uri="{root}/artifacts/2-1"/>
  </artifacts>
</que:queue>`)
	srv.Handle(http.MethodPost, "artifacts/batch/retrieve", func(*claritytest.Request) claritytest.Reply {
		return claritytest.Reply{Body: `<art:details xmlns:art="http://genologics.com/ri/artifact"/>`}
	})
	opts := fastOptions()
	opts.NumberOfInputs = 2
	r := newRunner(t, srv, nil, opts)

	err := r.LoadNewStep(context.Background(), steprunner.NewStepInput{})
	if !hasCode(err, clarity.ErrCodeUserAction) {
		t.Fatalf("expected a user action error, got %v", err)
	}
	if srv.Count(http.MethodPost, "steps") != 0 {
		t.Error("no step should be created")
	}
}

func TestPreviousStepOutputs(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveProtocol(srv)
	srv.Doc("steps/24-9", `<stp:step xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-9" limsid="24-9" current-state="Completed">`+
		`<actions uri="{root}/steps/24-9/actions"/></stp:step>`)
	srv.Doc("steps/24-9/actions", `<stp:actions xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-9/actions">
  <step uri="{root}/steps/24-9" rel="steps"/>
  <next-actions>
    <next-action artifact-uri="{root}/artifacts/2-1" action="nextstep" step-uri="{root}/configuration/protocols/1/steps/5"/>
    <next-action artifact-uri="{root}/artifacts/2-2" action="nextstep" step-uri="{root}/configuration/protocols/1/steps/6"/>
    <next-action artifact-uri="{root}/artifacts/2-3" action="complete"/>
    <next-action artifact-uri="{root}/artifacts/2-4" action="remove"/>
  </next-actions>
</stp:actions>`)
	s := srv.Session(t)
	r, err := steprunner.New(s, "Prep", "Library Prep", nil, fastOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	got, err := r.PreviousStepOutputs(ctx, s.Step("24-9"), false)
	if err != nil {
		t.Fatalf("PreviousStepOutputs failed: %v", err)
	}
	want := srv.URI("artifacts/2-1") + "," + srv.URI("artifacts/2-3")
	if strings.Join(got, ",") != want {
		t.Errorf("outputs = %v", got)
	}

	all, err := r.PreviousStepOutputs(ctx, s.Step("24-9"), true)
	if err != nil {
		t.Fatalf("PreviousStepOutputs failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected every output, got %v", all)
	}
}
