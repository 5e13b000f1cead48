package clarity_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

func TestWaitForEPPPollsUntilDone(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100", stepDoc)
	srv.Sequence(http.MethodGet, "steps/24-100/programstatus",
		programStatusDoc("RUNNING", ""),
		programStatusDoc("RUNNING", ""),
		programStatusDoc("OK", "done"))

	if err := s.Step("24-100").WaitForEPP(context.Background()); err != nil {
		t.Fatalf("WaitForEPP failed: %v", err)
	}
	if n := srv.Count(http.MethodGet, "steps/24-100/programstatus"); n != 3 {
		t.Errorf("expected 3 polls, got %d", n)
	}
	if n := srv.Count(http.MethodGet, "steps/24-100"); n != 1 {
		t.Errorf("step should be refreshed once after the automation, got %d", n)
	}
}

func TestWaitForEPPError(t *testing.T) {
	srv, s := newServer(t)
	srv.Sequence(http.MethodGet, "steps/24-100/programstatus",
		programStatusDoc("QUEUED", ""),
		programStatusDoc("ERROR", "Index file is missing"))

	err := s.Step("24-100").WaitForEPP(context.Background())
	if !clarity.IsEppFailure(err) {
		t.Fatalf("expected EPP failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Index file is missing") {
		t.Errorf("error should carry the automation message: %v", err)
	}
}

func TestWaitForEPPTimeout(t *testing.T) {
	srv := claritytest.NewServer(t)
	s := srv.Session(t, func(o *clarity.Options) {
		o.PollInterval = time.Millisecond
		o.EPPTimeout = 20 * time.Millisecond
	})
	srv.Doc("steps/24-100/programstatus", programStatusDoc("RUNNING", ""))

	err := s.Step("24-100").WaitForEPP(context.Background())
	if !clarity.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWaitForEPPHonorsContext(t *testing.T) {
	srv := claritytest.NewServer(t)
	s := srv.Session(t, func(o *clarity.Options) { o.PollInterval = 50 * time.Millisecond })
	srv.Doc("steps/24-100/programstatus", programStatusDoc("RUNNING", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Step("24-100").WaitForEPP(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestWaitForEPPWithoutAutomation(t *testing.T) {
	srv, s := newServer(t)
	srv.Fail(http.MethodGet, "steps/24-100/programstatus", http.StatusNotFound, "No program status")

	if err := s.Step("24-100").WaitForEPP(context.Background()); err != nil {
		t.Fatalf("a step without automation should not fail: %v", err)
	}
}

func TestAdvance(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100", stepDoc)
	srv.Handle(http.MethodPost, "steps/24-100/advance", func(*claritytest.Request) claritytest.Reply {
		return claritytest.Reply{Body: srv.Expand(strings.Replace(stepDoc, "Placement", "Record Details", 1))}
	})
	srv.Fail(http.MethodGet, "steps/24-100/programstatus", http.StatusNotFound, "No program status")
	ctx := context.Background()

	step := s.Step("24-100")
	if state, _ := step.CurrentState(ctx); state != "Placement" {
		t.Fatalf("initial state = %q", state)
	}
	if err := step.Advance(ctx); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if state, _ := step.CurrentState(ctx); state != "Record Details" {
		t.Errorf("state after advance = %q", state)
	}
	req := srv.Last(http.MethodPost, "steps/24-100/advance")
	if req == nil || !strings.Contains(string(req.Body), `current-state="Placement"`) {
		t.Error("advance should post the current step document")
	}
}

func TestAllNextStepUsesFirstTransition(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100", stepDoc)
	srv.Doc("configuration/protocols/1", protocolDoc)
	srv.Doc("steps/24-100/actions", `<stp:actions xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-100/actions">
  <step uri="{root}/steps/24-100" rel="steps"/>
  <next-actions>
    <next-action artifact-uri="{root}/artifacts/2-1"/>
    <next-action artifact-uri="{root}/artifacts/2-2"/>
  </next-actions>
</stp:actions>`)
	srv.Echo(http.MethodPut, "steps/24-100/actions")
	ctx := context.Background()

	step := s.Step("24-100")
	if name, _ := step.Name(ctx); name != "Library Prep" {
		t.Errorf("Name() = %q", name)
	}
	actions := step.Actions()
	if err := actions.AllNextStep(ctx, ""); err != nil {
		t.Fatalf("AllNextStep failed: %v", err)
	}

	byArtifact, err := actions.ArtifactActions(ctx)
	if err != nil {
		t.Fatalf("ArtifactActions failed: %v", err)
	}
	action := byArtifact[s.Artifact("2-1")]
	if action == nil {
		t.Fatal("no action for 2-1")
	}
	if action.Action() != clarity.ActionNextStep || !strings.HasSuffix(action.StepURI(), "/steps/6") {
		t.Errorf("action = %s -> %s", action.Action(), action.StepURI())
	}

	byArtifact[s.Artifact("2-2")].Rework(srv.URI("configuration/protocols/1/steps/5"))
	if err := actions.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	body := string(srv.Last(http.MethodPut, "steps/24-100/actions").Body)
	if strings.Count(body, `action="nextstep"`) != 1 || strings.Count(body, `action="rework"`) != 1 {
		t.Errorf("unexpected actions body: %s", body)
	}
	if rework := byArtifact[s.Artifact("2-2")]; rework.StepURI() != "" {
		t.Errorf("rework kept next step uri %q", rework.StepURI())
	}
}

func TestCreatePlacementReplacesLocation(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100", stepDoc)
	srv.Doc("steps/24-100/placements", `<stp:placements xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-100/placements">
  <step uri="{root}/steps/24-100"/>
  <selected-containers><container uri="{root}/containers/27-9"/></selected-containers>
  <output-placements>
    <output-placement uri="{root}/artifacts/2-9"><location><container uri="{root}/containers/27-9"/><value>A:1</value></location></output-placement>
  </output-placements>
</stp:placements>`)
	srv.Echo(http.MethodPost, "steps/24-100/placements")
	ctx := context.Background()

	placements, err := s.Step("24-100").Placements(ctx)
	if err != nil || placements == nil {
		t.Fatalf("Placements() = %v, %v", placements, err)
	}
	containers, _ := placements.SelectedContainers(ctx)
	if len(containers) != 1 {
		t.Fatalf("expected 1 selected container, got %d", len(containers))
	}

	if err := placements.CreatePlacement(ctx, s.Artifact("2-9"), containers[0], "B:2"); err != nil {
		t.Fatalf("CreatePlacement failed: %v", err)
	}
	if err := placements.CreatePlacementWithNoLocation(ctx, s.Artifact("2-10")); err != nil {
		t.Fatalf("CreatePlacementWithNoLocation failed: %v", err)
	}
	list, _ := placements.Placements(ctx)
	if list.Len() != 2 {
		t.Fatalf("expected 2 placements, got %d", list.Len())
	}
	if got := list.At(0).LocationValue(); got != "B:2" {
		t.Errorf("placement well = %q", got)
	}
	if list.At(1).Container() != nil {
		t.Error("placement without location should have no container")
	}

	if err := placements.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	body := string(srv.Last(http.MethodPost, "steps/24-100/placements").Body)
	if strings.Count(body, "<location>") != 1 || strings.Contains(body, "A:1") {
		t.Errorf("stale location sent: %s", body)
	}
}

// inOrder fails unless every needle appears in body after the previous one.
func inOrder(t *testing.T, body string, needles ...string) {
	t.Helper()
	last := -1
	for _, n := range needles {
		i := strings.Index(body, n)
		if i < 0 {
			t.Fatalf("%q missing from %s", n, body)
		}
		if i <= last {
			t.Fatalf("%q out of order in %s", n, body)
		}
		last = i
	}
}

const interleavedPlacementsDoc = `<stp:placements xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-100/placements">
  <output-placements>
    <output-placement uri="{root}/artifacts/2-1"/>
    <marker name="first"/>
    <output-placement uri="{root}/artifacts/2-3"/>
    <marker name="second"/>
  </output-placements>
</stp:placements>`

func TestPlacementListEditsKeepDocumentOrder(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100", stepDoc)
	srv.Doc("steps/24-100/placements", interleavedPlacementsDoc)
	srv.Echo(http.MethodPost, "steps/24-100/placements")
	ctx := context.Background()

	placements, err := s.Step("24-100").Placements(ctx)
	if err != nil {
		t.Fatalf("Placements failed: %v", err)
	}
	list, err := placements.Placements(ctx)
	if err != nil {
		t.Fatalf("Placements list failed: %v", err)
	}
	if list.Len() != 2 {
		t.Fatalf("expected 2 placements, got %d", list.Len())
	}

	// Insert before the second item lands after the marker that precedes it.
	if err := list.Insert(1, clarity.NewPlacement(s.Artifact("2-2"), nil, "")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	// Append lands right after the last item, before the trailing marker.
	if err := list.Append(clarity.NewPlacement(s.Artifact("2-4"), nil, "")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	root := placements.XMLRoot()
	inOrder(t, xmltree.String(root),
		"artifacts/2-1", `name="first"`, "artifacts/2-2", "artifacts/2-3", "artifacts/2-4", `name="second"`)

	if err := list.Delete(0); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := placements.RemovePlacement(ctx, s.Artifact("2-3")); err != nil {
		t.Fatalf("RemovePlacement failed: %v", err)
	}
	if err := placements.RemovePlacement(ctx, s.Artifact("2-99")); err != nil {
		t.Errorf("removing an absent placement should be a no-op: %v", err)
	}

	if err := placements.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	body := string(srv.Last(http.MethodPost, "steps/24-100/placements").Body)
	if strings.Contains(body, "artifacts/2-1\"") || strings.Contains(body, "artifacts/2-3\"") {
		t.Errorf("deleted placements sent: %s", body)
	}
	inOrder(t, body, `name="first"`, "artifacts/2-2", "artifacts/2-4", `name="second"`)

	list, _ = placements.Placements(ctx)
	if list.Len() != 2 || list.At(0).Attr("uri") != srv.URI("artifacts/2-2") {
		t.Errorf("unexpected placements after commit: %d", list.Len())
	}
}

func TestClearPlacementsKeepsContainer(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100", stepDoc)
	srv.Doc("steps/24-100/placements", interleavedPlacementsDoc)
	ctx := context.Background()

	placements, _ := s.Step("24-100").Placements(ctx)
	if err := placements.ClearPlacements(ctx); err != nil {
		t.Fatalf("ClearPlacements failed: %v", err)
	}
	body := xmltree.String(placements.XMLRoot())
	if strings.Contains(body, "output-placement ") || !strings.Contains(body, "output-placements") {
		t.Errorf("unexpected document after clear: %s", body)
	}
	if list, _ := placements.Placements(ctx); list.Len() != 0 {
		t.Errorf("expected no placements, got %d", list.Len())
	}
}

func TestStepWithoutPlacements(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-300", `<stp:step xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-300" current-state="Record Details"/>`)

	p, err := s.Step("24-300").Placements(context.Background())
	if err != nil {
		t.Fatalf("Placements failed: %v", err)
	}
	if p != nil {
		t.Error("expected nil placements for a step without the screen")
	}
}

func TestProgramStatusReport(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100/programstatus", programStatusDoc("RUNNING", ""))
	srv.Echo(http.MethodPut, "steps/24-100/programstatus")

	if err := s.Step("24-100").ProgramStatus().ReportWarning(context.Background(), "Check volumes"); err != nil {
		t.Fatalf("ReportWarning failed: %v", err)
	}
	body := string(srv.Last(http.MethodPut, "steps/24-100/programstatus").Body)
	if !strings.Contains(body, "<status>WARNING</status>") || !strings.Contains(body, "<message>Check volumes</message>") {
		t.Errorf("unexpected status body: %s", body)
	}
}
