package steprunner_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/steprunner"
)

const poolingScript = `
def pooling(runner):
    if runner.state != "Pooling":
        runner.fail("pooling called on " + runner.state)
    if not runner.step_uri.endswith("/steps/24-1"):
        runner.fail("unexpected step " + runner.step_uri)
    print("pooled", runner.step)

def record_details(runner):
    if runner.protocol != "Prep":
        runner.fail("unexpected protocol")

def replicates_for_input(uri):
    if uri.endswith("2-1"):
        return 3
    return 0

def replicates_for_control(name):
    return {"PhiX": 2}.get(name, 1)
`

func TestNewScriptHooksRejectsNonFunctions(t *testing.T) {
	_, err := steprunner.NewScriptHooks("bad.star", "pooling = 3\n", 0)
	if err == nil {
		t.Fatal("expected an error for a non-function hook")
	}
	if !strings.Contains(err.Error(), "pooling must be a function") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewScriptHooksSyntaxError(t *testing.T) {
	if _, err := steprunner.NewScriptHooks("bad.star", "def pooling(runner)\n", 0); err == nil {
		t.Fatal("expected a syntax error")
	}
}

func TestScriptHooksDefines(t *testing.T) {
	hooks, err := steprunner.NewScriptHooks("run.star", poolingScript, 0)
	if err != nil {
		t.Fatalf("NewScriptHooks failed: %v", err)
	}
	if !hooks.Defines("pooling") || !hooks.Defines("record_details") {
		t.Error("script hooks should be defined")
	}
	if hooks.Defines("placement") {
		t.Error("placement is not defined")
	}
}

func TestScriptHooksDriveRun(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling, steprunner.StateRecordDetails, steprunner.StateCompleted)
	hooks, err := steprunner.NewScriptHooks("run.star", poolingScript, time.Second)
	if err != nil {
		t.Fatalf("NewScriptHooks failed: %v", err)
	}
	r := newRunner(t, srv, hooks, fastOptions())

	if err := r.Run(context.Background(), steprunner.RunInput{StepLimsID: "24-1"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestScriptFailIsUserAction(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StateRecordDetails, steprunner.StateCompleted)
	hooks, err := steprunner.NewScriptHooks("fail.star", `
def record_details(runner):
    runner.fail("operator not recorded")
`, 0)
	if err != nil {
		t.Fatalf("NewScriptHooks failed: %v", err)
	}
	r := newRunner(t, srv, hooks, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	err = r.RunToState(ctx, steprunner.StateCompleted)
	if err == nil {
		t.Fatal("expected the script failure")
	}
	if !clarity.IsWorkflow(err) {
		t.Errorf("expected a workflow error, got %v", err)
	}
	if !strings.Contains(err.Error(), "operator not recorded") {
		t.Errorf("error should carry the script message: %v", err)
	}
}

func TestScriptTimeout(t *testing.T) {
	srv := claritytest.NewServer(t)
	serveStep(srv, steprunner.StatePooling, steprunner.StateCompleted)
	hooks, err := steprunner.NewScriptHooks("slow.star", `
def pooling(runner):
    for i in range(1000000000):
        pass
`, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewScriptHooks failed: %v", err)
	}
	r := newRunner(t, srv, hooks, fastOptions())
	ctx := context.Background()

	if err := r.LoadExistingStep(ctx, "24-1"); err != nil {
		t.Fatalf("LoadExistingStep failed: %v", err)
	}
	err = r.RunToState(ctx, steprunner.StateCompleted)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected a cancelled script, got %v", err)
	}
}

func TestScriptReplicates(t *testing.T) {
	hooks, err := steprunner.NewScriptHooks("run.star", poolingScript, 0)
	if err != nil {
		t.Fatalf("NewScriptHooks failed: %v", err)
	}
	if n := hooks.ReplicatesForInput("https://lims/api/v2/artifacts/2-1"); n != 3 {
		t.Errorf("replicates for 2-1 = %d, want 3", n)
	}
	if n := hooks.ReplicatesForInput("https://lims/api/v2/artifacts/2-2"); n != 1 {
		t.Errorf("replicates below one should count as one, got %d", n)
	}

	srv := claritytest.NewServer(t)
	s := srv.Session(t)
	phix := s.ControlTypes.Ref(srv.URI("controltypes/3"), "PhiX", "")
	if n := hooks.ReplicatesForControl(phix); n != 2 {
		t.Errorf("replicates for PhiX = %d, want 2", n)
	}

	none, err := steprunner.NewScriptHooks("none.star", "", 0)
	if err != nil {
		t.Fatalf("NewScriptHooks failed: %v", err)
	}
	if n := none.ReplicatesForInput("x"); n != 1 {
		t.Errorf("undefined replicates_for_input should give 1, got %d", n)
	}
}
