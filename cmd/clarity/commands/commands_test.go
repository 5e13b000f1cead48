package commands

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/config"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
)

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")

	var out bytes.Buffer
	cmd := newRootCommand("1.2.3", "abc123", "2026-10-01")
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// against prefixes args with the connection flags for srv.
func against(srv *claritytest.Server, args ...string) []string {
	return append([]string{"--root-uri", srv.Root(), "-u", "apiuser", "-p", "secret"}, args...)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "clarity 1.2.3 (commit: abc123") {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestGetPrintsDocument(t *testing.T) {
	srv := claritytest.NewServer(t)
	srv.Doc("artifacts/2-101", `<art:artifact xmlns:art="http://genologics.com/ri/artifact" uri="{root}/artifacts/2-101" limsid="2-101">
  <name>Library A</name>
</art:artifact>`)

	out, err := execute(t, against(srv, "get", "artifacts/2-101")...)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !strings.Contains(out, `limsid="2-101"`) || !strings.Contains(out, "Library A") {
		t.Errorf("document not printed: %q", out)
	}
	if n := srv.Count(http.MethodGet, "artifacts/2-101"); n != 1 {
		t.Errorf("expected 1 GET, got %d", n)
	}
}

func TestCommandContextCarriesTelemetry(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	srv := claritytest.NewServer(t)

	var seen, built *telemetry.Telemetry
	cmd := newRootCommand("1.2.3", "abc123", "2026-10-01")
	cmd.AddCommand(&cobra.Command{
		Use: "inspect",
		RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			seen, built = telemetry.FromTelemetryContext(ctx), a.tel
			return nil
		}),
	})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(against(srv, "inspect"))
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if seen == nil || seen != built {
		t.Error("command context does not carry the app telemetry")
	}
}

func TestGetRequiresRootURI(t *testing.T) {
	t.Setenv("CLARITY_ROOT_URI", "")
	_, err := execute(t, "-u", "apiuser", "get", "artifacts/2-101")
	if err == nil || !strings.Contains(err.Error(), "LIMS.RootURI") {
		t.Fatalf("expected a root URI validation error, got %v", err)
	}
}

func TestQueryPrintsURIs(t *testing.T) {
	srv := claritytest.NewServer(t)
	srv.Handle(http.MethodGet, "samples", func(r *claritytest.Request) claritytest.Reply {
		if !strings.Contains(r.Query, "projectname=P1") {
			return claritytest.Reply{Status: http.StatusBadRequest, Body: claritytest.Exception("missing filter")}
		}
		return claritytest.Reply{Body: srv.Expand(`<smp:samples xmlns:smp="http://genologics.com/ri/sample">
  <sample uri="{root}/samples/S1" limsid="S1"/>
  <sample uri="{root}/samples/S2" limsid="S2"/>
</smp:samples>`)}
	})

	out, err := execute(t, against(srv, "query", "samples", "projectname=P1")...)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	want := srv.URI("samples/S1") + "\n" + srv.URI("samples/S2") + "\n"
	if out != want {
		t.Errorf("query output = %q, want %q", out, want)
	}
}

func TestQueryRejectsBadArguments(t *testing.T) {
	srv := claritytest.NewServer(t)

	if _, err := execute(t, against(srv, "query", "widgets")...); err == nil || !strings.Contains(err.Error(), "unknown resource") {
		t.Errorf("expected unknown resource error, got %v", err)
	}
	if _, err := execute(t, against(srv, "query", "samples", "projectname")...); err == nil || !strings.Contains(err.Error(), "key=value") {
		t.Errorf("expected key=value error, got %v", err)
	}
	if len(srv.Requests()) != 0 {
		t.Errorf("bad arguments should not reach the server")
	}
}

func TestRouteShowDoesNotSend(t *testing.T) {
	srv := claritytest.NewServer(t)

	out, err := execute(t, against(srv, "route", "assign", "configuration/workflows/51", "2-101", "2-102", "--show")...)
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	for _, want := range []string{
		`workflow-uri="` + srv.URI("configuration/workflows/51") + `"`,
		`uri="` + srv.URI("artifacts/2-101") + `"`,
		`uri="` + srv.URI("artifacts/2-102") + `"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("routing document missing %s: %q", want, out)
		}
	}
	if len(srv.Requests()) != 0 {
		t.Errorf("--show should not send the request")
	}
}

func TestRouteCommits(t *testing.T) {
	srv := claritytest.NewServer(t)
	srv.Handle(http.MethodPost, "route/artifacts", func(*claritytest.Request) claritytest.Reply {
		return claritytest.Reply{}
	})

	out, err := execute(t, against(srv, "route", "unassign", "configuration/workflows/51/stages/302", "2-101")...)
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if out != "unassigned 1 artifacts\n" {
		t.Errorf("unexpected output %q", out)
	}
	req := srv.Last(http.MethodPost, "route/artifacts")
	if req == nil || !strings.Contains(string(req.Body), "stage-uri=") {
		t.Fatalf("expected a stage routing request, got %+v", req)
	}
}

func TestHistoryNeedsDatabase(t *testing.T) {
	srv := claritytest.NewServer(t)
	t.Setenv("CLARITY_HISTORY_DB", "")

	_, err := execute(t, against(srv, "history")...)
	if err == nil || !strings.Contains(err.Error(), "history is disabled") {
		t.Fatalf("expected disabled history error, got %v", err)
	}
}

func TestHistoryListsRuns(t *testing.T) {
	srv := claritytest.NewServer(t)

	t.Setenv("CLARITY_HISTORY_DB", filepath.Join(t.TempDir(), "history.db"))

	out, err := execute(t, against(srv, "history")...)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("expected a table header, got %q", out)
	}
}
