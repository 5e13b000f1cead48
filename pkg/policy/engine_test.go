package policy

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

func newGuard(t *testing.T, opts GuardOptions) *Guard {
	t.Helper()
	opts.Logger = zerolog.Nop()
	g, err := NewGuard(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	return g
}

func TestBuiltinPoliciesCompile(t *testing.T) {
	g := newGuard(t, GuardOptions{})
	policies := g.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Fatalf("Expected %d policies, got %d", len(BuiltinPolicies()), len(policies))
	}
	for _, p := range policies {
		if !p.Builtin || !p.Enabled {
			t.Errorf("built-in policy %s: %+v", p.Name, p)
		}
	}
}

func TestProductionDelete(t *testing.T) {
	g := newGuard(t, GuardOptions{})
	ctx := context.Background()

	tests := []struct {
		name    string
		input   Input
		allowed bool
	}{
		{"delete on production", Input{Method: "DELETE", URI: "https://lims/api/v2/files/40-1", Environment: "production"}, false},
		{"delete on dev", Input{Method: "DELETE", URI: "https://lims/api/v2/files/40-1", Environment: "dev"}, true},
		{"dry-run delete on production", Input{Method: "DELETE", URI: "https://lims/api/v2/files/40-1", Environment: "production", DryRun: true}, true},
		{"put on production", Input{Method: "PUT", URI: "https://lims/api/v2/artifacts/2-1", Environment: "production"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Evaluate(ctx, tt.input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if d.Allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v (denials %v)", d.Allowed, tt.allowed, d.Denials)
			}
		})
	}
}

func TestWarningsDoNotBlock(t *testing.T) {
	g := newGuard(t, GuardOptions{})
	d, err := g.Evaluate(context.Background(), Input{
		Method:      "PUT",
		URI:         "https://lims/api/v2/configuration/udfs/7",
		Environment: "production",
		Username:    "apiuser",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("a warning must not block: %v", d.Denials)
	}
	if len(d.Warnings) != 1 || d.Warnings[0].Policy != "production-configuration" {
		t.Errorf("warnings = %v", d.Warnings)
	}
	if !strings.Contains(d.Warnings[0].Message, "apiuser") {
		t.Errorf("warning should name the user: %q", d.Warnings[0].Message)
	}
}

func TestObjectDenialsCarrySeverity(t *testing.T) {
	g := newGuard(t, GuardOptions{NoBuiltins: true})
	err := g.Add(context.Background(), Policy{
		Name:     "robots",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package clarity.request

import rego.v1

deny contains {"message": "robots may not route", "severity": "critical"} if {
	endswith(input.uri, "/route/artifacts")
	input.username == "robot"
}

deny contains "robot write" if {
	input.username == "robot"
}
`,
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	d, err := g.Evaluate(context.Background(), Input{Method: "POST", URI: "https://lims/api/v2/route/artifacts", Username: "robot"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("critical denial should block")
	}
	if len(d.Denials) != 1 || d.Denials[0].Severity != SeverityCritical {
		t.Errorf("denials = %v", d.Denials)
	}
	if len(d.Warnings) != 1 || d.Warnings[0].Message != "robot write" {
		t.Errorf("warnings = %v", d.Warnings)
	}
}

func TestPolicyPackageIsChecked(t *testing.T) {
	g := newGuard(t, GuardOptions{NoBuiltins: true})
	err := g.Add(context.Background(), Policy{Name: "other", Rego: "package other\n\ndeny contains 1 if { true }\n"})
	if err == nil {
		t.Fatal("expected an error for the wrong package")
	}
	if err := g.Add(context.Background(), Policy{Name: "broken", Rego: "package clarity.request\n\ndeny contains"}); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestReplaceKeepsBuiltins(t *testing.T) {
	g := newGuard(t, GuardOptions{})
	ctx := context.Background()

	if err := g.Replace(ctx, []Policy{{Name: "custom", Rego: denyNothing, Enabled: true}}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if err := g.Replace(ctx, []Policy{{Name: "custom2", Rego: denyNothing, Enabled: true}}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if _, err := g.GetPolicy("custom"); err == nil {
		t.Error("custom should have been replaced")
	}
	if _, err := g.GetPolicy("custom2"); err != nil {
		t.Error("custom2 should be installed")
	}
	if _, err := g.GetPolicy("production-delete"); err != nil {
		t.Error("built-ins must survive a replace")
	}

	if err := g.Replace(ctx, []Policy{{Name: "bad", Rego: "package nope"}}); err == nil {
		t.Fatal("expected a compile error")
	}
	if _, err := g.GetPolicy("custom2"); err != nil {
		t.Error("a failed replace must leave the policies alone")
	}
}

func TestEnableDisable(t *testing.T) {
	g := newGuard(t, GuardOptions{})
	ctx := context.Background()
	in := Input{Method: "DELETE", URI: "https://lims/api/v2/files/40-1", Environment: "production"}

	if err := g.DisablePolicy("production-delete"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	d, err := g.Evaluate(ctx, in)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Error("disabled policy should not deny")
	}

	if err := g.EnablePolicy("production-delete"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if d, _ = g.Evaluate(ctx, in); d.Allowed {
		t.Error("enabled policy should deny")
	}

	if err := g.EnablePolicy("missing"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

func TestCheckPublishesDenial(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	var got []telemetry.Event
	events.Subscribe(func(e telemetry.Event) { got = append(got, e) }, nil)

	g := newGuard(t, GuardOptions{Events: events})
	err = g.Check(context.Background(), clarity.RequestInfo{
		Method:      "DELETE",
		URI:         "https://lims/api/v2/files/40-1",
		Environment: "production",
	})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected a DeniedError, got %v", err)
	}
	if len(denied.Decision.Denials) != 1 {
		t.Errorf("denials = %v", denied.Decision.Denials)
	}
	if len(got) != 1 || got[0].Type != telemetry.EventTypeRequestDenied {
		t.Fatalf("events = %v", got)
	}
	if got[0].Data["method"] != "DELETE" {
		t.Errorf("event data = %v", got[0].Data)
	}
}

func TestGuardLoadsPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-robots.rego"), `package clarity.request

import rego.v1

deny contains "robots are read-only" if {
	input.username == "robot"
}
`)
	g := newGuard(t, GuardOptions{Paths: []string{dir}, NoBuiltins: true})
	if _, err := g.GetPolicy("no-robots"); err != nil {
		t.Fatalf("policy from path not installed: %v", err)
	}
}

func TestSessionHonoursGuard(t *testing.T) {
	srv := claritytest.NewServer(t)
	srv.Echo(http.MethodPut, "artifacts/2-1")

	g := newGuard(t, GuardOptions{NoBuiltins: true})
	err := g.Add(context.Background(), Policy{
		Name:    "no-robots",
		Enabled: true,
		Rego: `package clarity.request

import rego.v1

deny contains "robots are read-only" if {
	input.username == "robot"
}
`,
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	s := srv.Session(t, func(o *clarity.Options) {
		o.Username = "robot"
		o.Guard = g
	})
	_, err = s.Request(context.Background(), http.MethodPut, srv.URI("artifacts/2-1"), xmltree.NewElement("artifact"))
	var ce *clarity.Error
	if !errors.As(err, &ce) || ce.Code != clarity.ErrCodePolicyDenied {
		t.Fatalf("expected a policy denial, got %v", err)
	}
	if srv.Count(http.MethodPut, "artifacts/2-1") != 0 {
		t.Error("denied request reached the server")
	}

	srv.Doc("artifacts/2-1", `<art:artifact xmlns:art="http://genologics.com/ri/artifact" uri="{root}/artifacts/2-1" limsid="2-1"/>`)
	if _, err := s.Request(context.Background(), http.MethodGet, srv.URI("artifacts/2-1"), nil); err != nil {
		t.Errorf("reads are not guarded: %v", err)
	}
}
