package clarity_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
)

func fetchArtifact(t *testing.T, srv *claritytest.Server, s *clarity.Session) *clarity.Artifact {
	t.Helper()
	srv.Doc("artifacts/2-1", artifactDoc)
	a, err := s.Artifacts.Fetch(context.Background(), srv.URI("artifacts/2-1"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	return a
}

func TestArtifactFields(t *testing.T) {
	srv, s := newServer(t)
	a := fetchArtifact(t, srv, s)
	srv.Echo(http.MethodPut, "artifacts/2-1")
	ctx := context.Background()

	// Comma decimal marks are normalized on load.
	v, err := a.Field(ctx, "Concentration")
	if err != nil {
		t.Fatalf("Field failed: %v", err)
	}
	if v != 1.5 {
		t.Errorf("Concentration = %v", v)
	}
	if raw, _ := a.GetRawField(ctx, "Concentration", ""); raw != "1.5" {
		t.Errorf("raw Concentration = %q", raw)
	}

	if _, err := a.Field(ctx, "Missing"); err == nil {
		t.Error("expected missing field error")
	} else {
		var ce *clarity.Error
		if !errors.As(err, &ce) || ce.Code != clarity.ErrCodeMissingField {
			t.Errorf("unexpected error %v", err)
		}
	}
	if v, _ := a.GetField(ctx, "Missing", "default"); v != "default" {
		t.Errorf("GetField default = %v", v)
	}

	names, _ := a.FieldNames(ctx)
	if len(names) != 2 || names[0] != "Concentration" || names[1] != "Notes" {
		t.Errorf("FieldNames() = %v", names)
	}

	if err := a.SetField(ctx, "Notes", "updated"); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	if err := a.SetField(ctx, "Volume", 20.0); err != nil {
		t.Fatalf("SetField new failed: %v", err)
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	body := string(srv.Last(http.MethodPut, "artifacts/2-1").Body)
	if !strings.Contains(body, ">updated<") || !strings.Contains(body, `name="Volume"`) {
		t.Errorf("fields not sent: %s", body)
	}

	// The echoed document replaced the old one and the field cache with it.
	if v, _ := a.Field(ctx, "Notes"); v != "updated" {
		t.Errorf("Notes after commit = %v", v)
	}
}

func TestDeleteFieldKeepsEmptyNode(t *testing.T) {
	srv, s := newServer(t)
	a := fetchArtifact(t, srv, s)
	srv.Echo(http.MethodPut, "artifacts/2-1")
	ctx := context.Background()

	if err := a.DeleteField(ctx, "Notes"); err != nil {
		t.Fatalf("DeleteField failed: %v", err)
	}

	// The raw view still sees the node, with empty text.
	raw, err := a.GetRawField(ctx, "Notes", "default")
	if err != nil {
		t.Fatalf("GetRawField failed: %v", err)
	}
	if raw != "" {
		t.Errorf("raw Notes after delete = %q, want empty", raw)
	}
	if has, _ := a.HasField(ctx, "Notes"); !has {
		t.Error("deleted field node should be kept")
	}

	// Indexed access treats it as missing.
	_, err = a.Field(ctx, "Notes")
	var ce *clarity.Error
	if !errors.As(err, &ce) || ce.Code != clarity.ErrCodeMissingField {
		t.Errorf("expected missing field error, got %v", err)
	}

	if err := a.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	body := string(srv.Last(http.MethodPut, "artifacts/2-1").Body)
	if !strings.Contains(body, `name="Notes"`) || strings.Contains(body, ">fine<") {
		t.Errorf("expected an empty Notes field in %s", body)
	}
}

func TestSetOnEmptyDocumentFails(t *testing.T) {
	srv, s := newServer(t)
	srv.Handle(http.MethodGet, "artifacts/2-7", func(*claritytest.Request) claritytest.Reply {
		return claritytest.Reply{}
	})
	ctx := context.Background()
	a := s.Artifact("2-7")

	b := clarity.Attr[string]{Name: "limsid", Codec: codec.String}
	err := b.Set(ctx, a, "2-7")
	var ce *clarity.Error
	if !errors.As(err, &ce) || ce.Code != clarity.ErrCodeEmptyDocument {
		t.Fatalf("expected empty document error, got %v", err)
	}
	if err := a.SetName(ctx, "Renamed"); !errors.As(err, &ce) || ce.Code != clarity.ErrCodeEmptyDocument {
		t.Errorf("expected empty document error from SetName, got %v", err)
	}
	sub := clarity.Subnode[string]{Path: "name", Codec: codec.String}
	if err := sub.Set(ctx, a, "x"); !errors.As(err, &ce) || ce.Class != clarity.ErrorClassUsage {
		t.Errorf("expected usage error from sub-node set, got %v", err)
	}
}

func TestReadOnlyBinding(t *testing.T) {
	srv, s := newServer(t)
	a := fetchArtifact(t, srv, s)

	b := clarity.Attr[string]{Name: "limsid", Codec: codec.String, ReadOnly: true}
	err := b.Set(context.Background(), a, "2-9")
	var ce *clarity.Error
	if !errors.As(err, &ce) || ce.Code != clarity.ErrCodeReadOnly {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestArtifactLinksResolveWithoutFetching(t *testing.T) {
	srv, s := newServer(t)
	a := fetchArtifact(t, srv, s)
	ctx := context.Background()

	c, err := a.Container(ctx)
	if err != nil || c == nil {
		t.Fatalf("Container() = %v, %v", c, err)
	}
	if c != s.Containers.Get(srv.URI("containers/27-1")) {
		t.Error("container link not resolved through the cache")
	}
	if c.IsHydrated() {
		t.Error("link resolution should not fetch")
	}
	if well, _ := a.LocationValue(ctx); well != "A:1" {
		t.Errorf("LocationValue() = %q", well)
	}
	if qc, _ := a.QC(ctx); qc != clarity.QCPassed {
		t.Errorf("QC() = %s", qc)
	}
	if p, _ := a.ParentProcess(ctx); p != nil {
		t.Errorf("ParentProcess() = %v, want nil", p)
	}
	if len(srv.Requests()) != 1 {
		t.Errorf("expected only the artifact GET, got %d requests", len(srv.Requests()))
	}
}

func TestQueuedStages(t *testing.T) {
	srv, s := newServer(t)
	a := fetchArtifact(t, srv, s)

	stages, err := a.QueuedStages(context.Background())
	if err != nil {
		t.Fatalf("QueuedStages failed: %v", err)
	}
	if len(stages) != 1 {
		t.Fatalf("expected 1 queued stage, got %d", len(stages))
	}
	if !strings.HasSuffix(stages[0].URI(), "/stages/2") {
		t.Errorf("queued stage = %s", stages[0].URI())
	}
}

func TestReagentLabels(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("artifacts/2-5", `<art:artifact xmlns:art="http://genologics.com/ri/artifact" uri="{root}/artifacts/2-5">
  <name>Pool</name>
  <reagent-label name="N701"/>
  <reagent-label name="N702"/>
</art:artifact>`)
	ctx := context.Background()

	a, err := s.Artifacts.Fetch(ctx, srv.URI("artifacts/2-5"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	names, err := a.ReagentLabelNames(ctx)
	if err != nil || len(names) != 2 {
		t.Fatalf("ReagentLabelNames() = %v, %v", names, err)
	}
	if _, err := a.ReagentLabelName(ctx); !clarity.IsMultipleMatchingElements(err) {
		t.Errorf("expected multiple labels error, got %v", err)
	}
}

func TestStepDetailsIOMaps(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-100/details", `<stp:details xmlns:stp="http://genologics.com/ri/step" xmlns:udf="http://genologics.com/ri/userdefined" uri="{root}/steps/24-100/details">
  <configuration uri="{root}/configuration/protocols/1/steps/5">Library Prep</configuration>
  <input-output-maps>
    <input-output-map><input uri="{root}/artifacts/2-1" limsid="2-1"/><output uri="{root}/artifacts/2-11" limsid="2-11" type="Analyte" output-generation-type="PerInput"/></input-output-map>
    <input-output-map><input uri="{root}/artifacts/2-2" limsid="2-2"/><output uri="{root}/artifacts/2-12" limsid="2-12" type="Analyte" output-generation-type="PerInput"/></input-output-map>
    <input-output-map><input uri="{root}/artifacts/2-1" limsid="2-1"/><output uri="{root}/artifacts/92-5" limsid="92-5" type="ResultFile" output-generation-type="PerAllInputs"/></input-output-map>
    <input-output-map><input uri="{root}/artifacts/2-2" limsid="2-2"/><output uri="{root}/artifacts/92-5" limsid="92-5" type="ResultFile" output-generation-type="PerAllInputs"/></input-output-map>
  </input-output-maps>
  <fields><udf:field name="Operator Notes" type="String">hi</udf:field></fields>
</stp:details>`)
	ctx := context.Background()
	details := s.Step("24-100").Details()

	maps, err := details.IOMaps(ctx)
	if err != nil {
		t.Fatalf("IOMaps failed: %v", err)
	}
	if len(maps.Inputs) != 2 || len(maps.Outputs) != 2 || len(maps.SharedOutputs) != 1 {
		t.Fatalf("inputs %d outputs %d shared %d", len(maps.Inputs), len(maps.Outputs), len(maps.SharedOutputs))
	}
	if maps.SharedOutputs[0].LimsID() != "92-5" {
		t.Errorf("shared output = %s", maps.SharedOutputs[0].LimsID())
	}
	if maps.IsPooling() {
		t.Error("one output per input is not pooling")
	}
	if len(maps.Maps) != 2 {
		t.Fatalf("expected 2 maps, got %d", len(maps.Maps))
	}
	out, err := maps.Maps[0].Output()
	if err != nil || out.LimsID() != "2-11" {
		t.Errorf("Maps[0].Output() = %v, %v", out, err)
	}
	if got := maps.OutputsOf(s.Artifact("2-2")); len(got) != 1 || got[0].LimsID() != "2-12" {
		t.Errorf("OutputsOf(2-2) = %v", got)
	}

	if v, err := details.Field(ctx, "Operator Notes"); err != nil || v != "hi" {
		t.Errorf("step field = %v, %v", v, err)
	}
	if name, _ := details.Name(ctx); name != "Library Prep" {
		t.Errorf("details name = %q", name)
	}
}

func TestPoolingIOMaps(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("steps/24-200/details", `<stp:details xmlns:stp="http://genologics.com/ri/step" uri="{root}/steps/24-200/details">
  <input-output-maps>
    <input-output-map><input uri="{root}/artifacts/2-1"/><output uri="{root}/artifacts/2-50" type="Analyte" output-generation-type="PerAllInputs"/></input-output-map>
    <input-output-map><input uri="{root}/artifacts/2-2"/><output uri="{root}/artifacts/2-50" type="Analyte" output-generation-type="PerAllInputs"/></input-output-map>
  </input-output-maps>
</stp:details>`)

	maps, err := s.Step("24-200").Details().IOMaps(context.Background())
	if err != nil {
		t.Fatalf("IOMaps failed: %v", err)
	}
	if !maps.IsPooling() {
		t.Fatal("two inputs into one output should be pooling")
	}
	if len(maps.Maps) != 1 || len(maps.Maps[0].Inputs) != 2 {
		t.Fatalf("unexpected pooled maps %+v", maps.Maps)
	}
	if _, err := maps.Maps[0].Input(); err == nil {
		t.Error("Input() on a pool should fail")
	}
	if got := maps.InputsOf(s.Artifact("2-50")); len(got) != 2 {
		t.Errorf("InputsOf(pool) = %v", got)
	}
}

func TestContainerTypeWells(t *testing.T) {
	srv, s := newServer(t)
	srv.Doc("containertypes/3", `<ctp:container-type xmlns:ctp="http://genologics.com/ri/containertype" uri="{root}/containertypes/3" name="6 well plate">
  <is-tube>false</is-tube>
  <x-dimension><is-alpha>false</is-alpha><offset>1</offset><size>3</size></x-dimension>
  <y-dimension><is-alpha>true</is-alpha><offset>0</offset><size>2</size></y-dimension>
  <unavailable-well>A:1</unavailable-well>
</ctp:container-type>`)
	ctx := context.Background()

	ct, err := s.ContainerTypes.Fetch(ctx, srv.URI("containertypes/3"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	row, col, err := ct.WellToRC(ctx, "B:3")
	if err != nil || row != 1 || col != 2 {
		t.Errorf("WellToRC(B:3) = %d, %d, %v", row, col, err)
	}
	if well, _ := ct.RCToWell(ctx, 1, 2); well != "B:3" {
		t.Errorf("RCToWell(1, 2) = %q", well)
	}
	if _, _, err := ct.WellToRC(ctx, "B3"); err == nil {
		t.Error("expected error for malformed well")
	}

	rowMajor, _ := ct.RowMajorWells(ctx)
	if strings.Join(rowMajor, ",") != "A:2,A:3,B:1,B:2,B:3" {
		t.Errorf("RowMajorWells() = %v", rowMajor)
	}
	colMajor, _ := ct.ColumnMajorWells(ctx)
	if strings.Join(colMajor, ",") != "B:1,A:2,B:2,A:3,B:3" {
		t.Errorf("ColumnMajorWells() = %v", colMajor)
	}
	if n, _ := ct.TotalCapacity(ctx); n != 5 {
		t.Errorf("TotalCapacity() = %d", n)
	}
}

func TestQueueQueryTranslatesParameters(t *testing.T) {
	srv, s := newServer(t)
	srv.Handle(http.MethodGet, "queues/5", func(r *claritytest.Request) claritytest.Reply {
		if !strings.Contains(r.Query, "project-name=P1") {
			return claritytest.Reply{Status: http.StatusBadRequest, Body: claritytest.Exception("bad filter " + r.Query)}
		}
		return claritytest.Reply{Body: srv.Expand(`<que:queue xmlns:que="http://genologics.com/ri/queue" uri="{root}/queues/5">
  <artifacts>
    <artifact limsid="2-1" uri="{root}/artifacts/2-1"><queue-time>2024-01-02T10:00:00.000+00:00</queue-time></artifact>
  </artifacts>
</que:queue>`)}
	})

	q := s.Queues.Get(srv.URI("queues/5"))
	entries, err := q.Query(context.Background(), false, url.Values{"project_name": {"P1"}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].LimsID() != "2-1" {
		t.Fatalf("entries = %v", entries)
	}
	if entries[0].Artifact() != s.Artifact("2-1") {
		t.Error("queued artifact not resolved through the cache")
	}
}

func TestRouterDocument(t *testing.T) {
	srv, s := newServer(t)
	srv.Handle(http.MethodPost, "route/artifacts", func(*claritytest.Request) claritytest.Reply {
		return claritytest.Reply{}
	})
	a1, a2, a3 := s.Artifact("2-1"), s.Artifact("2-2"), s.Artifact("2-3")
	stage := srv.URI("configuration/workflows/1/stages/2")
	workflow := srv.URI("configuration/workflows/1")

	r := s.Router()
	r.Assign(stage, a1, a2, a1)
	r.Assign(workflow, a3)
	r.Unassign(srv.URI("configuration/workflows/1/stages/4"), a2)
	r.Remove(a2)

	doc := r.Document()
	children := doc.ChildElements()
	if len(children) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(children))
	}
	if children[0].Tag != "assign" || children[0].SelectAttrValue("stage-uri", "") != stage {
		t.Errorf("first route = %s %v", children[0].Tag, children[0].Attr)
	}
	if n := len(children[0].ChildElements()); n != 1 {
		t.Errorf("first route has %d artifacts, want 1", n)
	}
	if children[1].SelectAttrValue("workflow-uri", "") != workflow {
		t.Errorf("second route should target the workflow")
	}

	if err := r.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	body := string(srv.Last(http.MethodPost, "route/artifacts").Body)
	if !strings.Contains(body, "routing") || strings.Contains(body, "unassign") {
		t.Errorf("unexpected routing body: %s", body)
	}
}
