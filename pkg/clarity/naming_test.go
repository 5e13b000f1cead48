package clarity

import (
	"sort"
	"testing"
)

func TestNaturalKeyOrdering(t *testing.T) {
	names := []string{"S10", "S2", "Sample 11", "Sample 9", "S1"}
	sort.Slice(names, func(i, j int) bool { return naturalKey(names[i]) < naturalKey(names[j]) })

	want := []string{"S1", "S2", "S10", "Sample 9", "Sample 11"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("sorted = %v, want %v", names, want)
		}
	}
}

func TestSplitChildURI(t *testing.T) {
	parent, id := splitChildURI("https://lims/api/v2/configuration/protocols/1/steps/5")
	if parent != "https://lims/api/v2/configuration/protocols/1" || id != "5" {
		t.Errorf("splitChildURI() = %q, %q", parent, id)
	}
}

func TestBatchFlagsString(t *testing.T) {
	if got := (BatchGet | Query).String(); got != "BATCH_GET|QUERY" {
		t.Errorf("String() = %q", got)
	}
	if got := BatchNone.String(); got != "NONE" {
		t.Errorf("String() = %q", got)
	}
}
