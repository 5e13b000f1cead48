package policy

import (
	"time"
)

// Severity decides what a deny rule does. Error and critical denials block
// the request; info and warning denials are only logged.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a denial of this severity aborts the request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// RequestPackage is the Rego package every request policy must declare.
const RequestPackage = "clarity.request"

// Policy is one Rego module with deny rules for LIMS requests.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy source. Its package must be clarity.request.
	Rego string `json:"rego"`

	// Severity applies to deny messages that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the library. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document a policy sees as input.
type Input struct {
	Method      string `json:"method"`
	URI         string `json:"uri"`
	Environment string `json:"environment"`
	Username    string `json:"username"`
	DryRun      bool   `json:"dry_run"`
}

// Denial is one message produced by a deny rule.
type Denial struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Denials holds the blocking messages.
	Denials []Denial `json:"denials,omitempty"`

	// Warnings holds the messages that did not block.
	Warnings []Denial `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the blocking messages.
func (d *Decision) Messages() []string {
	out := make([]string, 0, len(d.Denials))
	for _, den := range d.Denials {
		out = append(out, den.Message)
	}
	return out
}
