package policy

// BuiltinPolicies returns the policies every guard starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		productionDeletePolicy(),
		productionConfigurationPolicy(),
	}
}

// productionDeletePolicy blocks deletes against a production server.
func productionDeletePolicy() Policy {
	return Policy{
		Name:        "production-delete",
		Description: "Denies DELETE requests against a production LIMS",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package clarity.request

import rego.v1

deny contains msg if {
	input.method == "DELETE"
	input.environment == "production"
	not input.dry_run
	msg := sprintf("DELETE of %s is not allowed on a production server", [input.uri])
}
`,
	}
}

// productionConfigurationPolicy warns when configuration is changed on a
// production server.
func productionConfigurationPolicy() Policy {
	return Policy{
		Name:        "production-configuration",
		Description: "Warns about configuration changes on a production LIMS",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package clarity.request

import rego.v1

deny contains msg if {
	input.environment == "production"
	contains(input.uri, "/configuration/")
	msg := sprintf("%s changes configuration %s on a production server", [input.username, input.uri])
}
`,
	}
}
