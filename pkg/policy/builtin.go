package policy

// BuiltinPolicies returns the policies every gate starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		bannedOperationsPolicy(),
		sequenceLengthPolicy(),
		cleanupRequiredPolicy(),
		coverageQualityPolicy(),
	}
}

// bannedOperationsPolicy rejects sequences calling a banned operation.
func bannedOperationsPolicy() Policy {
	return Policy{
		Name:        "banned-operations",
		Description: "Rejects sequences that call an operation on the run's ban list",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package seqsynth.policies.banned

import rego.v1

deny contains violation if {
	some call in input.calls
	call.op in input.params.ban
	violation := {
		"message": sprintf("operation %s is banned", [call.op]),
		"operation": call.op,
	}
}
`,
	}
}

// sequenceLengthPolicy enforces the length bounds.
func sequenceLengthPolicy() Policy {
	return Policy{
		Name:        "sequence-length",
		Description: "Rejects empty sequences and sequences longer than the configured maximum",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package seqsynth.policies.length

import rego.v1

deny contains violation if {
	input.length == 0
	violation := {"message": "sequence is empty"}
}

deny contains violation if {
	input.params.max_length > 0
	input.length > input.params.max_length
	violation := {"message": sprintf("sequence has %d calls, limit is %d", [input.length, input.params.max_length])}
}
`,
	}
}

// cleanupRequiredPolicy rejects sequences that leak caller-owned instances.
func cleanupRequiredPolicy() Policy {
	return Policy{
		Name:        "cleanup-required",
		Description: "Rejects sequences that end with caller-owned instances still live",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package seqsynth.policies.cleanup

import rego.v1

deny contains violation if {
	count(input.unreleased) > 0
	violation := {"message": sprintf("instances left unreleased: %s", [concat(", ", input.unreleased)])}
}
`,
	}
}

// coverageQualityPolicy flags low-value entries without blocking them.
func coverageQualityPolicy() Policy {
	return Policy{
		Name:        "coverage-quality",
		Description: "Warns about entries that cover no branch or reach no critical operation",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package seqsynth.policies.coverage

import rego.v1

deny contains violation if {
	input.quality.branches == 0
	violation := {"message": "sequence covers no declared branch"}
}

deny contains violation if {
	count(input.quality.critical_calls) == 0
	violation := {"message": "sequence reaches no critical operation"}
}
`,
	}
}
