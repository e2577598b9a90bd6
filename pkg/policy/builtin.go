package policy

// BuiltinPolicies returns the policies shipped with the agent.
func BuiltinPolicies() []Policy {
	return []Policy{
		pathTraversalPolicy(),
		blockedModulesPolicy(),
		payloadSizePolicy(),
	}
}

// pathTraversalPolicy rejects file names that escape the target directory.
func pathTraversalPolicy() Policy {
	return Policy{
		Name:        "path-traversal",
		Description: "File names in payloads must not contain path separators or parent references",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package servant.policies.paths

import rego.v1

name_fields := ["name", "oldName"]

deny contains violation if {
	some field in name_fields
	value := input.envelope.data[field]
	is_string(value)
	contains(value, "/")
	violation := {
		"message": sprintf("%s %q must not contain '/'", [field, value]),
		"severity": "error",
	}
}

deny contains violation if {
	some field in name_fields
	value := input.envelope.data[field]
	is_string(value)
	value in {".", ".."}
	violation := {
		"message": sprintf("%s %q is not a file name", [field, value]),
		"severity": "error",
	}
}
`,
	}
}

// blockedModulesPolicy rejects envelopes addressed to modules listed in
// the middleware settings.
func blockedModulesPolicy() Policy {
	return Policy{
		Name:        "blocked-modules",
		Description: "Envelopes for blocked modules are rejected",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package servant.policies.modules

import rego.v1

deny contains violation if {
	some blocked in input.context.blocked_modules
	lower(blocked) == lower(input.envelope.module)
	violation := {
		"message": sprintf("module %q is blocked on this host", [input.envelope.module]),
		"severity": "error",
	}
}
`,
	}
}

// payloadSizePolicy warns about configuration payloads over 1 MiB.
func payloadSizePolicy() Policy {
	return Policy{
		Name:        "payload-size",
		Description: "Configuration content over 1 MiB is reported",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package servant.policies.size

import rego.v1

limit := 1048576

deny contains violation if {
	some field in ["content", "config"]
	value := input.envelope.data[field]
	is_string(value)
	count(value) > limit
	violation := {
		"message": sprintf("%s is %d bytes, over the %d byte limit", [field, count(value), limit]),
		"severity": "warning",
	}
}
`,
	}
}
