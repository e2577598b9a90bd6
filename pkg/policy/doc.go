// Package policy provides Open Policy Agent (OPA) checks for inbound
// envelopes.
//
// The policy middleware runs on the message-received stage. Every envelope
// is converted into a Rego input document and evaluated against the
// built-in policies and any .rego or .json files configured for the
// middleware. A violation with severity error or critical rejects the
// envelope before it reaches a unit; lower severities are only logged.
//
// # Architecture
//
//  1. Engine - Compiles policies and evaluates their deny sets
//  2. Loader - Reads policy files and watches them with fsnotify
//  3. Middleware - Builds the input document and rejects denied envelopes
//
// # Input document
//
//	{
//	  "envelope": {"module": "nginx", "version": "1.0", "event": "Create", "error": null, "data": {...}},
//	  "context":  {"stage": "message-received", "hostname": "web-01", "units": ["nginx"], "blocked_modules": [], "timestamp": "..."}
//	}
//
// # Writing policies
//
// A policy is a Rego module with a deny set. Elements are strings or
// objects carrying a message and an optional severity that overrides the
// policy default:
//
//	package custom.freeze
//
//	import rego.v1
//
//	deny contains {"message": "removals are frozen", "severity": "error"} if {
//	    input.envelope.event == "Remove"
//	}
//
// Rego files default to warning severity. JSON files carry name,
// description, rego, severity and enabled fields.
//
// # Configuration
//
//	middlewares:
//	  - name: policy
//	    settings:
//	      paths: [/etc/servant/policies]
//	      watch: true
//	      disabled: [payload-size]
//	      blockedModules: [haproxy]
package policy
