// Package policy checks devstack OAuth applications against Rego guardrails
// before provisioning registers them in the LMS.
//
// Built-in policies require loopback redirect URIs, forbid redirect URIs on
// client-credentials applications, require a client secret and require the
// user_id scope for single sign-on. Additional .rego files can be loaded
// from disk; each must define a `deny` set in Rego v1 syntax whose members
// are either strings or objects with "message" and optional "severity"
// keys:
//
//	package pie.local
//
//	deny contains msg if {
//		input.application.user == "root"
//		msg := "applications must not be owned by root"
//	}
//
// Policies see the application through Input. Client secrets are never
// part of it: only input.application.has_secret and its fingerprint.
package policy
