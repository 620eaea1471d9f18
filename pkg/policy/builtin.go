package policy

// BuiltinPolicies returns the guardrails every devstack provisioning run
// is checked against.
func BuiltinPolicies() []Policy {
	return []Policy{
		loopbackRedirectPolicy(),
		grantShapePolicy(),
		clientSecretPolicy(),
		ssoScopePolicy(),
		skipAuthorizationPolicy(),
	}
}

// loopbackRedirectPolicy keeps devstack redirect URIs on the local machine.
func loopbackRedirectPolicy() Policy {
	return Policy{
		Name:        "loopback-redirects",
		Description: "Redirect URIs of devstack applications must point at localhost or 127.0.0.1",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package pie.devstack.redirects

deny contains violation if {
	some uri in input.application.redirect_uris
	not loopback(uri)
	violation := {
		"message": sprintf("redirect URI '%s' of %s is not a loopback address", [uri, input.application.name]),
		"application": input.application.name,
	}
}

loopback(uri) if regex.match("^https?://(localhost|127\\.0\\.0\\.1)(:[0-9]+)?(/.*)?$", uri)
`,
	}
}

func grantShapePolicy() Policy {
	return Policy{
		Name:        "grant-shape",
		Description: "Client-credentials applications carry no redirect URIs",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package pie.devstack.grants

deny contains violation if {
	input.application.grant_type == "client-credentials"
	count(input.application.redirect_uris) > 0
	violation := {
		"message": sprintf("client-credentials application %s must not have redirect URIs", [input.application.name]),
		"application": input.application.name,
	}
}
`,
	}
}

func clientSecretPolicy() Policy {
	return Policy{
		Name:        "client-secret",
		Description: "Every application has a non-empty client secret",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package pie.devstack.secrets

deny contains violation if {
	not input.application.has_secret
	violation := {
		"message": sprintf("application %s has an empty client secret", [input.application.name]),
		"application": input.application.name,
	}
}
`,
	}
}

func ssoScopePolicy() Policy {
	return Policy{
		Name:        "sso-scope",
		Description: "Authorization-code applications request the user_id scope",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package pie.devstack.scopes

deny contains violation if {
	input.application.grant_type == "authorization-code"
	not "user_id" in input.application.scopes
	violation := {
		"message": sprintf("authorization-code application %s must request the user_id scope", [input.application.name]),
		"application": input.application.name,
	}
}
`,
	}
}

// skipAuthorizationPolicy flags a setting that has no effect.
func skipAuthorizationPolicy() Policy {
	return Policy{
		Name:        "skip-authorization",
		Description: "skip_authorization only matters for the authorization-code grant",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package pie.devstack.consent

deny contains violation if {
	input.application.skip_authorization
	input.application.grant_type != "authorization-code"
	violation := {
		"message": sprintf("skip_authorization has no effect on %s application %s", [input.application.grant_type, input.application.name]),
		"application": input.application.name,
		"severity": "warning",
	}
}
`,
	}
}
