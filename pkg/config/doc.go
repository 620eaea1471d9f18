// Package config loads pie's configuration.
//
// Values come from, in increasing precedence: built-in defaults, a config
// file (pie.yaml by default, or any .yaml/.json/.cue file), PIE_-prefixed
// environment variables (PIE_DEVSTACK_MAX_ATTEMPTS), and command-line
// flags. The CI variables the docker targets need (TRAVIS_COMMIT,
// GITHUB_SHA, DOCKER_USERNAME, DOCKER_PASSWORD, DOCKERHUB_USERNAME,
// DOCKERHUB_PASSWORD) are bound into the ci section under their usual
// names and are never written back to disk.
//
// A loaded configuration is checked twice: validator/v10 struct tags cover
// presence and enumerations, and an embedded CUE schema covers value
// shapes such as name patterns, port ranges and an endpoint being set
// when the otlp exporter is selected.
//
// Container names, the app root and the image repository default to values
// derived from service.name:
//
//	service:
//	  name: program_intent_engagement   # db container program_intent_engagement.db
//	  port: 18781                        # app container program_intent_engagement.app
package config
