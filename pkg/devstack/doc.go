// Package devstack bootstraps a service's Open edX devstack.
//
// A Provisioner runs the bootstrap as one engine target, dev.provision:
//
//	docker-compose up -d
//	wait until `mysql -se "SELECT EXISTS(...)"` succeeds in the db container
//	CREATE DATABASE IF NOT EXISTS <service>
//	make migrate in the app container
//	create the edx superuser (optional)
//	manage_user <service>_worker in the LMS container
//	create_dot_application for the SSO and backend-service clients
//	docker-compose restart app
//
// Commands go through a transports.Runner, so the same bootstrap works
// against a local docker daemon or a remote one over SSH. Client secrets
// are masked in every echoed command and only their fingerprints reach the
// store.
package devstack
