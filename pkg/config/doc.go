// Package config loads the integrator configuration.
//
// Files may be YAML, JSON or CUE. Every file is unified with a closed CUE
// schema, so unknown keys and out-of-range values are reported with their
// position, then decoded over Defaults and checked with struct validation.
// INTEGRATOR_LOG_LEVEL, INTEGRATOR_LISTEN_ADDRESS and INTEGRATOR_DB_PATH
// override file values; command-line flags override both.
//
// A minimal YAML file:
//
//	environment: production
//	server:
//	  listen_address: ":8443"
//	storage:
//	  driver: sqlite
//	  path: /var/lib/integrator/integrator.db
//	policy:
//	  kind: rego
//	  paths: [/etc/integrator/policies]
//	  watch: true
//	scan:
//	  cooldown: 10m
//	  durations:
//	    AWS: 30s
package config
