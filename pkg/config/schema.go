package config

// schemaSource constrains configuration files before they are decoded. The
// definition is closed, so unknown keys are rejected.
const schemaSource = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Provider: "AWS" | "AZURE" | "GCP" | "IDC" | "SDU"

#CatalogEntry: {
	resource_id:    string & !=""
	type:           string & !=""
	database_type?: string
	region?:        string
}

#Config: {
	environment?: "development" | "staging" | "production"

	server?: {
		listen_address?:   string & !=""
		read_timeout?:     #Duration
		write_timeout?:    #Duration
		shutdown_timeout?: #Duration
	}

	storage?: {
		driver?: "sqlite" | "memory"
		path?:   string
	}

	policy?: {
		kind?:  "default" | "manual" | "rego" | "starlark"
		paths?: [...string]
		query?: string
		watch?: bool
		script?: string
		timeout?: #Duration
		prevetted?: [#Provider]: [...string]
	}

	scan?: {
		cooldown?:         #Duration
		default_duration?: #Duration
		durations?: [#Provider]: #Duration
		tick_interval?: #Duration
	}

	install?: workers?: int & >=1 & <=64

	providers?: {
		latency?: #Duration
		catalog?: [#Provider]: [...#CatalogEntry]
	}

	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		format?: "console" | "json"
		output?: string & !=""
	}

	tracing?: {
		enabled?:       bool
		exporter?:      "otlp" | "stdout" | "none"
		endpoint?:      string
		sampling_rate?: number & >=0 & <=1
		insecure?:      bool
	}

	metrics?: {
		enabled?:        bool
		namespace?:      string
		listen_address?: string
	}
}
`
