// Package config loads the metahook configuration file.
//
// # Overview
//
// Configuration is written in CUE. The file is unified with an embedded schema, which rejects
// unknown fields and out-of-range values with their source positions, then overlaid on the
// defaults returned by Default and checked with struct tag validation.
//
// A missing configuration file is not an error: every setting has a default.
//
// # Configuration Structure
//
//	delegation: {
//	    metadataPrefix:     "META-INF"
//	    excludedManifest:   "MANIFEST.MF"
//	    fragmentDir:        "spring"
//	    fragmentSuffix:     ".xml"
//	    suppressedInvokers: ["org.springframework.osgi.context.support.DelegatedEntityResolver"]
//	    policyPath:         "policies/delegation.rego"
//	    watch:              true
//	}
//
//	store: path: ".metahook/metahook.db"
//
//	modules: directory: "modules"
//
//	telemetry: {
//	    logging: {level: "debug", format: "console"}
//	    metrics: {enabled: true, listenAddress: ":9090"}
//	    tracing: {enabled: false, exporter: "stdout"}
//	}
//
// # Error Handling
//
// Load returns every problem it finds, aggregated. Each one is a ValidationError carrying the
// file, line and column when CUE reports them:
//
//	ValidationError{
//	    File:     "metahook.cue",
//	    Line:     12,
//	    Column:   14,
//	    Path:     "telemetry.logging.level",
//	    Message:  `conflicting values "verbose" and "debug"`,
//	    Severity: "error",
//	}
package config
