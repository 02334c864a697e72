// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// JobRequestSchema is the embedded job-request JSON schema. It validates
// enqueue requests from the HTTP API and job manifest files given to the CLI.
//
//go:embed job-request.schema.json
var JobRequestSchema []byte
