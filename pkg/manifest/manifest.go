// Package manifest parses and validates job requests.
//
// A job request names a task type and its payload. It arrives as the JSON
// body of POST /api/jobs or as a YAML/JSON manifest file given to
// "audioshelf jobs enqueue -f". Both are validated against the embedded
// job-request JSON schema, which rejects unknown top-level fields.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	task_type: download
//	payload:
//	  asins: [B07B4JJ5VT, B002V0QK4C]
//	  quality: high
//	  cover: true
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// Manifest is a validated job request.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest format version. Empty means "1.0".
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// TaskType is one of download, convert, sync, repair (any casing).
	TaskType string `json:"task_type" yaml:"task_type"`

	// Payload holds the task arguments: "asins" (or the legacy single "asin")
	// plus task specific options.
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Task returns the parsed task type.
func (m *Manifest) Task() (jobregistry.TaskType, error) {
	return jobregistry.ParseTaskType(m.TaskType)
}

// NormalizedPayload returns the payload in the engine's canonical shape and
// checks it against what the task type requires.
func (m *Manifest) NormalizedPayload() (jobregistry.Payload, error) {
	tt, err := m.Task()
	if err != nil {
		return jobregistry.Payload{}, err
	}
	var raw []byte
	if m.Payload != nil {
		raw, err = json.Marshal(m.Payload)
		if err != nil {
			return jobregistry.Payload{}, fmt.Errorf("encode payload: %w", err)
		}
	}
	p, err := jobregistry.NormalizePayload(raw)
	if err != nil {
		return jobregistry.Payload{}, err
	}
	if err := p.Validate(tt); err != nil {
		return jobregistry.Payload{}, err
	}
	return p, nil
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = "1.0"
	}
}
