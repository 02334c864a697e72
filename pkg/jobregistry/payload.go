package jobregistry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadShape tags which historical layout a stored payload used.
type PayloadShape int

const (
	// ShapeMulti is the current layout: {"asins": ["X", "Y"], ...}.
	ShapeMulti PayloadShape = iota
	// ShapeSingle is the legacy layout: {"asin": "X", ...}.
	ShapeSingle
	// ShapeEmpty has no subject (library-wide jobs).
	ShapeEmpty
)

func (s PayloadShape) String() string {
	switch s {
	case ShapeSingle:
		return "single"
	case ShapeEmpty:
		return "empty"
	default:
		return "multi"
	}
}

// Payload is the normalized task arguments. The legacy single-subject shape is
// never produced by Marshal; it is only accepted by NormalizePayload.
type Payload struct {
	ASINs   []string                   `json:"asins,omitempty"`
	Options map[string]json.RawMessage `json:"-"`
}

// RawPayload is the decoded-but-not-normalized form of a stored payload.
type RawPayload struct {
	Shape   PayloadShape
	ASIN    string
	ASINs   []string
	Options map[string]json.RawMessage
}

// DecodePayload classifies a stored payload without normalizing it.
func DecodePayload(data []byte) (RawPayload, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return RawPayload{Shape: ShapeEmpty}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return RawPayload{}, fmt.Errorf("%w: payload must be a JSON object: %v", ErrValidation, err)
	}

	raw := RawPayload{Shape: ShapeEmpty, Options: map[string]json.RawMessage{}}
	if v, ok := fields["asins"]; ok {
		var asins []string
		if err := json.Unmarshal(v, &asins); err != nil {
			return RawPayload{}, fmt.Errorf("%w: asins must be a list of strings", ErrValidation)
		}
		raw.ASINs = asins
		raw.Shape = ShapeMulti
	}
	if v, ok := fields["asin"]; ok {
		var asin string
		if err := json.Unmarshal(v, &asin); err != nil {
			return RawPayload{}, fmt.Errorf("%w: asin must be a string", ErrValidation)
		}
		raw.ASIN = asin
		if raw.Shape != ShapeMulti {
			raw.Shape = ShapeSingle
		}
	}
	for k, v := range fields {
		if k == "asin" || k == "asins" {
			continue
		}
		raw.Options[k] = v
	}
	return raw, nil
}

// Normalize folds any shape into the multi-subject Payload. ASINs are trimmed
// and de-duplicated, preserving order.
func (r RawPayload) Normalize() Payload {
	var candidates []string
	switch r.Shape {
	case ShapeMulti:
		candidates = append(candidates, r.ASINs...)
		// A stray legacy key next to the list still names a subject.
		if r.ASIN != "" {
			candidates = append(candidates, r.ASIN)
		}
	case ShapeSingle:
		candidates = []string{r.ASIN}
	}

	seen := make(map[string]struct{}, len(candidates))
	asins := make([]string, 0, len(candidates))
	for _, a := range candidates {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		asins = append(asins, a)
	}

	p := Payload{ASINs: asins}
	if len(r.Options) > 0 {
		p.Options = make(map[string]json.RawMessage, len(r.Options))
		for k, v := range r.Options {
			p.Options[k] = v
		}
	}
	return p
}

// NormalizePayload decodes and normalizes in one step.
func NormalizePayload(data []byte) (Payload, error) {
	raw, err := DecodePayload(data)
	if err != nil {
		return Payload{}, err
	}
	return raw.Normalize(), nil
}

// MarshalJSON always writes the multi-subject shape with options inlined.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Options)+1)
	for k, v := range p.Options {
		out[k] = v
	}
	asins := p.ASINs
	if asins == nil {
		asins = []string{}
	}
	out["asins"] = asins
	return json.Marshal(out)
}

// UnmarshalJSON accepts both historical shapes.
func (p *Payload) UnmarshalJSON(data []byte) error {
	n, err := NormalizePayload(data)
	if err != nil {
		return err
	}
	*p = n
	return nil
}

// Option decodes one task-specific option into v. It reports false when the
// option is absent.
func (p Payload) Option(key string, v any) (bool, error) {
	raw, ok := p.Options[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("%w: option %q: %v", ErrValidation, key, err)
	}
	return true, nil
}

// PrimaryASIN is the subject recorded in book_asin: set only when the payload
// names exactly one item.
func (p Payload) PrimaryASIN() *string {
	if len(p.ASINs) != 1 {
		return nil
	}
	a := p.ASINs[0]
	return &a
}

// Validate checks the payload against what the task type needs.
func (p Payload) Validate(t TaskType) error {
	switch t {
	case TaskDownload, TaskConvert:
		if len(p.ASINs) == 0 {
			return fmt.Errorf("%w: %s requires at least one asin", ErrValidation, t)
		}
	case TaskSync, TaskRepair:
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, t)
	}
	return nil
}
