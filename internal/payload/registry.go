package payload

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnknownSchema is returned by Validate for topics with no registered schema.
var ErrUnknownSchema = errors.New("payload: no schema registered for topic")

// Schema describes the validation rules for one topic's payload.
type Schema struct {
	// Name is a short label used in log messages (e.g., "MusicCommand").
	Name string

	// Required lists the dict keys that must be present and non-empty strings
	// (or non-nil for non-string values).
	Required []string

	// Check performs schema-specific validation beyond required-field presence,
	// e.g. enum membership. May be nil.
	Check func(d Dict) error
}

// Registry maps topics to their payload schemas. Validation is advisory by
// design: a failing payload is logged and delivered as-is rather than dropped,
// so a schema mistake never silences an event stream.
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns an empty registry. Topic bindings are registered by the
// bus package at construction time.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register binds a schema to a topic. Re-registering a topic replaces the
// previous schema.
func (r *Registry) Register(topic string, s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[topic] = s
}

// Lookup returns the schema bound to topic, if any.
func (r *Registry) Lookup(topic string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[topic]
	return s, ok
}

// Validate checks d against the schema registered for topic. Returns
// [ErrUnknownSchema] when no schema is bound, a descriptive error when
// validation fails, and nil when the payload conforms.
func (r *Registry) Validate(topic string, d Dict) error {
	s, ok := r.Lookup(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, topic)
	}

	var errs []error
	for _, key := range s.Required {
		v, present := d[key]
		if !present || v == nil {
			errs = append(errs, fmt.Errorf("%s: missing required field %q", s.Name, key))
			continue
		}
		if str, isStr := v.(string); isStr && str == "" {
			errs = append(errs, fmt.Errorf("%s: required field %q is empty", s.Name, key))
		}
	}
	if s.Check != nil {
		if err := s.Check(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Convert turns any payload value into its dict view and validates it against
// the topic's schema. Validation failure is logged as a warning and the raw
// dict is returned anyway — subscribers always receive a dict-shaped view.
// Conversion failure (unmarshalable value) is the only hard error.
func (r *Registry) Convert(topic string, v any) (Dict, error) {
	d, err := ToDict(v)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(topic, d); err != nil && !errors.Is(err, ErrUnknownSchema) {
		slog.Warn("payload failed schema validation, delivering raw dict",
			"topic", topic, "err", err)
	}
	return d, nil
}

// OneOf returns a Check function verifying that field, when present, is one of
// the allowed values. Used for enum-shaped fields (modes, actions, layers).
func OneOf(field string, allowed ...string) func(Dict) error {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return func(d Dict) error {
		v, ok := d[field]
		if !ok {
			return nil
		}
		s, isStr := v.(string)
		if !isStr {
			return fmt.Errorf("field %q must be a string", field)
		}
		if _, allowed := set[s]; !allowed {
			return fmt.Errorf("field %q has invalid value %q", field, s)
		}
		return nil
	}
}

// AllChecks composes several Check functions into one, joining their errors.
func AllChecks(checks ...func(Dict) error) func(Dict) error {
	return func(d Dict) error {
		var errs []error
		for _, c := range checks {
			if err := c(d); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
