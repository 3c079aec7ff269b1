package responses

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Validator rejects malformed requests before any storage or model call.
type Validator interface {
	Validate(req Request) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(req Request) error

func (f ValidatorFunc) Validate(req Request) error { return f(req) }

// Limits applied by DefaultValidator.
const (
	MaxInputChars      = 100000
	MaxMetadataEntries = 16
	MaxMetadataKeyLen  = 64
	MaxMetadataValLen  = 512
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
)

// DefaultValidator enforces input, temperature, metadata and id shape limits.
type DefaultValidator struct{}

func (DefaultValidator) Validate(req Request) error {
	if strings.TrimSpace(req.Input) == "" {
		return errors.New("input must not be empty")
	}
	if n := utf8.RuneCountInString(req.Input); n > MaxInputChars {
		return errors.Errorf("input is %d characters; the limit is %d", n, MaxInputChars)
	}
	if req.Temperature != nil {
		t := *req.Temperature
		// Written as a negated range so NaN is rejected.
		if !(t >= MinTemperature && t <= MaxTemperature) {
			return errors.Errorf("temperature %.2f is outside [%.0f, %.0f]", t, MinTemperature, MaxTemperature)
		}
	}
	if len(req.Metadata) > MaxMetadataEntries {
		return errors.Errorf("metadata has %d entries; the limit is %d", len(req.Metadata), MaxMetadataEntries)
	}
	for k, v := range req.Metadata {
		if k == "" {
			return errors.New("metadata keys must not be empty")
		}
		if utf8.RuneCountInString(k) > MaxMetadataKeyLen {
			return errors.Errorf("metadata key %q exceeds %d characters", truncate(k, 16), MaxMetadataKeyLen)
		}
		if utf8.RuneCountInString(v) > MaxMetadataValLen {
			return errors.Errorf("metadata value for %q exceeds %d characters", k, MaxMetadataValLen)
		}
	}
	if prev := req.PreviousResponseID; prev != "" && !IsResponseID(prev) {
		return errors.Errorf("previous_response_id %q is not a response id", truncate(prev, 40))
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
