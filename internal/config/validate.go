package config

import (
	"fmt"
	"time"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Validation error codes (E200-E299)
const (
	ErrInvalidDuration = "E201" // duration does not parse
	ErrBackoffRange    = "E202" // backoff base outside [MinBackoffBase, MaxBackoffBase]
	ErrRedisAddr       = "E203" // redis configured without an address
)

// Allowed range of the backoff base window.
const (
	MinBackoffBase = 5 * time.Minute
	MaxBackoffBase = 30 * time.Minute
)

// ConfigError is a CUE load, unification or decode failure.
type ConfigError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ConfigError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	field := "cue"
	if path := first.Path(); len(path) > 0 {
		field = joinPath(path)
	}
	ce := &ConfigError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

func joinPath(path []string) string {
	out := path[0]
	for _, p := range path[1:] {
		out += "." + p
	}
	return out
}

// ValidationError is a semantic check that the schema cannot express.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a decoded configuration.
// Returns all errors found (does not fail-fast).
func Validate(c *Config) []ValidationError {
	var errs []ValidationError

	base, err := time.ParseDuration(c.Backoff.Base)
	switch {
	case err != nil:
		errs = append(errs, ValidationError{
			Field:   "backoff.base",
			Message: fmt.Sprintf("invalid duration %q", c.Backoff.Base),
			Code:    ErrInvalidDuration,
		})
	case base < MinBackoffBase || base > MaxBackoffBase:
		errs = append(errs, ValidationError{
			Field:   "backoff.base",
			Message: fmt.Sprintf("%s is outside %s..%s", base, MinBackoffBase, MaxBackoffBase),
			Code:    ErrBackoffRange,
		})
	}

	if r := c.Backoff.Redis; r != nil && r.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "backoff.redis.addr",
			Message: "address is required when redis is configured",
			Code:    ErrRedisAddr,
		})
	}

	return errs
}
