package toolcall

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
)

// ValidationResult is the outcome of checking one call's arguments
type ValidationResult struct {
	Valid  bool
	Errors []string

	// CoercedArgs holds the arguments after type coercion, without optional
	// parameters that were dropped as placeholders
	CoercedArgs map[string]any
}

// Validator checks tool arguments against the declared schema
type Validator struct {
	phrases config.Phrases
	now     func() time.Time
}

// NewValidator creates a validator using the placeholder tables in phrases
func NewValidator(phrases config.Phrases) *Validator {
	return &Validator{phrases: phrases, now: time.Now}
}

// Validate checks args against tool's schema with a fresh validator
func Validate(tool model.Tool, args map[string]any, phrases config.Phrases) ValidationResult {
	return NewValidator(phrases).Validate(tool, args)
}

// IsPlaceholder checks a single value with a fresh validator
func IsPlaceholder(field, value, description string, phrases config.Phrases) (bool, string) {
	return NewValidator(phrases).IsPlaceholder(field, value, description)
}

// Validate reports missing required parameters, coerces string values to
// their declared number and boolean types and rejects placeholder values.
// A placeholder in an optional parameter drops that parameter instead.
func (v *Validator) Validate(tool model.Tool, args map[string]any) ValidationResult {
	schema := tool.Schema()
	result := ValidationResult{CoercedArgs: make(map[string]any, len(args))}

	for _, name := range schema.Required() {
		if val, ok := args[name]; !ok || val == nil {
			result.Errors = append(result.Errors, "missing required parameter: "+name)
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val := args[name]
		if val == nil {
			continue
		}
		param, declared := schema.Param(name)
		if !declared {
			param = model.ParamSchema{Name: name, Type: model.ParamUnknown}
		}

		if s, ok := val.(string); ok {
			if bad, reason := v.IsPlaceholder(name, s, param.Description); bad {
				if param.Required {
					result.Errors = append(result.Errors, fmt.Sprintf("invalid value for required parameter %s: %s", name, reason))
				} else {
					log.Log.Debugf("[ToolValidator] ⏭️  Dropping optional parameter | Tool: %s | Param: %s | Reason: %s", tool.Name, name, reason)
				}
				continue
			}
		}

		coerced, err := coerce(param.Type, val)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("parameter %s: %v", name, err))
			continue
		}
		result.CoercedArgs[name] = coerced
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// coerce converts val to the declared type where the conversion is lossless
func coerce(t model.ParamType, val any) (any, error) {
	switch t {
	case model.ParamInteger:
		switch x := val.(type) {
		case string:
			s := strings.TrimSpace(x)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && isIntegral(f) {
				return int64(f), nil
			}
			return nil, fmt.Errorf("expected an integer, got %q", x)
		case float64:
			if !isIntegral(x) {
				return nil, fmt.Errorf("expected an integer, got %v", x)
			}
			return int64(x), nil
		}
	case model.ParamNumber:
		if x, ok := val.(string); ok {
			s := strings.TrimSpace(x)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			// ParseFloat also accepts NaN and Inf, which no tool can take
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, nil
			}
			return nil, fmt.Errorf("expected a number, got %q", x)
		}
	case model.ParamBoolean:
		if x, ok := val.(string); ok {
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("expected a boolean, got %q", x)
		}
	}
	return val, nil
}

func isIntegral(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) &&
		f >= math.MinInt64 && f <= math.MaxInt64
}
