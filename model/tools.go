package model

import (
	"sort"

	"github.com/google/uuid"
)

// ToolStatus represents the status of a tool
type ToolStatus string

const (
	// ToolStatusActive means the tool is active and can be used
	ToolStatusActive ToolStatus = "active"
	// ToolStatusTemporaryDisabled means the tool is temporarily disabled (broken/maintenance)
	ToolStatusTemporaryDisabled ToolStatus = "temporary_disabled"
	// ToolStatusHidden means the tool is hidden and won't appear in listings
	ToolStatusHidden ToolStatus = "hidden"
)

// DisableReason represents why a tool is disabled
type DisableReason string

const (
	DisableReasonNone        DisableReason = ""
	DisableReasonMaintenance DisableReason = "maintenance"
	DisableReasonError       DisableReason = "error"
	DisableReasonRateLimit   DisableReason = "rate_limit"
	DisableReasonUnavailable DisableReason = "unavailable"
	DisableReasonCustom      DisableReason = "custom"
)

// Tool is a client-declared action the assistant may invoke
type Tool struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// Parameters is the raw JSON-schema object as declared by the client
	Parameters map[string]any `json:"parameters" yaml:"parameters"`

	// WebhookURL receives a POST with the validated arguments. Empty means the
	// tool is served by an in-process function.
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url"`

	// SideEffecting tools run under the lock service. Defaults to true when unset.
	SideEffecting *bool `json:"side_effecting,omitempty" yaml:"side_effecting"`

	Status        ToolStatus    `json:"status,omitempty" yaml:"status"`
	DisableReason DisableReason `json:"disable_reason,omitempty" yaml:"disable_reason"`
	ErrorMessage  string        `json:"error_message,omitempty" yaml:"error_message"`
}

// Schema returns the parsed parameter schema
func (t Tool) Schema() *ToolSchema {
	return ParseSchema(t.Parameters)
}

// NeedsLock reports whether invocations must be guarded by the lock service
func (t Tool) NeedsLock() bool {
	return t.SideEffecting == nil || *t.SideEffecting
}

// IsUsable checks if the tool can be used (not disabled or hidden)
func (t Tool) IsUsable() bool {
	return t.Status == "" || t.Status == ToolStatusActive
}

// CanUse checks if the tool can be used and returns an error if not
func (t Tool) CanUse() error {
	switch t.Status {
	case "", ToolStatusActive:
		return nil
	case ToolStatusHidden:
		return &ToolNotFoundError{ToolName: t.Name}
	case ToolStatusTemporaryDisabled:
		return &ToolDisabledError{ToolName: t.Name, DisableReason: t.DisableReason, ErrorMessage: t.ErrorMessage}
	default:
		return &ToolDisabledError{
			ToolName:      t.Name,
			DisableReason: DisableReasonCustom,
			ErrorMessage:  "tool status is: " + string(t.Status),
		}
	}
}

// SetTemporaryDisabled marks the tool as temporarily disabled with a reason
func (t *Tool) SetTemporaryDisabled(reason DisableReason, errorMessage string) {
	t.Status = ToolStatusTemporaryDisabled
	t.DisableReason = reason
	t.ErrorMessage = errorMessage
}

// SetHidden marks the tool as hidden
func (t *Tool) SetHidden() {
	t.Status = ToolStatusHidden
	t.DisableReason = DisableReasonNone
	t.ErrorMessage = ""
}

// SetActive marks the tool as active
func (t *Tool) SetActive() {
	t.Status = ToolStatusActive
	t.DisableReason = DisableReasonNone
	t.ErrorMessage = ""
}

// ParamType is the declared type of a tool parameter
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
	// ParamUnknown covers missing or unrecognised types; values pass through unchanged
	ParamUnknown ParamType = "unknown"
)

// ParamSchema describes one declared parameter
type ParamSchema struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// ToolSchema is the parsed form of a tool's JSON-schema parameters object
type ToolSchema struct {
	// Params is sorted by name
	Params []ParamSchema
}

// Param looks up a declared parameter by name
func (s *ToolSchema) Param(name string) (ParamSchema, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSchema{}, false
}

// Required returns the names of required parameters in sorted order
func (s *ToolSchema) Required() []string {
	var out []string
	for _, p := range s.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// ParseSchema converts a JSON-schema object ({"type":"object","properties":{...},"required":[...]})
// into a ToolSchema. Unknown shapes degrade to ParamUnknown instead of failing.
func ParseSchema(raw map[string]any) *ToolSchema {
	schema := &ToolSchema{}
	if raw == nil {
		return schema
	}

	required := map[string]bool{}
	switch req := raw["required"].(type) {
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	case []string:
		for _, name := range req {
			required[name] = true
		}
	}

	props, _ := raw["properties"].(map[string]any)
	for name, p := range props {
		param := ParamSchema{Name: name, Type: ParamUnknown, Required: required[name]}
		if def, ok := p.(map[string]any); ok {
			if t, ok := def["type"].(string); ok {
				param.Type = parseParamType(t)
			}
			if d, ok := def["description"].(string); ok {
				param.Description = d
			}
		}
		schema.Params = append(schema.Params, param)
		delete(required, name)
	}

	// Required names without a property definition are still required
	for name := range required {
		schema.Params = append(schema.Params, ParamSchema{Name: name, Type: ParamUnknown, Required: true})
	}

	sort.Slice(schema.Params, func(i, j int) bool { return schema.Params[i].Name < schema.Params[j].Name })
	return schema
}

func parseParamType(t string) ParamType {
	switch ParamType(t) {
	case ParamString, ParamNumber, ParamInteger, ParamBoolean, ParamObject, ParamArray:
		return ParamType(t)
	default:
		return ParamUnknown
	}
}

// Provenance records how a tool call was obtained from the reasoning backend
type Provenance string

const (
	ProvenanceNative    Provenance = "native"
	ProvenanceExtracted Provenance = "extracted"
)

// ToolCall is a single requested tool invocation within one reasoning pass
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Provenance Provenance     `json:"provenance"`
}

// NewToolCallID generates a unique tool call ID
func NewToolCallID() string {
	return "call_" + uuid.NewString()
}

// ToolNotFoundError is returned when a tool is not found
type ToolNotFoundError struct {
	ToolName string
}

func (e *ToolNotFoundError) Error() string {
	return "tool not found: " + e.ToolName
}

// ToolDisabledError is returned when trying to use a disabled tool
type ToolDisabledError struct {
	ToolName      string
	DisableReason DisableReason
	ErrorMessage  string
}

func (e *ToolDisabledError) Error() string {
	msg := "tool is disabled: " + e.ToolName
	if e.DisableReason != DisableReasonNone {
		msg += " (reason: " + string(e.DisableReason) + ")"
	}
	if e.ErrorMessage != "" {
		msg += " - " + e.ErrorMessage
	}
	return msg
}
