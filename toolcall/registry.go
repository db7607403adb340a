package toolcall

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"github.com/xeipuuv/gojsonschema"
)

var toolNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]{0,63}$`)

// registeredTool holds a tool with its compiled parameter schema
type registeredTool struct {
	tool   model.Tool
	schema *gojsonschema.Schema
	seq    int
}

// Registry manages the tools each client has declared
type Registry struct {
	mu      sync.RWMutex
	clients map[string]map[string]*registeredTool // client id -> tool name -> tool
	seq     int
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]map[string]*registeredTool)}
}

// NewRegistryFromCatalog registers every client tool declared in the catalog
func NewRegistryFromCatalog(cat *config.Catalog) (*Registry, error) {
	r := NewRegistry()
	if cat == nil {
		return r, nil
	}
	for _, client := range cat.Clients {
		for _, tool := range client.Tools {
			if err := r.Register(client.ID, tool); err != nil {
				return nil, fmt.Errorf("client %s: %w", client.ID, err)
			}
		}
	}
	return r, nil
}

// Register adds a tool for a client. The parameters must be a well-formed JSON
// schema; a tool without a status is active.
func (r *Registry) Register(clientID string, tool model.Tool) error {
	if clientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if !toolNameRe.MatchString(tool.Name) {
		return fmt.Errorf("invalid tool name: %q", tool.Name)
	}
	if tool.Parameters == nil {
		tool.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Parameters))
	if err != nil {
		return fmt.Errorf("invalid parameter schema for tool %s: %w", tool.Name, err)
	}
	if tool.Status == "" {
		tool.Status = model.ToolStatusActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tools, ok := r.clients[clientID]
	if !ok {
		tools = make(map[string]*registeredTool)
		r.clients[clientID] = tools
	}
	if _, exists := tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered for client %s: %s", clientID, tool.Name)
	}
	r.seq++
	tools[tool.Name] = &registeredTool{tool: tool, schema: schema, seq: r.seq}

	log.Log.Debugf("[ToolRegistry] 🔧 Tool registered | ClientID: %s | Tool: %s | Webhook: %t",
		clientID, tool.Name, tool.WebhookURL != "")
	return nil
}

// EnabledToolsFor returns the usable tools of a client in registration order
func (r *Registry) EnabledToolsFor(clientID string) []model.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*registeredTool, 0, len(r.clients[clientID]))
	for _, e := range r.clients[clientID] {
		if e.tool.IsUsable() {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]model.Tool, len(entries))
	for i, e := range entries {
		out[i] = e.tool
	}
	return out
}

// Tool returns a client's tool if it can be used. Hidden and unknown tools
// yield ToolNotFoundError, disabled tools ToolDisabledError.
func (r *Registry) Tool(clientID, name string) (model.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[clientID][name]
	if !ok {
		return model.Tool{}, &model.ToolNotFoundError{ToolName: name}
	}
	if err := e.tool.CanUse(); err != nil {
		return model.Tool{}, err
	}
	return e.tool, nil
}

// SetStatus changes a tool's status, e.g. to take a broken webhook out of rotation
func (r *Registry) SetStatus(clientID, name string, status model.ToolStatus, reason model.DisableReason, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[clientID][name]
	if !ok {
		return &model.ToolNotFoundError{ToolName: name}
	}
	switch status {
	case model.ToolStatusActive:
		e.tool.SetActive()
	case model.ToolStatusHidden:
		e.tool.SetHidden()
	case model.ToolStatusTemporaryDisabled:
		e.tool.SetTemporaryDisabled(reason, message)
	default:
		return fmt.Errorf("unknown tool status: %s", status)
	}
	log.Log.Infof("[ToolRegistry] 🔄 Tool status changed | ClientID: %s | Tool: %s | Status: %s", clientID, name, status)
	return nil
}

// CheckSchema validates already coerced arguments against the full JSON
// schema (enums, formats, bounds) and returns the violations.
func (r *Registry) CheckSchema(clientID, name string, args map[string]any) ([]string, error) {
	r.mu.RLock()
	e, ok := r.clients[clientID][name]
	r.mu.RUnlock()
	if !ok {
		return nil, &model.ToolNotFoundError{ToolName: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, fmt.Errorf("validation error for tool %s: %w", name, err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return violations, nil
}

// Clients returns the ids of clients with at least one tool
func (r *Registry) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Names returns the names of tools usable by a client
func (r *Registry) Names(clientID string) []string {
	tools := r.EnabledToolsFor(clientID)
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// MissingExecutors lists active tools that have neither a webhook nor a registered function
func (r *Registry) MissingExecutors(functions *FunctionRegistry) []string {
	var missing []string
	for _, clientID := range r.Clients() {
		for _, t := range r.EnabledToolsFor(clientID) {
			if t.WebhookURL == "" && !functions.Has(t.Name) {
				missing = append(missing, clientID+"/"+t.Name)
			}
		}
	}
	return missing
}

// describeTool renders a one-line signature, e.g. get_order(order_id*: string)
func describeTool(t model.Tool) string {
	schema := t.Schema()
	params := make([]string, 0, len(schema.Params))
	for _, p := range schema.Params {
		name := p.Name
		if p.Required {
			name += "*"
		}
		params = append(params, name+": "+string(p.Type))
	}
	return t.Name + "(" + strings.Join(params, ", ") + ")"
}
