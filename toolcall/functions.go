package toolcall

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolFunction serves a tool in-process. It receives the validated arguments
// and returns the result text handed back to the reasoning backend.
type ToolFunction func(ctx context.Context, args map[string]any) (string, error)

// FunctionRegistry maps tool names to in-process functions for tools without a webhook
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]ToolFunction
}

// NewFunctionRegistry creates a new function registry
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{functions: make(map[string]ToolFunction)}
}

// Register registers a function for a tool name
func (fr *FunctionRegistry) Register(toolName string, fn ToolFunction) error {
	if toolName == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("function cannot be nil for tool: %s", toolName)
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	if _, exists := fr.functions[toolName]; exists {
		return fmt.Errorf("function already registered for tool: %s", toolName)
	}
	fr.functions[toolName] = fn
	return nil
}

// MustRegister registers a function and panics if there's an error
func (fr *FunctionRegistry) MustRegister(toolName string, fn ToolFunction) {
	if err := fr.Register(toolName, fn); err != nil {
		panic(fmt.Sprintf("failed to register tool function %s: %v", toolName, err))
	}
}

// Get retrieves a function for a tool name
func (fr *FunctionRegistry) Get(toolName string) (ToolFunction, bool) {
	if fr == nil {
		return nil, false
	}
	fr.mu.RLock()
	defer fr.mu.RUnlock()

	fn, ok := fr.functions[toolName]
	return fn, ok
}

// Has checks if a function is registered for a tool name
func (fr *FunctionRegistry) Has(toolName string) bool {
	_, ok := fr.Get(toolName)
	return ok
}

// Execute executes a tool function by name
func (fr *FunctionRegistry) Execute(ctx context.Context, toolName string, args map[string]any) (string, error) {
	fn, ok := fr.Get(toolName)
	if !ok {
		return "", &FunctionNotFoundError{ToolName: toolName}
	}
	return fn(ctx, args)
}

// Names returns all registered tool names, sorted
func (fr *FunctionRegistry) Names() []string {
	fr.mu.RLock()
	defer fr.mu.RUnlock()

	names := make([]string, 0, len(fr.functions))
	for name := range fr.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionNotFoundError is returned when a function is not found for a tool
type FunctionNotFoundError struct {
	ToolName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function not found for tool: %s", e.ToolName)
}
