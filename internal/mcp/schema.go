package mcp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ArgumentError reports tool arguments that do not satisfy the tool's
// input schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// ArgumentValidator compiles tool input schemas on first use and caches
// them by tool name. A schema that fails to compile disables validation for
// that tool rather than blocking it.
type ArgumentValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
	broken   map[string]error
}

// NewArgumentValidator creates an empty validator.
func NewArgumentValidator() *ArgumentValidator {
	return &ArgumentValidator{
		compiled: make(map[string]*jsonschema.Schema),
		broken:   make(map[string]error),
	}
}

// Reset drops all cached schemas. Called when the tool list changes.
func (v *ArgumentValidator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.compiled = make(map[string]*jsonschema.Schema)
	v.broken = make(map[string]error)
}

// Validate checks args against the tool's input schema.
func (v *ArgumentValidator) Validate(tool *MCPTool, args map[string]any) error {
	if tool == nil {
		return nil
	}
	schema, err := v.schemaFor(tool)
	if err != nil || schema == nil {
		return nil
	}

	// Round-trip so numbers and nested values have the shapes the
	// validator expects regardless of how args were built.
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return &ArgumentError{Tool: tool.Name, Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ArgumentError{Tool: tool.Name, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ArgumentError{Tool: tool.Name, Err: err}
	}
	return nil
}

func (v *ArgumentValidator) schemaFor(tool *MCPTool) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.compiled[tool.Name]; ok {
		return s, nil
	}
	if err, ok := v.broken[tool.Name]; ok {
		return nil, err
	}

	s, err := jsonschema.CompileString("tool_"+tool.Name+".json", string(tool.ParametersSchema()))
	if err != nil {
		v.broken[tool.Name] = err
		return nil, err
	}
	v.compiled[tool.Name] = s
	return s, nil
}
