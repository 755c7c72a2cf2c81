package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "ask-openai",
			Description: "Ask an OpenAI assistant model a direct question",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "The question to ask",
					},
					"model": map[string]interface{}{
						"type":    "string",
						"default": "gpt-4",
						"enum":    []string{"gpt-4", "gpt-3.5-turbo"},
					},
					"temperature": map[string]interface{}{
						"type":    "number",
						"default": 0.7,
						"minimum": 0,
						"maximum": 2,
					},
					"max_tokens": map[string]interface{}{
						"type":    "integer",
						"default": 500,
						"minimum": 1,
						"maximum": 4000,
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "create-image",
			Description: "Generate images with DALL-E, displayed directly in the conversation",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"prompt": map[string]interface{}{
						"type":        "string",
						"minLength":   1,
						"description": "Description of the image to generate",
					},
					"model": map[string]interface{}{
						"type":        "string",
						"default":     "dall-e-3",
						"enum":        []string{"dall-e-3", "dall-e-2"},
						"description": "Model selection. DALL-E 3 supports more sizes",
					},
					"size": map[string]interface{}{
						"type":    "string",
						"default": "1024x1024",
						"enum": []string{
							"1024x1024", "512x512", "256x256",
							"1792x1024", "1024x1792",
						},
						"description": "Image dimensions. Landscape (1792x1024) and portrait (1024x1792) require DALL-E 3",
					},
					"quality": map[string]interface{}{
						"type":        "string",
						"default":     "standard",
						"enum":        []string{"standard", "hd"},
						"description": "Image quality. Only DALL-E 3 supports hd",
					},
					"n": map[string]interface{}{
						"type":        "integer",
						"default":     1,
						"minimum":     1,
						"maximum":     10,
						"description": "Number of images to generate",
					},
					"timeout": map[string]interface{}{
						"type":        "number",
						"default":     60.0,
						"minimum":     30.0,
						"maximum":     300.0,
						"description": "Per-attempt request timeout in seconds",
					},
					"max_retries": map[string]interface{}{
						"type":        "integer",
						"default":     3,
						"minimum":     0,
						"maximum":     5,
						"description": "Maximum retries after a timeout",
					},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema map[string]*jsonschema.Schema
)

// toolSchemas compiles each tool's input schema once, on first use.
func toolSchemas() map[string]*jsonschema.Schema {
	schemaOnce.Do(func() {
		compiledSchema = make(map[string]*jsonschema.Schema)
		for _, tool := range GetToolDefinitions() {
			raw, err := json.Marshal(tool.InputSchema)
			if err != nil {
				panic(fmt.Sprintf("marshal schema for %s: %v", tool.Name, err))
			}
			c := jsonschema.NewCompiler()
			if err := c.AddResource(tool.Name+".json", bytes.NewReader(raw)); err != nil {
				panic(fmt.Sprintf("schema resource for %s: %v", tool.Name, err))
			}
			s, err := c.Compile(tool.Name + ".json")
			if err != nil {
				panic(fmt.Sprintf("compile schema for %s: %v", tool.Name, err))
			}
			compiledSchema[tool.Name] = s
		}
	})
	return compiledSchema
}

// validateArguments checks raw tool arguments against the tool's declared
// input schema before any handler work happens.
func validateArguments(name string, raw json.RawMessage) error {
	schema, ok := toolSchemas()[name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
