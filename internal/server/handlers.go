package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sietchtabr/openai-image-mcp/internal/imaging"
	"github.com/sietchtabr/openai-image-mcp/internal/metrics"
	"github.com/sietchtabr/openai-image-mcp/internal/notify"
	"github.com/sietchtabr/openai-image-mcp/internal/openai"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke.
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`

	// Meta carries request metadata such as the progress token.
	Meta *toolCallMeta `json:"_meta,omitempty"`
}

type toolCallMeta struct {
	ProgressToken interface{} `json:"progressToken,omitempty"`
}

func (p *ToolCallParams) progressToken() interface{} {
	if p.Meta == nil {
		return nil
	}
	return p.Meta.ProgressToken
}

// ContentItem is one entry of a tool result: either text or a
// base64-encoded image payload.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func textContent(format string, args ...interface{}) ContentItem {
	return ContentItem{Type: "text", Text: fmt.Sprintf(format, args...)}
}

// handleToolsCall validates the arguments against the tool schema and
// dispatches to the tool handler. Image generation never fails the call at
// the protocol level: its errors come back as in-band text content.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	if err := validateArguments(params.Name, params.Arguments); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	switch params.Name {
	case "ask-openai":
		content, err := s.handleAskOpenAI(ctx, params.Arguments)
		if err != nil {
			return s.errorResponse(req.ID, -32000, "Tool execution failed", err.Error())
		}
		return s.resultResponse(req.ID, content)

	case "create-image":
		return s.resultResponse(req.ID, s.handleCreateImage(ctx, params.Arguments, params.progressToken()))

	default:
		return s.errorResponse(req.ID, -32602, "Invalid params", fmt.Sprintf("unknown tool: %s", params.Name))
	}
}

func (s *Server) resultResponse(id interface{}, content []ContentItem) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]interface{}{
			"content": content,
		},
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

type askArgs struct {
	Query       string   `json:"query"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

func (s *Server) handleAskOpenAI(ctx context.Context, args json.RawMessage) ([]ContentItem, error) {
	var a askArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.Model == "" {
		a.Model = "gpt-4"
	}
	temperature := 0.7
	if a.Temperature != nil {
		temperature = *a.Temperature
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 500
	}

	answer, err := s.connector.Ask(ctx, openai.AskRequest{
		Query:       a.Query,
		Model:       a.Model,
		Temperature: temperature,
		MaxTokens:   a.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return []ContentItem{textContent("OpenAI answered:\n%s", answer)}, nil
}

type createImageArgs struct {
	Prompt     string  `json:"prompt"`
	Model      string  `json:"model"`
	Size       string  `json:"size"`
	Quality    string  `json:"quality"`
	N          int     `json:"n"`
	Timeout    float64 `json:"timeout"`
	MaxRetries *int    `json:"max_retries"`
}

// landscape and portrait sizes exist only on the high-tier model.
var dalle3OnlySizes = map[string]bool{
	"1792x1024": true,
	"1024x1792": true,
}

func orientation(size string) string {
	switch size {
	case "1792x1024":
		return "landscape"
	case "1024x1792":
		return "portrait"
	default:
		return "square"
	}
}

// handleCreateImage runs the full generation pipeline: validate, call the
// provider with retries, compress each result under the byte budget, and
// stream progress along the way. It always produces in-band content, never
// a protocol-level error, and always ends with exactly one terminal
// progress notification when a progress token was supplied.
func (s *Server) handleCreateImage(ctx context.Context, args json.RawMessage, token interface{}) []ContentItem {
	var a createImageArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return []ContentItem{textContent("Invalid create-image arguments: %v", err)}
	}
	if a.Model == "" {
		a.Model = "dall-e-3"
	}
	if a.Size == "" {
		a.Size = "1024x1024"
	}
	if a.Quality == "" {
		a.Quality = "standard"
	}
	if a.N == 0 {
		a.N = 1
	}
	if a.Timeout == 0 {
		a.Timeout = 60.0
	}
	maxRetries := 3
	if a.MaxRetries != nil {
		maxRetries = *a.MaxRetries
	}

	// Model/size compatibility is checked before any network call.
	if a.Model == "dall-e-2" && dalle3OnlySizes[a.Size] {
		s.logger.Warn().Str("model", a.Model).Str("size", a.Size).Msg("rejecting incompatible model/size combination")
		metrics.Generation(a.Model, "invalid")
		return []ContentItem{textContent(
			"DALL-E 2 does not support the %s size %s; landscape (1792x1024) and portrait (1024x1792) are only available with DALL-E 3",
			orientation(a.Size), a.Size,
		)}
	}

	var sink notify.Sink
	if token != nil {
		sink = s
	}
	mgr := notify.NewManager(sink, s.logger)
	defer mgr.Close()

	progress := func(value float64, final bool) {
		mgr.Send(ctx, notify.Event{Token: token, Progress: value, Total: 100, Final: final})
	}

	s.logger.Info().
		Str("model", a.Model).
		Str("size", a.Size).
		Str("quality", a.Quality).
		Int("n", a.N).
		Msg("starting image generation")

	progress(0, false)

	images, err := s.connector.CreateImage(ctx, openai.ImageRequest{
		Prompt:     a.Prompt,
		Model:      a.Model,
		Size:       a.Size,
		Quality:    a.Quality,
		N:          a.N,
		Timeout:    time.Duration(a.Timeout * float64(time.Second)),
		MaxRetries: maxRetries,
	})
	if err != nil {
		return s.generationFailure(ctx, a.Model, err, progress)
	}

	progress(50, false)

	contents := []ContentItem{textContent(
		"Generated %d %s image(s) (%s) for prompt: %q",
		len(images), orientation(a.Size), a.Size, a.Prompt,
	)}

	total := len(images)
	for idx, img := range images {
		if ctx.Err() != nil {
			return s.cancelledResult(ctx, a.Model, progress)
		}

		item, sep, err := s.processImage(ctx, idx+1, total, img)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelledResult(ctx, a.Model, progress)
			}
			s.logger.Error().Err(err).Int("index", idx+1).Msg("failed to process image")
			contents = append(contents, textContent("Failed to process image %d: %v", idx+1, err))
		} else {
			contents = append(contents, item, sep)
		}

		progress(50+50*float64(idx+1)/float64(total), false)
	}

	progress(100, true)
	metrics.Generation(a.Model, "success")
	s.logger.Info().Int("images", total).Msg("image generation completed")
	return contents
}

// processImage turns one provider result into response content: fetch the
// bytes if only a URL came back, archive the original when configured, and
// compress under the byte budget.
func (s *Server) processImage(ctx context.Context, idx, total int, img openai.ImageData) (ContentItem, ContentItem, error) {
	data := img.Data
	if data == nil {
		fetched, err := s.connector.Download(ctx, img.URL)
		if err != nil {
			return ContentItem{}, ContentItem{}, fmt.Errorf("download failed: %w", err)
		}
		data = fetched
	}

	var downloadURL string
	if s.cfg.ArchiveDir != "" {
		name, err := s.archiveOriginal(data, img.MimeType)
		if err != nil {
			// Archiving is best-effort; the response still carries the image.
			s.logger.Warn().Err(err).Msg("failed to archive original image")
		} else if s.cfg.DownloadBaseURL != "" {
			downloadURL = s.cfg.DownloadBaseURL + "/images/" + name
		}
	}

	start := time.Now()
	result, err := imaging.Compress(data, s.cfg.ByteBudget)
	if err != nil {
		return ContentItem{}, ContentItem{}, fmt.Errorf("compression failed: %w", err)
	}
	metrics.Compression(time.Since(start), len(result.Data))

	item := ContentItem{
		Type:     "image",
		Data:     base64.StdEncoding.EncodeToString(result.Data),
		MimeType: result.MimeType,
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Displayed image %d of %d.", idx, total)
	if downloadURL != "" {
		fmt.Fprintf(&sb, "\nOriginal: %s", downloadURL)
	}
	sb.WriteString("\n" + strings.Repeat("-", 50))
	return item, ContentItem{Type: "text", Text: sb.String()}, nil
}

// archiveOriginal writes the raw provider bytes under a fresh filename and
// returns the name.
func (s *Server) archiveOriginal(data []byte, mimeType string) (string, error) {
	ext := ".png"
	if mimeType == "image/jpeg" {
		ext = ".jpg"
	}
	name := uuid.New().String() + ext
	if err := os.WriteFile(filepath.Join(s.cfg.ArchiveDir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// generationFailure maps a provider error onto the user-facing content and
// the terminal progress notification the caller is owed.
func (s *Server) generationFailure(ctx context.Context, model string, err error, progress func(float64, bool)) []ContentItem {
	switch {
	case openai.IsCanceled(err) || ctx.Err() == context.Canceled:
		return s.cancelledResult(ctx, model, progress)

	case openai.IsTimeout(err):
		s.logger.Error().Err(err).Msg("image generation timed out")
		progress(0, true)
		metrics.Generation(model, "timeout")
		return []ContentItem{textContent(
			"Error: the image generation request timed out. You can try:\n"+
				"1. Increasing the timeout parameter\n"+
				"2. Increasing the max_retries parameter\n"+
				"3. Simplifying the image description\n\nDetails: %v", err,
		)}

	default:
		s.logger.Error().Err(err).Msg("image generation failed")
		progress(0, true)
		metrics.Generation(model, "error")
		return []ContentItem{textContent("Error generating image: %v", err)}
	}
}

func (s *Server) cancelledResult(ctx context.Context, model string, progress func(float64, bool)) []ContentItem {
	s.logger.Info().Msg("request was cancelled by the client")
	progress(0, true)
	metrics.Generation(model, "cancelled")
	return []ContentItem{textContent("Operation cancelled.")}
}
