package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sietchtabr/openai-image-mcp/internal/notify"
	"github.com/sietchtabr/openai-image-mcp/internal/openai"
)

const (
	serverName      = "openai-image-mcp"
	serverVersion   = "0.1.0"
	protocolVersion = "2024-11-05"
)

// Connector is the provider capability the server depends on.
type Connector interface {
	Ask(ctx context.Context, req openai.AskRequest) (string, error)
	CreateImage(ctx context.Context, req openai.ImageRequest) ([]openai.ImageData, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Config carries the per-request policy knobs the orchestrator applies.
type Config struct {
	// ByteBudget is the target maximum size of each compressed image.
	ByteBudget int

	// ArchiveDir, when non-empty, receives the raw provider bytes of
	// every generated image under a fresh filename.
	ArchiveDir string

	// DownloadBaseURL prefixes archive download links in status lines.
	// Empty suppresses the links.
	DownloadBaseURL string
}

// Server handles MCP protocol communication over a line-delimited
// JSON-RPC stream, normally stdin/stdout.
type Server struct {
	connector Connector
	cfg       Config
	logger    zerolog.Logger

	in  io.Reader
	out *messageWriter

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// MCPRequest represents an incoming JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC error
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPNotification represents an outgoing notification (no ID)
type MCPNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Options configures a Server. In and Out default to stdin and stdout.
type Options struct {
	Connector Connector
	Config    Config
	Logger    zerolog.Logger
	In        io.Reader
	Out       io.Writer
}

// New creates a new MCP server instance
func New(opts Options) *Server {
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Server{
		connector: opts.Connector,
		cfg:       opts.Config,
		logger:    opts.Logger,
		in:        in,
		out:       newMessageWriter(out),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Run reads messages until the input stream ends. Tool calls execute in
// their own goroutines so cancellation notifications can reach in-flight
// requests; Run waits for them to drain before returning.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	// Increase buffer size for large requests
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn().Err(err).Msg("failed to parse request")
			continue
		}

		s.dispatch(ctx, &req)
	}

	s.wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// dispatch routes one message. Cheap methods answer inline; tool calls run
// concurrently under a cancellable context registered by request id.
func (s *Server) dispatch(ctx context.Context, req *MCPRequest) {
	switch req.Method {
	case "initialize":
		s.out.writeResponse(s.handleInitialize(req))
	case "notifications/initialized":
		// Client acknowledgment, no response needed
	case "notifications/cancelled", "cancelled":
		s.handleCancelled(req)
	case "tools/list":
		s.out.writeResponse(s.handleToolsList(req))
	case "ping":
		s.out.writeResponse(&MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}})
	case "tools/call":
		reqCtx, cancel := context.WithCancel(ctx)
		key := requestKey(req.ID)
		s.mu.Lock()
		s.inflight[key] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inflight, key)
				s.mu.Unlock()
				cancel()
			}()
			s.out.writeResponse(s.handleToolsCall(reqCtx, req))
		}()
	default:
		if req.ID == nil {
			// Unknown notification, nothing to answer.
			return
		}
		s.out.writeResponse(&MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		})
	}
}

// handleInitialize responds to the initialize request
func (s *Server) handleInitialize(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		},
	}
}

type cancelledParams struct {
	RequestID interface{} `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// handleCancelled cancels the in-flight request named by the notification.
// Unknown ids are ignored: the request may have completed already.
func (s *Server) handleCancelled(req *MCPRequest) {
	var params cancelledParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.logger.Debug().Err(err).Msg("malformed cancellation notification")
		return
	}

	key := requestKey(params.RequestID)
	s.mu.Lock()
	cancel, ok := s.inflight[key]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().Str("request_id", key).Msg("cancellation for unknown request")
		return
	}
	s.logger.Info().Str("request_id", key).Str("reason", params.Reason).Msg("cancelling request")
	cancel()
}

// requestKey normalizes a JSON-RPC id (string or number) into a map key.
func requestKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; ids are integral on the wire.
		return fmt.Sprintf("%d", int64(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

// progressParams is the wire form of a progress notification.
type progressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      float64     `json:"progress"`
	Total         float64     `json:"total"`
}

// SendProgress implements notify.Sink by writing a progress notification
// to the output stream. A cancelled context fails the send unless the
// caller shielded it; write errors surface to the notification manager.
func (s *Server) SendProgress(ctx context.Context, e notify.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.out.writeNotification("notifications/progress", progressParams{
		ProgressToken: e.Token,
		Progress:      e.Progress,
		Total:         e.Total,
	})
}

var _ notify.Sink = (*Server)(nil)

// messageWriter serializes concurrent writes of responses and
// notifications onto one stream.
type messageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newMessageWriter(w io.Writer) *messageWriter {
	return &messageWriter{enc: json.NewEncoder(w)}
}

func (w *messageWriter) writeResponse(resp *MCPResponse) {
	if resp == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(resp)
}

func (w *messageWriter) writeNotification(method string, params interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(&MCPNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}
