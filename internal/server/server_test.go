package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sietchtabr/openai-image-mcp/internal/openai"
)

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *MCPError       `json:"error"`
}

// runSession feeds the given lines to a server backed by conn and returns
// every message it wrote.
func runSession(t *testing.T, conn Connector, lines ...string) []wireMessage {
	t.Helper()
	out := &bytes.Buffer{}
	s := New(Options{
		Connector: conn,
		Config:    Config{ByteBudget: 512 * 1024},
		Logger:    zerolog.Nop(),
		In:        strings.NewReader(strings.Join(lines, "\n") + "\n"),
		Out:       out,
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var msgs []wireMessage
	dec := json.NewDecoder(bytes.NewReader(out.Bytes()))
	for dec.More() {
		var msg wireMessage
		if err := dec.Decode(&msg); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func responseByID(t *testing.T, msgs []wireMessage, id float64) *wireMessage {
	t.Helper()
	for i := range msgs {
		if got, ok := msgs[i].ID.(float64); ok && got == id {
			return &msgs[i]
		}
	}
	t.Fatalf("no response with id %v in %+v", id, msgs)
	return nil
}

func TestInitializeHandshake(t *testing.T) {
	msgs := runSession(t, &fakeConnector{},
		`{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": {}}`,
		`{"jsonrpc": "2.0", "method": "notifications/initialized"}`,
	)

	resp := responseByID(t, msgs, 1)
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "openai-image-mcp" {
		t.Errorf("server name = %q", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	msgs := runSession(t, &fakeConnector{},
		`{"jsonrpc": "2.0", "id": 7, "method": "tools/list"}`,
	)

	resp := responseByID(t, msgs, 7)
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 2 {
		t.Errorf("listed %d tools, want 2", len(result.Tools))
	}
}

func TestPing(t *testing.T) {
	msgs := runSession(t, &fakeConnector{},
		`{"jsonrpc": "2.0", "id": 3, "method": "ping"}`,
	)
	resp := responseByID(t, msgs, 3)
	if resp.Error != nil {
		t.Errorf("ping failed: %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	msgs := runSession(t, &fakeConnector{},
		`{"jsonrpc": "2.0", "id": 4, "method": "resources/list"}`,
	)
	resp := responseByID(t, msgs, 4)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("resp = %+v, want method not found", resp)
	}
}

func TestToolsCallRoundTrip(t *testing.T) {
	conn := &fakeConnector{
		askFn: func(ctx context.Context, req openai.AskRequest) (string, error) {
			return "forty-two", nil
		},
	}
	msgs := runSession(t, conn,
		`{"jsonrpc": "2.0", "id": 5, "method": "tools/call", "params": {"name": "ask-openai", "arguments": {"query": "the answer?"}}}`,
	)

	resp := responseByID(t, msgs, 5)
	if resp.Error != nil {
		t.Fatalf("call failed: %+v", resp.Error)
	}
	var result struct {
		Content []ContentItem `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "forty-two") {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestMalformedLineIsIgnored(t *testing.T) {
	msgs := runSession(t, &fakeConnector{},
		`this is not json`,
		`{"jsonrpc": "2.0", "id": 9, "method": "ping"}`,
	)
	resp := responseByID(t, msgs, 9)
	if resp.Error != nil {
		t.Errorf("ping after garbage failed: %+v", resp.Error)
	}
}

// A cancellation notification arriving while a tools/call is in flight must
// reach the call's context.
func TestCancelledNotificationStopsInflightCall(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	conn := &fakeConnector{
		createFn: func(ctx context.Context, req openai.ImageRequest) ([]openai.ImageData, error) {
			once.Do(func() { close(started) })
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Second):
				return nil, nil
			}
		},
	}

	in, inWriter := io.Pipe()
	out := &bytes.Buffer{}
	s := New(Options{
		Connector: conn,
		Config:    Config{ByteBudget: 512 * 1024},
		Logger:    zerolog.Nop(),
		In:        in,
		Out:       out,
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	writeLine := func(line string) {
		if _, err := io.WriteString(inWriter, line+"\n"); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	writeLine(`{"jsonrpc": "2.0", "id": 11, "method": "tools/call", "params": {"name": "create-image", "arguments": {"prompt": "a fox"}}}`)
	<-started
	writeLine(`{"jsonrpc": "2.0", "method": "notifications/cancelled", "params": {"requestId": 11, "reason": "user gave up"}}`)
	inWriter.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish after cancellation")
	}

	var resp *wireMessage
	dec := json.NewDecoder(bytes.NewReader(out.Bytes()))
	for dec.More() {
		var msg wireMessage
		if err := dec.Decode(&msg); err != nil {
			t.Fatal(err)
		}
		if id, ok := msg.ID.(float64); ok && id == 11 {
			resp = &msg
		}
	}
	if resp == nil {
		t.Fatal("no response for cancelled call")
	}
	var result struct {
		Content []ContentItem `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "cancelled") {
		t.Errorf("content = %+v, want cancellation text", result.Content)
	}
}
