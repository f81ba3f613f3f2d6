package mcp

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestEncodeDecodeRequest(t *testing.T) {
	id, err := jsonrpc.MakeID(float64(1))
	if err != nil {
		t.Fatalf("MakeID failed: %v", err)
	}

	params := json.RawMessage(`{"name":"file_read","arguments":{"path":"/tmp/test.txt"}}`)
	req := &jsonrpc.Request{
		ID:     id,
		Method: "tools/call",
		Params: params,
	}

	encoded, err := EncodeMessage(req)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	decodedReq, ok := decoded.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("expected *jsonrpc.Request, got %T", decoded)
	}

	if decodedReq.Method != "tools/call" {
		t.Errorf("expected method 'tools/call', got %q", decodedReq.Method)
	}
}

func TestWrapMessage(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	msg, err := WrapMessage(raw, ClientToServer)
	if err != nil {
		t.Fatalf("WrapMessage failed: %v", err)
	}

	if !msg.IsRequest() {
		t.Error("expected a request message")
	}
	if msg.Method() != "ping" {
		t.Errorf("expected method 'ping', got %q", msg.Method())
	}
	if msg.Direction != ClientToServer {
		t.Errorf("expected direction client->server, got %v", msg.Direction)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestWrapMessageInvalidJSON(t *testing.T) {
	if _, err := WrapMessage([]byte(`{not json`), ClientToServer); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNewErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		id     json.RawMessage
		wantID string
	}{
		{name: "numeric id", id: json.RawMessage("7"), wantID: "7"},
		{name: "string id", id: json.RawMessage(`"abc"`), wantID: `"abc"`},
		{name: "nil id falls back to zero", id: nil, wantID: "0"},
		{name: "null id falls back to zero", id: json.RawMessage("null"), wantID: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewErrorMessage(tt.id, CodeInvalidRequest, "This method is not allowed")
			if err != nil {
				t.Fatalf("NewErrorMessage failed: %v", err)
			}

			var frame struct {
				JSONRPC string          `json:"jsonrpc"`
				ID      json.RawMessage `json:"id"`
				Error   struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(msg.Raw, &frame); err != nil {
				t.Fatalf("failed to unmarshal frame: %v", err)
			}

			if frame.JSONRPC != "2.0" {
				t.Errorf("expected jsonrpc 2.0, got %q", frame.JSONRPC)
			}
			if string(frame.ID) != tt.wantID {
				t.Errorf("expected id %s, got %s", tt.wantID, frame.ID)
			}
			if frame.Error.Code != -32600 {
				t.Errorf("expected code -32600, got %d", frame.Error.Code)
			}
			if frame.Error.Message != "This method is not allowed" {
				t.Errorf("unexpected message %q", frame.Error.Message)
			}
			if msg.Direction != ServerToClient {
				t.Errorf("expected direction server->client, got %v", msg.Direction)
			}
		})
	}
}
