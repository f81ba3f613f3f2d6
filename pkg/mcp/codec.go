package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// CodeInvalidRequest is the JSON-RPC error code used for frames the proxy
// refuses to forward upstream.
const CodeInvalidRequest = -32600

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message struct
// with the specified direction and current timestamp.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// NewErrorMessage builds a server-originated JSON-RPC error frame carrying
// the given id. A nil or "null" id falls back to 0: notifications have no
// reply id, but a bypass frame still needs one the client can correlate.
func NewErrorMessage(id json.RawMessage, code int, message string) (*Message, error) {
	if len(id) == 0 || string(id) == "null" {
		id = json.RawMessage("0")
	}

	raw, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   jsonrpcError    `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error:   jsonrpcError{Code: code, Message: message},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode error frame: %w", err)
	}

	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode error frame: %w", err)
	}

	return &Message{
		Raw:       raw,
		Direction: ServerToClient,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
