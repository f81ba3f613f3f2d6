package mcp

import (
	"testing"
)

func TestMessageToolName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "tool call with name",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"file_read","arguments":{}}}`,
			want: "file_read",
		},
		{
			name: "tool call without name",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`,
			want: "",
		},
		{
			name: "not a tool call",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := WrapMessage([]byte(tt.raw), ClientToServer)
			if err != nil {
				t.Fatalf("WrapMessage failed: %v", err)
			}
			if got := msg.ToolName(); got != tt.want {
				t.Errorf("ToolName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageRawID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "numeric id", raw: `{"jsonrpc":"2.0","id":42,"method":"ping"}`, want: "42"},
		{name: "string id", raw: `{"jsonrpc":"2.0","id":"req-1","method":"ping"}`, want: `"req-1"`},
		{name: "notification has no id", raw: `{"jsonrpc":"2.0","method":"notifications/progress"}`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := WrapMessage([]byte(tt.raw), ClientToServer)
			if err != nil {
				t.Fatalf("WrapMessage failed: %v", err)
			}
			if got := string(msg.RawID()); got != tt.want {
				t.Errorf("RawID() = %q, want %q", got, tt.want)
			}
		})
	}
}
