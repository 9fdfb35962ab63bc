package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{"request string id", `{"jsonrpc":"2.0","id":"a-1","method":"tools/call","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/cancelled"}`, KindNotification},
		{"response result", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"response null result", `{"jsonrpc":"2.0","id":1,"result":null}`, KindResponse},
		{"response error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"no"}}`, KindResponse},
		{"response beats request", `{"jsonrpc":"2.0","id":1,"method":"x","result":{}}`, KindResponse},
		{"null id is no id", `{"jsonrpc":"2.0","id":null,"method":"x"}`, KindNotification},
		{"malformed no method no id", `{"jsonrpc":"2.0"}`, KindNotification},
		{"malformed result without id", `{"jsonrpc":"2.0","result":{}}`, KindNotification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := m.Classify(); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode int
	}{
		{"valid", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, 0},
		{"bad json", `{"jsonrpc":`, CodeParse},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, CodeInvalidRequest},
		{"missing version", `{"id":1,"method":"ping"}`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := Parse([]byte(tt.raw))
			if tt.wantCode == 0 {
				if perr != nil {
					t.Fatalf("Parse() error = %v, want nil", perr)
				}
				return
			}
			if perr == nil {
				t.Fatalf("Parse() error = nil, want code %d", tt.wantCode)
			}
			if perr.Code != tt.wantCode {
				t.Errorf("Parse() code = %d, want %d", perr.Code, tt.wantCode)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"numeric id", `{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"ping","arguments":{"target":"10.0.0.1"}}}`},
		{"string id", `{"jsonrpc":"2.0","id":"req-7","method":"tools/list"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, perr := Parse([]byte(tt.raw))
			if perr != nil {
				t.Fatalf("Parse: %v", perr)
			}
			out, err := m.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			m2, perr := Parse(out)
			if perr != nil {
				t.Fatalf("reparse: %v", perr)
			}
			if m2.Method != m.Method || !bytes.Equal(m2.ID, m.ID) || !bytes.Equal(m2.Params, m.Params) {
				t.Errorf("round trip changed message: %s -> %s", tt.raw, out)
			}
		})
	}
}

func TestRoutingMetadataStaysOffWire(t *testing.T) {
	m, err := NewRequest(1, "tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	m.CorrelationID = "corr-1"
	m.ReplyTo = "reply.q"
	out, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(out, []byte("corr-1")) || bytes.Contains(out, []byte("reply.q")) {
		t.Errorf("routing metadata leaked onto the wire: %s", out)
	}
	m.StripRouting()
	if m.CorrelationID != "" || m.ReplyTo != "" {
		t.Error("StripRouting left metadata behind")
	}
}

func TestToolResultShape(t *testing.T) {
	r := NewToolResultError("scan failed: timeout")
	out, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"content":[{"type":"text","text":"scan failed: timeout"}],"isError":true}`
	if string(out) != want {
		t.Errorf("tool result = %s, want %s", out, want)
	}

	ok := NewToolResultText("pong")
	out, err = json.Marshal(ok)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(out, []byte("isError")) {
		t.Errorf("success result carries isError: %s", out)
	}
}

func TestErrorResponseNullID(t *testing.T) {
	resp := NewErrorResponse(nil, NewError(CodeParse, "parse error", nil))
	out, err := resp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if v, present := decoded["id"]; !present || v != nil {
		t.Errorf("error response id = %v, want explicit null", v)
	}
}
