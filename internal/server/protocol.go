package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Inbound message types.
const (
	msgJoin = "join"
	msgEdit = "edit"
	msgRun  = "run"
)

// inboundSchema describes every message a client may send.
const inboundSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":      {"type": "string", "enum": ["join", "edit", "run"]},
    "revision":  {"type": "integer", "minimum": 0},
    "content":   {"type": "string"},
    "timeoutMs": {"type": "integer", "minimum": 0},
    "stdin":     {"type": "string"}
  },
  "allOf": [
    {
      "if":   {"properties": {"type": {"const": "edit"}}},
      "then": {"required": ["revision", "content"]}
    }
  ]
}`

var inboundValidator = mustSchema(inboundSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compiling inbound schema: %v", err))
	}
	return schema
}

// inbound is a decoded client message.
type inbound struct {
	Type      string `json:"type"`
	Revision  int64  `json:"revision"`
	Content   string `json:"content"`
	TimeoutMs int64  `json:"timeoutMs"`
	Stdin     string `json:"stdin"`
}

// decodeInbound validates data against the inbound schema and decodes it.
func decodeInbound(data []byte) (inbound, error) {
	result, err := inboundValidator.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return inbound{}, fmt.Errorf("malformed message: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return inbound{}, fmt.Errorf("invalid message: %s", strings.Join(msgs, "; "))
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{}, fmt.Errorf("malformed message: %w", err)
	}
	return msg, nil
}

// --- Outbound messages ---

type bufferUpdate struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Revision int64  `json:"revision"`
}

func newBufferUpdate(content string, revision int64) bufferUpdate {
	return bufferUpdate{Type: "buffer_update", Content: content, Revision: revision}
}

type editAck struct {
	Type     string `json:"type"`
	Revision int64  `json:"revision"`
}

type editRejected struct {
	Type            string `json:"type"`
	CurrentRevision int64  `json:"currentRevision"`
}

type runRunning struct {
	Type  string `json:"type"`
	State string `json:"state"`
	RunID string `json:"runId"`
}

type runDone struct {
	Type       string `json:"type"`
	State      string `json:"state"`
	RunID      string `json:"runId"`
	ExitStatus any    `json:"exitStatus"`
	Truncated  bool   `json:"truncated"`
	Error      string `json:"error,omitempty"`
}

type runOutput struct {
	Type   string `json:"type"`
	RunID  string `json:"runId"`
	Stream string `json:"stream"`
	Chunk  string `json:"chunk"`
}

type runRejected struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(format string, args ...any) errorMessage {
	return errorMessage{Type: "error", Message: fmt.Sprintf(format, args...)}
}

type participants struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}
