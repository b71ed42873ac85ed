package tools

import (
	"encoding/json"
	"strings"

	"github.com/nugget/sillage/internal/conversation"
)

// Result is the envelope a tool handler returns:
//
//	{"message": "...", "assets": [{"id", "url", "name", "description", "type", "thumbnail_url"}]}
type Result struct {
	Message string               `json:"message"`
	Assets  []conversation.Asset `json:"assets"`
}

// JSON encodes r for returning from a Handler.
func (r Result) JSON() string {
	if r.Assets == nil {
		r.Assets = []conversation.Asset{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return r.Message
	}
	return string(b)
}

// ParseEnvelope decodes a handler's return value. Anything that is not
// a JSON object with a string "message" field is returned verbatim as
// the message with no assets, and ok is false.
func ParseEnvelope(raw string) (res Result, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Result{Message: raw}, false
	}

	var env struct {
		Message *string              `json:"message"`
		Assets  []conversation.Asset `json:"assets"`
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || env.Message == nil {
		return Result{Message: raw}, false
	}
	return Result{Message: *env.Message, Assets: env.Assets}, true
}
