package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
)

func intentKind(name string) intent.Kind {
	return intent.Kind(strings.TrimSpace(strings.ToLower(name)))
}

// Intent converts a tool call into an AI-sourced intent for the session.
func (c ToolCall) Intent(sessionID string, at time.Time) (intent.Intent, error) {
	in := intent.Intent{}
	args := bytes.TrimSpace(c.Args)
	// Function-call arguments arrive as a JSON-encoded string.
	if len(args) > 0 && args[0] == '"' {
		var raw string
		if err := json.Unmarshal(args, &raw); err != nil {
			return intent.Intent{}, fmt.Errorf("decode %s arguments: %w", c.Kind, err)
		}
		args = bytes.TrimSpace([]byte(raw))
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return intent.Intent{}, fmt.Errorf("decode %s arguments: %w", c.Kind, err)
		}
	}
	in.Kind = c.Kind
	in.SessionID = sessionID
	in.Source = intent.SourceAI
	in.At = at
	if err := in.Validate(); err != nil {
		return intent.Intent{}, err
	}
	return in, nil
}
