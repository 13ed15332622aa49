// Package provider is the boundary to external AI text and speech services.
//
// Calls are opaque: each returns output plus usage counters that the caller
// feeds to the session's cost controller. Unavailability never reaches the
// session; Fallback swaps in the stub path.
package provider

import (
	"context"
	"encoding/json"
	"log"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
)

// ToolCall is an AI-proposed action. It becomes an AI-sourced intent and
// passes through the tool gate like any other.
type ToolCall struct {
	Kind intent.Kind     `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// GenerateRequest asks the virtual patient to respond to a transcript.
type GenerateRequest struct {
	SessionID  string
	ScenarioID string
	StageID    string
	Transcript string
	// Short asks for a reduced response when the session is throttled.
	Short           bool
	MaxOutputTokens int
}

// GenerateResult is the provider's reply.
type GenerateResult struct {
	Text      string
	ToolCalls []ToolCall
	Usage     budget.Usage
	// Stub is true when the reply came from the fallback path.
	Stub bool
}

// TranscribeRequest carries audio to transcribe.
type TranscribeRequest struct {
	SessionID       string
	Audio           []byte
	Format          string
	DurationSeconds float64
}

// TranscribeResult is a transcription.
type TranscribeResult struct {
	Text  string
	Usage budget.Usage
	Stub  bool
}

// Provider is an AI backend.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error)
}

// ErrUnavailable marks a provider that cannot serve the call.
var ErrUnavailable = apperrors.New(apperrors.CodeProviderUnavailable, "ai provider unavailable")

// Fallback tries primary and answers from secondary on any error.
type Fallback struct {
	Primary   Provider
	Secondary Provider
	Logf      func(string, ...any)
}

func (f Fallback) logf(format string, args ...any) {
	if f.Logf != nil {
		f.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Generate implements Provider.
func (f Fallback) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if f.Primary != nil {
		result, err := f.Primary.Generate(ctx, req)
		if err == nil {
			return result, nil
		}
		f.logf("ai provider generate failed session_id=%s code=%s err=%v", req.SessionID, apperrors.CodeProviderUnavailable, err)
	}
	return f.Secondary.Generate(ctx, req)
}

// Transcribe implements Provider.
func (f Fallback) Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error) {
	if f.Primary != nil {
		result, err := f.Primary.Transcribe(ctx, req)
		if err == nil {
			return result, nil
		}
		f.logf("ai provider transcribe failed session_id=%s code=%s err=%v", req.SessionID, apperrors.CodeProviderUnavailable, err)
	}
	return f.Secondary.Transcribe(ctx, req)
}
