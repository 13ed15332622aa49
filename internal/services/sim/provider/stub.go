package provider

import (
	"context"
	"strings"
)

// Stub answers locally at no token cost.
type Stub struct {
	// Reply overrides the canned response.
	Reply string
	// ShortReply is used for throttled sessions.
	ShortReply string
}

const (
	defaultStubReply      = "I'm still here. It's hard to describe, it just feels heavy in my chest."
	defaultStubShortReply = "Still hurts."
)

// Generate implements Provider.
func (s Stub) Generate(_ context.Context, req GenerateRequest) (GenerateResult, error) {
	text := s.Reply
	if text == "" {
		text = defaultStubReply
	}
	if req.Short {
		text = s.ShortReply
		if text == "" {
			text = defaultStubShortReply
		}
	}
	return GenerateResult{Text: text, Stub: true}, nil
}

// Transcribe implements Provider. Voice seconds are still counted since the
// audio was received.
func (s Stub) Transcribe(_ context.Context, req TranscribeRequest) (TranscribeResult, error) {
	result := TranscribeResult{Stub: true}
	result.Usage.VoiceSeconds = req.DurationSeconds
	if len(req.Audio) > 0 && strings.HasPrefix(req.Format, "text/") {
		result.Text = strings.TrimSpace(string(req.Audio))
	}
	return result, nil
}
