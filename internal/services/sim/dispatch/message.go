package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/intent"
)

// MessageType tags an inbound message.
type MessageType string

const (
	MessageJoin              MessageType = "join"
	MessageCommand           MessageType = "command"
	MessageSelectScenario    MessageType = "select_scenario"
	MessageAnalyzeTranscript MessageType = "analyze_transcript"
	MessageAudio             MessageType = "audio"
	MessagePing              MessageType = "ping"
	MessageIntent            MessageType = "intent"
)

// Command is a voice or manual control command.
type Command string

const (
	CommandPauseAI    Command = "pause_ai"
	CommandResumeAI   Command = "resume_ai"
	CommandForceReply Command = "force_reply"
	CommandEndTurn    Command = "end_turn"
	CommandMuteUser   Command = "mute_user"
	CommandFreeze     Command = "freeze"
	CommandUnfreeze   Command = "unfreeze"
	CommandSkipStage  Command = "skip_stage"
)

// Message is one authenticated inbound payload.
type Message struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"sessionId"`
	CorrelationID string      `json:"correlationId,omitempty"`
	ActorID       string      `json:"actorId,omitempty"`
	Role          string      `json:"role,omitempty"`
	// NoWait asks for LOCK_BUSY instead of queueing behind in-flight work.
	NoWait bool `json:"noWait,omitempty"`

	ScenarioID      string         `json:"scenarioId,omitempty"`
	Command         Command        `json:"command,omitempty"`
	TargetUser      string         `json:"targetUser,omitempty"`
	Transcript      string         `json:"transcript,omitempty"`
	Audio           []byte         `json:"audio,omitempty"`
	AudioFormat     string         `json:"audioFormat,omitempty"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	Intent          *intent.Intent `json:"intent,omitempty"`
}

// ParseMessage decodes a wire message without validating it. Unknown fields
// are rejected.
func ParseMessage(raw []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, apperrors.Wrap(apperrors.CodeValidationFailed, "decode message", err)
	}
	return msg, nil
}

// DecodeMessage parses and validates a wire message.
func DecodeMessage(raw []byte) (Message, error) {
	msg, err := ParseMessage(raw)
	if err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the message shape. It never consults session state.
func (m Message) Validate() error {
	if err := m.validate(); err != nil {
		return apperrors.WithMetadata(apperrors.CodeValidationFailed, err.Error(), map[string]string{"type": string(m.Type)})
	}
	return nil
}

func (m Message) validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	switch m.Type {
	case MessageJoin, MessagePing:
	case MessageSelectScenario:
		if strings.TrimSpace(m.ScenarioID) == "" {
			return fmt.Errorf("scenario id is required")
		}
	case MessageCommand:
		switch m.Command {
		case CommandPauseAI, CommandResumeAI, CommandForceReply, CommandEndTurn,
			CommandFreeze, CommandUnfreeze, CommandSkipStage:
		case CommandMuteUser:
			if strings.TrimSpace(m.TargetUser) == "" {
				return fmt.Errorf("mute_user requires a target user")
			}
		default:
			return fmt.Errorf("unknown command %q", m.Command)
		}
	case MessageAnalyzeTranscript:
		if strings.TrimSpace(m.Transcript) == "" {
			return fmt.Errorf("transcript is required")
		}
	case MessageAudio:
		if len(m.Audio) == 0 {
			return fmt.Errorf("audio is required")
		}
		if m.DurationSeconds < 0 || math.IsNaN(m.DurationSeconds) || math.IsInf(m.DurationSeconds, 0) {
			return fmt.Errorf("duration must be a non-negative number")
		}
	case MessageIntent:
		if m.Intent == nil {
			return fmt.Errorf("intent is required")
		}
		if strings.TrimSpace(string(m.Intent.Kind)) == "" {
			return fmt.Errorf("intent kind is required")
		}
		switch m.Intent.Source {
		case "", intent.SourcePresenter, intent.SourceParticipant:
		default:
			return fmt.Errorf("intent source %q cannot be sent by clients", m.Intent.Source)
		}
		if m.Intent.SessionID != "" && m.Intent.SessionID != m.SessionID {
			return fmt.Errorf("intent session does not match message session")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// commandIntent translates a command into an engine intent.
func commandIntent(m Message) intent.Intent {
	in := intent.Intent{
		SessionID:     m.SessionID,
		Source:        intent.SourcePresenter,
		ActorID:       m.ActorID,
		CorrelationID: m.CorrelationID,
	}
	switch m.Command {
	case CommandFreeze:
		in.Kind = intent.KindFreeze
	case CommandUnfreeze:
		in.Kind = intent.KindUnfreeze
	case CommandSkipStage:
		in.Kind = intent.KindSkipStage
	default:
		in.Kind = intent.KindAIControl
		in.Control = intent.AIControl(m.Command)
		in.TargetUser = m.TargetUser
	}
	return in
}

// clientIntent fills server-owned fields on a direct intent.
func clientIntent(m Message) intent.Intent {
	in := m.Intent.Clone()
	in.SessionID = m.SessionID
	in.CorrelationID = m.CorrelationID
	if in.Source == "" {
		in.Source = intent.SourceParticipant
	}
	if in.ActorID == "" {
		in.ActorID = m.ActorID
	}
	return in
}
