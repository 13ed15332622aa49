package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
)

// ResponsesConfig configures a Responses-API style text backend.
type ResponsesConfig struct {
	URL             string
	APIKey          string
	Model           string
	MaxOutputTokens int
	HTTPClient      *http.Client
}

// Responses generates patient replies over HTTP. It does not transcribe.
type Responses struct {
	cfg ResponsesConfig
}

// NewResponses validates cfg and returns the adapter.
func NewResponses(cfg ResponsesConfig) (*Responses, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("responses url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Responses{cfg: cfg}, nil
}

// Generate implements Provider.
func (r *Responses) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	prompt := strings.TrimSpace(req.Transcript)
	if prompt == "" {
		return GenerateResult{}, fmt.Errorf("transcript is required")
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.MaxOutputTokens
	}
	if req.Short && maxTokens > 0 {
		maxTokens /= 3
	}
	body := map[string]any{
		"model": r.cfg.Model,
		"input": prompt,
		"metadata": map[string]string{
			"session_id":  req.SessionID,
			"scenario_id": req.ScenarioID,
			"stage_id":    req.StageID,
		},
	}
	if maxTokens > 0 {
		body["max_output_tokens"] = maxTokens
	}
	requestBody, err := json.Marshal(body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal generate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(requestBody))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(r.cfg.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	res, err := r.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return GenerateResult{}, apperrors.Wrap(apperrors.CodeProviderUnavailable, "generate request failed", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return GenerateResult{}, apperrors.Wrap(apperrors.CodeProviderUnavailable, "generate request rejected",
			fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var payload struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Type      string          `json:"type"`
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
			Content   []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return GenerateResult{}, fmt.Errorf("decode generate response: %w", err)
	}

	result := GenerateResult{Text: strings.TrimSpace(payload.OutputText)}
	result.Usage.InputTokens = payload.Usage.InputTokens
	result.Usage.OutputTokens = payload.Usage.OutputTokens
	for _, item := range payload.Output {
		if item.Type == "function_call" && item.Name != "" {
			result.ToolCalls = append(result.ToolCalls, ToolCall{Kind: intentKind(item.Name), Args: item.Arguments})
			continue
		}
		if result.Text != "" {
			continue
		}
		for _, content := range item.Content {
			if text := strings.TrimSpace(content.Text); text != "" {
				result.Text = text
				break
			}
		}
	}
	if result.Text == "" && len(result.ToolCalls) == 0 {
		return GenerateResult{}, fmt.Errorf("generate response missing output")
	}
	return result, nil
}

// Transcribe implements Provider.
func (r *Responses) Transcribe(context.Context, TranscribeRequest) (TranscribeResult, error) {
	return TranscribeResult{}, ErrUnavailable
}
