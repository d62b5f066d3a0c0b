package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
)

// HTTPProvider implements every collaborator interface against a single
// JSON-over-HTTP sidecar (the planning/LLM stack). One provider per base
// URL; endpoints are fixed paths under it.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider for the given sidecar base URL.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type compileRequest struct {
	RawText string    `json:"raw_text"`
	UserID  uuid.UUID `json:"user_id"`
}

type classifyRequest struct {
	Prompt string `json:"prompt"`
	Text   string `json:"text"`
}

type classifyResponse struct {
	Label string `json:"label"`
}

type executeToolRequest struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	UserID uuid.UUID      `json:"user_id"`
}

type generateRequest struct {
	PromptKey string `json:"prompt_key"`
	Input     string `json:"input"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type resolveOwnerResponse struct {
	UserID uuid.UUID `json:"user_id"`
}

// Compile translates raw rule text via POST /compile.
func (p *HTTPProvider) Compile(ctx context.Context, rawText string, userID uuid.UUID) (model.UnitCandidate, error) {
	var out model.UnitCandidate
	err := p.post(ctx, "/compile", compileRequest{RawText: rawText, UserID: userID}, &out)
	if err != nil {
		return model.UnitCandidate{}, fmt.Errorf("collab: compile: %w", err)
	}
	return out, nil
}

// Classify labels text via POST /classify.
func (p *HTTPProvider) Classify(ctx context.Context, promptKeyOrCustom, text string) (string, error) {
	var out classifyResponse
	err := p.post(ctx, "/classify", classifyRequest{Prompt: promptKeyOrCustom, Text: text}, &out)
	if err != nil {
		return "", fmt.Errorf("collab: classify: %w", err)
	}
	return out.Label, nil
}

// ExecuteTool runs a tool via POST /tools/execute.
func (p *HTTPProvider) ExecuteTool(ctx context.Context, name string, args map[string]any, userID uuid.UUID) (map[string]any, error) {
	var out map[string]any
	err := p.post(ctx, "/tools/execute", executeToolRequest{Name: name, Args: args, UserID: userID}, &out)
	if err != nil {
		return nil, fmt.Errorf("collab: execute tool %q: %w", name, err)
	}
	return out, nil
}

// Generate produces text via POST /generate.
func (p *HTTPProvider) Generate(ctx context.Context, promptKey, input string) (string, error) {
	var out generateResponse
	err := p.post(ctx, "/generate", generateRequest{PromptKey: promptKey, Input: input}, &out)
	if err != nil {
		return "", fmt.Errorf("collab: generate: %w", err)
	}
	return out.Text, nil
}

// ResolveOwner resolves a connection to its user via GET /connections/{id}/owner.
func (p *HTTPProvider) ResolveOwner(ctx context.Context, connectionID string) (uuid.UUID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/connections/"+connectionID+"/owner", nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("collab: resolve owner: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("collab: resolve owner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return uuid.Nil, fmt.Errorf("collab: resolve owner: status %d: %s", resp.StatusCode, body)
	}
	var out resolveOwnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, fmt.Errorf("collab: resolve owner: decode: %w", err)
	}
	return out.UserID, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
