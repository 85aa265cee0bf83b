// Package prompt builds the full execution prompt for an agent. The consumer
// always builds it at consume time so conversation history is current.
package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/primoia/conductor-sub000/internal/agents"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/pkg/models"
)

// ErrEmptyPrompt is returned when a builder produced no prompt text.
var ErrEmptyPrompt = errors.New("prompt builder returned an empty prompt")

// Request is the input to a prompt build
type Request struct {
	AgentID        string `json:"agent_id"`
	Input          string `json:"current_message"`
	ConversationID string `json:"conversation_id,omitempty"`
	ScreenplayID   string `json:"screenplay_id,omitempty"`
	IncludeHistory bool   `json:"include_history"`
}

// Builder turns a request into the prompt stored on the task document.
type Builder interface {
	Build(ctx context.Context, req Request) (string, error)
}

// HTTPBuilder delegates to the external prompt service.
type HTTPBuilder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBuilder creates a builder calling baseURL + "/prompts/build".
func NewHTTPBuilder(baseURL string, timeout time.Duration) *HTTPBuilder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBuilder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (b *HTTPBuilder) Build(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/prompts/build", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create prompt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("prompt service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("prompt service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode prompt response: %w", err)
	}
	if strings.TrimSpace(out.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	return out.Prompt, nil
}

// DefaultHistoryLimit bounds how many finished turns TemplateBuilder renders.
const DefaultHistoryLimit = 20

var promptTemplate = template.Must(template.New("prompt").Parse(`<prompt>
<agent id="{{.Agent.ID}}" name="{{.Agent.Name}}">
{{- if .Agent.Persona}}
<persona>
{{.Agent.Persona}}
</persona>
{{- end}}
</agent>
{{- if .Screenplay}}
<screenplay id="{{.Screenplay.ID}}" title="{{.Screenplay.Title}}">
{{.Screenplay.Content}}
</screenplay>
{{- end}}
{{- if .History}}
<history conversation_id="{{.ConversationID}}">
{{- range .History}}
<turn agent="{{.AgentID}}" status="{{.Status}}">
{{.Result}}
</turn>
{{- end}}
</history>
{{- end}}
<user_input>
{{.Input}}
</user_input>
</prompt>
`))

// TemplateBuilder renders the prompt locally from the agent catalog and the
// task store.
type TemplateBuilder struct {
	catalog      agents.Catalog
	store        taskstore.Store
	historyLimit int
}

// NewTemplateBuilder creates a local prompt builder
func NewTemplateBuilder(catalog agents.Catalog, store taskstore.Store, historyLimit int) *TemplateBuilder {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &TemplateBuilder{catalog: catalog, store: store, historyLimit: historyLimit}
}

func (b *TemplateBuilder) Build(ctx context.Context, req Request) (string, error) {
	agent, err := b.catalog.Get(ctx, req.AgentID)
	if err != nil {
		return "", err
	}
	data := struct {
		Agent          *agents.Definition
		Screenplay     *models.Screenplay
		History        []*models.TaskDocument
		ConversationID string
		Input          string
	}{Agent: agent, ConversationID: req.ConversationID, Input: req.Input}

	if req.ScreenplayID != "" {
		sp, err := b.store.GetScreenplay(ctx, req.ScreenplayID)
		if err != nil && !errors.Is(err, taskstore.ErrNotFound) {
			return "", fmt.Errorf("failed to load screenplay: %w", err)
		}
		data.Screenplay = sp
	}
	if req.IncludeHistory && req.ConversationID != "" {
		history, err := b.store.ConversationHistory(ctx, req.ConversationID, b.historyLimit)
		if err != nil {
			return "", fmt.Errorf("failed to load history: %w", err)
		}
		data.History = history
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
