// internal/oracle/gemini.go
package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	genai "google.golang.org/genai"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

const systemPrompt = `You are the decision engine of an autonomous web-task agent.
You are given a goal, the current page state, the recent action history, and
optional guidance learned from previous runs against this site.

Decide the single next action. Respond with exactly one JSON object:
  {"type": "...", "target": "...", "value": "...", "rationale": "..."}

Allowed types:
  NAVIGATE  - load a URL ("target" is the URL)
  CLICK     - click an element ("target" is a CSS selector or visible text)
  TYPE_TEXT - type into an input ("target" selects it, "value" is the text)
  WAIT      - pause ("value" is a duration like "2s")
  KEYBOARD  - send a key chord ("value" is e.g. "Enter" or "Escape")
  DONE      - the goal is demonstrably achieved
  FAIL      - the goal cannot be achieved

Prefer guidance suggestions when they fit the current state. Never repeat an
action that just failed with the same target.`

// GeminiOracle implements Oracle on the Google GenAI SDK.
type GeminiOracle struct {
	cfg    config.OracleConfig
	logger *zap.Logger
	client *genai.Client
}

var _ Oracle = (*GeminiOracle)(nil)

// NewGeminiOracle builds the Gemini-backed oracle.
func NewGeminiOracle(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (*GeminiOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiOracle{
		cfg:    cfg,
		logger: logger.Named("oracle.gemini"),
		client: client,
	}, nil
}

// Decide sends one request to Gemini and parses the decision out of the reply.
func (o *GeminiOracle) Decide(ctx context.Context, req Request) (schemas.Decision, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("failed to build oracle prompt: %w", err)
	}

	timeout := o.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temp := float32(o.cfg.Temperature)
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
	}
	if o.cfg.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = int32(o.cfg.MaxOutputTokens)
	}

	start := time.Now()
	resp, err := o.client.Models.GenerateContent(callCtx, o.cfg.Model, genai.Text(prompt), genCfg)
	if err != nil {
		o.logger.Warn("Gemini request failed.", zap.Error(err))
		return schemas.Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return schemas.Decision{}, fmt.Errorf("%w: no candidates", ErrMalformedResponse)
	}

	text := collectText(resp.Candidates[0].Content)
	decision, err := ParseDecision(text)
	if err != nil {
		o.logger.Warn("Failed to parse oracle response.",
			zap.String("raw_response", text),
			zap.Error(err))
		return schemas.Decision{}, err
	}

	o.logger.Debug("Oracle decision received.",
		zap.Duration("duration", time.Since(start)),
		zap.String("type", string(decision.Type)),
		zap.String("target", decision.Target))
	return decision, nil
}

// buildPrompt renders the request into the user prompt. History and guidance
// are serialized as JSON so the model sees structure, not prose.
func buildPrompt(req Request) (string, error) {
	historyJSON, err := json.Marshal(trimHistoryForPrompt(req.History))
	if err != nil {
		return "", err
	}
	guidanceJSON, err := json.Marshal(req.Guidance)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`Goal: %s

Current page:
  URL: %s
  Title: %s
  Visible text (truncated):
%s

Recent actions (oldest first):
%s

Guidance from previous runs:
%s

Determine the next action. Respond with a single JSON object.`,
		req.Goal,
		req.Snapshot.URL,
		req.Snapshot.Title,
		req.Snapshot.VisibleText,
		string(historyJSON),
		string(guidanceJSON),
	), nil
}

// promptRecord is the slimmed view of an ActionRecord sent to the model.
// Fingerprints and excerpts are dropped; the outcome and whether the page
// changed are what the model needs.
type promptRecord struct {
	Step         int                   `json:"step"`
	Type         schemas.ActionType    `json:"type"`
	Target       string                `json:"target,omitempty"`
	Outcome      schemas.ActionOutcome `json:"outcome"`
	ErrorCode    string                `json:"error_code,omitempty"`
	StateChanged bool                  `json:"state_changed"`
}

func trimHistoryForPrompt(history []schemas.ActionRecord) []promptRecord {
	out := make([]promptRecord, 0, len(history))
	for _, r := range history {
		out = append(out, promptRecord{
			Step:         r.Step,
			Type:         r.Type,
			Target:       r.Target,
			Outcome:      r.Outcome,
			ErrorCode:    r.ErrorCode,
			StateChanged: r.ChangedState(),
		})
	}
	return out
}

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseDecision extracts a decision from raw model output, handling markdown
// code fences and surrounding chatter, and validates it against the contract.
func ParseDecision(response string) (schemas.Decision, error) {
	response = strings.TrimSpace(response)

	var jsonStr string
	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		jsonStr = strings.TrimSpace(matches[1])
	} else {
		first := strings.Index(response, "{")
		last := strings.LastIndex(response, "}")
		if first != -1 && last > first {
			jsonStr = response[first : last+1]
		} else {
			jsonStr = response
		}
	}

	if jsonStr == "" {
		return schemas.Decision{}, fmt.Errorf("%w: no JSON found", ErrMalformedResponse)
	}

	var decision schemas.Decision
	if err := json.Unmarshal([]byte(jsonStr), &decision); err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := ValidateDecision(decision); err != nil {
		return schemas.Decision{}, err
	}
	return decision, nil
}

func collectText(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
