package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Sendient/ai-detector-sub001/safeio"
)

// responseSchema is the contract of a successful scorer response.
const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["score", "confidence"],
  "properties": {
    "score":      {"type": "number", "minimum": 0, "maximum": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var compiledSchema = mustCompile(responseSchema)

func mustCompile(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("score.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile("score.json")
}

// HTTPConfig configures HTTPScorer.
type HTTPConfig struct {
	// Endpoint receives POST {"text": "..."} and answers
	// {"score": 0..1, "confidence": 0..1}.
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`
	// MaxResponseBytes caps the response body. Default: 64 KiB.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
	// Client overrides the HTTP client.
	Client *http.Client `yaml:"-"`
}

// HTTPScorer calls the assessment service over HTTP. The call deadline comes
// from ctx.
type HTTPScorer struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPScorer validates cfg.
func NewHTTPScorer(cfg HTTPConfig) (*HTTPScorer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("scoring: endpoint is required")
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, fmt.Errorf("scoring: endpoint %q must be http or https", cfg.Endpoint)
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 64 << 10
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPScorer{cfg: cfg, client: client}, nil
}

type assessRequest struct {
	Text string `json:"text"`
}

// Assess implements Scorer.
func (h *HTTPScorer) Assess(ctx context.Context, text string) (Score, error) {
	body, err := json.Marshal(assessRequest{Text: text})
	if err != nil {
		return Score{}, PermanentError(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Score{}, PermanentError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Score{}, TransientError(err)
	}
	defer resp.Body.Close()

	data, err := safeio.LimitedReadAll(resp.Body, h.cfg.MaxResponseBytes)
	if err != nil {
		return Score{}, &AssessmentError{Kind: Transient, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return Score{}, &AssessmentError{
			Kind:       ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("scorer answered %s: %s", resp.Status, truncate(string(data), 200)),
		}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Score{}, &AssessmentError{Kind: Transient, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Score{}, &AssessmentError{Kind: Transient, StatusCode: resp.StatusCode, Err: fmt.Errorf("response does not match contract: %w", err)}
	}
	var sc Score
	if err := json.Unmarshal(data, &sc); err != nil {
		return Score{}, &AssessmentError{Kind: Transient, StatusCode: resp.StatusCode, Err: err}
	}
	return sc, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
