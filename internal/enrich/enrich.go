// Package enrich turns a batch of records into one model request and the
// model's reply back into records.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/acldm/chinese-poetry/internal/metrics"
	"github.com/acldm/chinese-poetry/internal/prompt"
	"github.com/acldm/chinese-poetry/internal/providers"
	"github.com/acldm/chinese-poetry/internal/record"
)

// ErrMalformedResponse marks a reply that is not a list of record objects.
var ErrMalformedResponse = errors.New("malformed enrichment response")

// Client enriches a batch of records. The reply may omit, duplicate or
// reorder records; callers match results by identity. Every error is
// transient from the caller's point of view.
type Client interface {
	Enrich(ctx context.Context, recs []record.Record) ([]record.Record, error)
}

const responseSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"title": {"type": ["string", "null"]},
			"author": {"type": ["string", "null"]},
			"paragraphs": {
				"type": ["array", "null"],
				"items": {"type": "string"}
			}
		}
	}
}`

var schema = mustCompile()

func mustCompile() *jsonschema.Schema {
	s, err := providers.CompileSchema("records.json", responseSchema)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseRecords applies the reply grammar: optional code fence, one JSON list
// of record objects, with a single repair pass for malformed JSON.
func ParseRecords(content string) ([]record.Record, bool, error) {
	doc, repaired, err := providers.ParseStructuredJSON(content)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := providers.ValidateStructuredJSON(schema, doc); err != nil {
		return nil, repaired, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, repaired, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var recs []record.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, repaired, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return recs, repaired, nil
}

// LLMConfig configures an LLM-backed Client.
type LLMConfig struct {
	LLM    providers.LLMClient
	Prompt prompt.Source
	Model  string
	Logger *slog.Logger
}

// LLM is a Client that sends batches to a chat model.
type LLM struct {
	llm    providers.LLMClient
	prompt prompt.Source
	model  string
	logger *slog.Logger
}

// NewLLM creates an LLM-backed Client.
func NewLLM(cfg LLMConfig) (*LLM, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Prompt == nil {
		cfg.Prompt = prompt.Static(prompt.Default())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		llm:    cfg.LLM,
		prompt: cfg.Prompt,
		model:  cfg.Model,
		logger: logger.With("provider", cfg.LLM.Name()),
	}, nil
}

// Enrich sends recs as a JSON list with the current system instruction.
func (c *LLM) Enrich(ctx context.Context, recs []record.Record) ([]record.Record, error) {
	payload, err := encodeBatch(recs)
	if err != nil {
		return nil, err
	}

	req := &providers.ChatRequest{
		Messages:  providers.SystemUser(c.prompt.Instruction(), payload),
		Model:     c.model,
		RequestID: uuid.NewString(),
	}
	result, err := c.llm.Chat(ctx, req)
	if err != nil {
		metrics.ObserveRequest(c.llm.Name(), "error")
		return nil, fmt.Errorf("request %s: %w", req.RequestID, err)
	}

	if result.TotalTokens > 0 {
		metrics.Tokens.WithLabelValues(c.llm.Name()).Add(float64(result.TotalTokens))
	}

	out, repaired, err := ParseRecords(result.Content)
	if err != nil {
		metrics.ObserveRequest(c.llm.Name(), "malformed")
		return nil, fmt.Errorf("request %s: %w", req.RequestID, err)
	}
	if repaired {
		metrics.ObserveRequest(c.llm.Name(), "repaired")
		c.logger.Debug("repaired model output", "request_id", req.RequestID)
	} else {
		metrics.ObserveRequest(c.llm.Name(), "ok")
	}

	c.logger.Debug("enrichment response",
		"request_id", req.RequestID,
		"sent", len(recs),
		"received", len(out),
		"tokens", result.TotalTokens,
		"duration", result.ExecutionTime,
	)
	return out, nil
}

func encodeBatch(recs []record.Record) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record.ProjectAll(recs)); err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

var _ Client = (*LLM)(nil)
