package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/acldm/chinese-poetry/internal/prompt"
	"github.com/acldm/chinese-poetry/internal/providers"
	"github.com/acldm/chinese-poetry/internal/record"
)

func TestParseRecords(t *testing.T) {
	t.Run("fenced list", func(t *testing.T) {
		content := "```json\n[{\"title\":\"a\",\"author\":\"b\",\"paragraphs\":[\"x\",\"y\"],\"note\":\"n\"}]\n```"
		recs, repaired, err := ParseRecords(content)
		if err != nil {
			t.Fatalf("ParseRecords() error = %v", err)
		}
		if repaired {
			t.Error("did not expect repair")
		}
		if len(recs) != 1 || record.Identity(recs[0]) != "xy" {
			t.Fatalf("unexpected records: %+v", recs)
		}
		if string(recs[0].Extra["note"]) != `"n"` {
			t.Errorf("expected extra note field, got %v", recs[0].Extra)
		}
	})

	t.Run("trailing comma", func(t *testing.T) {
		recs, repaired, err := ParseRecords(`[{"title":"a","paragraphs":["x"]},]`)
		if err != nil {
			t.Fatalf("ParseRecords() error = %v", err)
		}
		if !repaired || len(recs) != 1 {
			t.Errorf("expected one repaired record, got %d repaired=%v", len(recs), repaired)
		}
	})

	t.Run("unescaped newline", func(t *testing.T) {
		recs, _, err := ParseRecords("[{\"title\":\"a\",\"paragraphs\":[\"x\"],\"appreciation\":\"one\ntwo\"}]")
		if err != nil {
			t.Fatalf("ParseRecords() error = %v", err)
		}
		if len(recs) != 1 {
			t.Fatalf("expected one record, got %d", len(recs))
		}
	})

	rejects := []struct {
		name    string
		content string
	}{
		{"single object", `{"title":"a","paragraphs":["x"]}`},
		{"list of strings", `["a","b"]`},
		{"numeric paragraphs", `[{"paragraphs":[1,2]}]`},
		{"object title", `[{"title":{"zh":"a"}}]`},
		{"prose", "I am sorry, I cannot annotate these poems."},
		{"empty", ""},
	}
	for _, tt := range rejects {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			_, _, err := ParseRecords(tt.content)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestLLMEnrich(t *testing.T) {
	var seen *providers.ChatRequest
	mock := &providers.MockClient{Respond: func(req *providers.ChatRequest) (string, error) {
		seen = req
		var recs []map[string]any
		if err := json.Unmarshal([]byte(req.Messages[1].Content), &recs); err != nil {
			return "", err
		}
		for _, r := range recs {
			r["annotation"] = "done"
		}
		out, _ := json.Marshal(recs)
		return "```json\n" + string(out) + "\n```", nil
	}}

	client, err := NewLLM(LLMConfig{LLM: mock, Prompt: prompt.Static("annotate"), Model: "m"})
	if err != nil {
		t.Fatalf("NewLLM() error = %v", err)
	}

	in := []record.Record{
		{Title: "t", Author: "a", Paragraphs: []string{"p<1>"}, Extra: map[string]json.RawMessage{"id": json.RawMessage(`7`)}},
		{Title: "u", Author: "b", Paragraphs: []string{"p2"}},
	}
	out, err := client.Enrich(context.Background(), in)
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if len(out) != 2 || string(out[0].Extra["annotation"]) != `"done"` {
		t.Fatalf("unexpected output: %+v", out)
	}

	if seen.Messages[0].Role != "system" || seen.Messages[0].Content != "annotate" {
		t.Errorf("unexpected system message: %+v", seen.Messages[0])
	}
	if strings.Contains(seen.Messages[1].Content, `"id"`) {
		t.Errorf("request should only carry projected fields: %s", seen.Messages[1].Content)
	}
	if !strings.Contains(seen.Messages[1].Content, "p<1>") {
		t.Errorf("request should not HTML-escape text: %s", seen.Messages[1].Content)
	}
	if seen.Model != "m" || seen.RequestID == "" {
		t.Errorf("expected model and request id, got %q %q", seen.Model, seen.RequestID)
	}
}

func TestLLMEnrichErrors(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		client, _ := NewLLM(LLMConfig{LLM: &providers.MockClient{ShouldFail: true}})
		if _, err := client.Enrich(context.Background(), []record.Record{{Paragraphs: []string{"x"}}}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("malformed reply", func(t *testing.T) {
		client, _ := NewLLM(LLMConfig{LLM: &providers.MockClient{ResponseText: `{"oops": true}`}})
		_, err := client.Enrich(context.Background(), []record.Record{{Paragraphs: []string{"x"}}})
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("expected ErrMalformedResponse, got %v", err)
		}
	})

	t.Run("requires client", func(t *testing.T) {
		if _, err := NewLLM(LLMConfig{}); err == nil {
			t.Error("expected error without llm client")
		}
	})
}
