package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseAnalyses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "bare array",
			content: `[{"conversation_id":"a","urgency_score":90,"recommended_action":"reply_now"}]`,
			want:    1,
		},
		{
			name: "fenced array",
			content: "```json\n" +
				`[{"conversation_id":"a","urgency_score":10},{"conversation_id":"b","urgency_score":55}]` +
				"\n```",
			want: 2,
		},
		{
			name:    "object wrapper results",
			content: `{"results":[{"conversation_id":"a","urgency_score":42}]}`,
			want:    1,
		},
		{
			name:    "object wrapper conversations",
			content: `{"conversations":[{"conversation_id":"a"}]}`,
			want:    1,
		},
		{
			name:    "prose",
			content: "I could not analyze these conversations.",
			wantErr: true,
		},
		{
			name:    "object without array",
			content: `{"verdict":"fine"}`,
			wantErr: true,
		},
		{
			name:    "empty fence",
			content: "```",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAnalyses(tc.content)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedOutput) {
					t.Fatalf("want ErrMalformedOutput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("got %d results, want %d", len(got), tc.want)
			}
		})
	}
}

func TestAnalyzeBatch(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": `[{"conversation_id":"c1","urgency_score":85,"summary":"ping","recommended_action":"reply_now","reasoning":"mention"}]`,
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "test-model"})
	out, err := c.AnalyzeBatch(context.Background(), Owner{Username: "me"}, []ConversationContext{
		{ConversationID: "c1", Kind: "group", DisplayName: "Team", Priority: "normal"},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(out) != 1 || out[0].UrgencyScore != 85 || out[0].ConversationID != "c1" {
		t.Fatalf("unexpected results: %+v", out)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "test-model" || len(gotReq.Messages) != 2 {
		t.Fatalf("request model=%q messages=%d", gotReq.Model, len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" {
		t.Fatalf("first message role = %q", gotReq.Messages[0].Role)
	}
}

func TestAnalyzeBatchNotConfigured(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{})
	if _, err := c.AnalyzeBatch(context.Background(), Owner{}, []ConversationContext{{ConversationID: "x"}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestAnalyzeBatchEmptyInput(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{APIKey: "k"})
	out, err := c.AnalyzeBatch(context.Background(), Owner{}, nil)
	if err != nil || out != nil {
		t.Fatalf("empty batch: out=%v err=%v", out, err)
	}
}
