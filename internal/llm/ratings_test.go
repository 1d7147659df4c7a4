package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseRatingsStrict(t *testing.T) {
	batch := []int64{1, 2, 3}

	tests := []struct {
		name    string
		text    string
		wantErr bool
		wantN   int
	}{
		{"plain array", `[{"id":1,"rate":50},{"id":2,"rate":100}]`, false, 2},
		{"fenced array", "```json\n[{\"id\":1,\"rate\":1}]\n```", false, 1},
		{"single object", `{"id":3,"rate":77}`, false, 1},
		{"wrapped array", `{"ratings":[{"id":1,"rate":10}]}`, false, 1},
		{"rate too low", `[{"id":1,"rate":0}]`, true, 0},
		{"rate too high", `[{"id":1,"rate":101}]`, true, 0},
		{"unknown id", `[{"id":99,"rate":50}]`, true, 0},
		{"duplicate id", `[{"id":1,"rate":50},{"id":1,"rate":60}]`, true, 0},
		{"prose not json", `The best match is company 1 with rate 50.`, true, 0},
		{"empty output", ``, true, 0},
	}
	for _, tt := range tests {
		got, err := ParseRatings(tt.text, batch)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && len(got) != tt.wantN {
			t.Errorf("%s: parsed %d ratings, want %d", tt.name, len(got), tt.wantN)
		}
	}
}

func TestCompleteAgainstStub(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": `[{"id":1,"rate":42}]`}},
			},
		})
	}))
	defer srv.Close()

	o := New("test-key", "gpt-4o-mini", WithBaseURL(srv.URL))
	text, err := o.Complete(context.Background(), "rate these", "company 1", false)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	ratings, err := ParseRatings(text, []int64{1})
	if err != nil {
		t.Fatalf("ParseRatings() error: %v", err)
	}
	if len(ratings) != 1 || ratings[0].Rate != 42 {
		t.Errorf("ratings = %+v", ratings)
	}
	if calls != 1 {
		t.Errorf("stub called %d times, want 1", calls)
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "rate limited", "type": "rate_limit"},
		})
	}))
	defer srv.Close()

	o := New("test-key", "gpt-4o-mini", WithBaseURL(srv.URL))
	if _, err := o.Complete(context.Background(), "x", "y", false); err == nil {
		t.Fatal("expected an error from the API error body")
	}
}
