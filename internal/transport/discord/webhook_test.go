package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"matchwatch/internal/retry"
	"matchwatch/internal/transport"
)

func TestSendPostsEmbed(t *testing.T) {
	t.Parallel()
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("method=%s ct=%s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := New(srv.URL, WithUsername("matchwatch"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = wh.Send(context.Background(), transport.Message{
		Title:     "Alice#EUW: Victory on Ahri",
		Text:      "10/2/5",
		Color:     0x2ECC71,
		Fields:    []transport.Field{{Name: "KDA", Value: "7.50", Inline: true}},
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Username != "matchwatch" || len(got.Embeds) != 1 {
		t.Fatalf("payload = %+v", got)
	}
	e := got.Embeds[0]
	if e.Title != "Alice#EUW: Victory on Ahri" || e.Description != "10/2/5" || e.Color != 0x2ECC71 {
		t.Fatalf("embed = %+v", e)
	}
	if len(e.Fields) != 1 || e.Fields[0].Value != "7.50" || e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("embed fields/timestamp = %+v", e)
	}
}

func TestSendErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		header    string
		body      string
		wantKind  retry.Kind
		wantAfter time.Duration
	}{
		{name: "rate limited body", status: 429, body: `{"retry_after": 1.5, "global": false}`, wantKind: retry.KindRetryAfter, wantAfter: 1500 * time.Millisecond},
		{name: "rate limited header", status: 429, header: "2", wantKind: retry.KindRetryAfter, wantAfter: 2 * time.Second},
		{name: "server error", status: 502, wantKind: retry.KindBackoff},
		{name: "bad request", status: 400, body: `{"message":"Invalid Form Body"}`, wantKind: retry.KindFail},
		{name: "unknown webhook", status: 404, wantKind: retry.KindFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			wh, _ := New(srv.URL)
			err := wh.Send(context.Background(), transport.Message{Text: "x"})
			if err == nil {
				t.Fatalf("expected error")
			}
			o := retry.Classify(err)
			if o.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s (err=%v)", o.Kind, tt.wantKind, err)
			}
			if tt.wantAfter > 0 && o.After != tt.wantAfter {
				t.Fatalf("after = %v, want %v", o.After, tt.wantAfter)
			}
		})
	}
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := New("  "); !errors.Is(err, ErrNoURL) {
		t.Fatalf("err = %v, want ErrNoURL", err)
	}
}
