package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"matchwatch/internal/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Send(_ context.Context, m transport.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestJSONLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "poller"))
	log.Info("cycle done", Int("emitted", 2), Duration("took", time.Second))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if rec["comp"] != "poller" || rec["message"] != "cycle done" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["emitted"] != float64(2) {
		t.Fatalf("emitted = %v", rec["emitted"])
	}
	if _, ok := rec["caller"].(string); !ok {
		t.Fatalf("caller missing: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	zero.Error("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestAlertSinkForwardsAtMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", PerMinute: 60}}, sender)
	defer svc.Close()

	log.Warn("not an alert")
	log.Error("poller halted", String("reason", "bad credentials"))

	waitFor(t, func() bool { return sender.count() == 1 })

	sender.mu.Lock()
	m := sender.msgs[0]
	sender.mu.Unlock()
	if !strings.Contains(m.Title, "poller halted") {
		t.Fatalf("title = %q", m.Title)
	}
	found := false
	for _, f := range m.Fields {
		if f.Name == "reason" && f.Value == "bad credentials" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reason field missing: %+v", m.Fields)
	}
}

func TestAlertSinkIsRateLimited(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{Level: "info", Alert: AlertConfig{Enabled: true, PerMinute: 2}}, sender)
	defer svc.Close()

	for i := 0; i < 10; i++ {
		log.Error("boom", Int("i", i))
	}
	waitFor(t, func() bool { return sender.count() >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := sender.count(); got != 2 {
		t.Fatalf("forwarded %d alerts, want 2 (burst)", got)
	}
}
