package costs

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	upserts map[string]int
}

func (m *memStore) UpsertCost(ctx context.Context, callID string, b Breakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upserts == nil {
		m.upserts = make(map[string]int)
	}
	m.upserts[callID]++
	return nil
}

func newTestLedger(store Store) (*Ledger, *time.Time) {
	l := NewLedger(DefaultRates(), store, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestMinutesCountFromConnected(t *testing.T) {
	l, now := newTestLedger(nil)

	l.MarkInitiated("cc-1")
	*now = now.Add(10 * time.Second) // ringing: not billable
	l.MarkConnected("cc-1")
	*now = now.Add(90 * time.Second) // 1.5 minutes talking
	l.MarkEnded("cc-1")

	b := l.Finalize(context.Background(), "cc-1", false)
	if b.CallMinutes != 2 {
		t.Errorf("expected 2 rounded-up minutes, got %v", b.CallMinutes)
	}
	wantCall := 2 * DefaultRates().CarrierCallPerMinute
	if math.Abs(b.CarrierCallCost-wantCall) > 1e-9 {
		t.Errorf("carrier call cost %v, want %v", b.CarrierCallCost, wantCall)
	}
}

func TestUnansweredCallHasNoMinutes(t *testing.T) {
	l, now := newTestLedger(nil)

	l.MarkInitiated("cc-1")
	*now = now.Add(30 * time.Second)
	l.MarkEnded("cc-1")

	b := l.Finalize(context.Background(), "cc-1", false)
	if b.CallMinutes != 0 || b.CarrierCallCost != 0 {
		t.Errorf("unanswered call must not bill minutes: %+v", b)
	}
}

func TestTransferFlatFee(t *testing.T) {
	l, _ := newTestLedger(nil)
	l.Track("cc-1")

	b := l.Finalize(context.Background(), "cc-1", true)
	if b.TransferCost != DefaultRates().CarrierTransferFlat {
		t.Errorf("transfer cost %v", b.TransferCost)
	}
	if !b.Transferred {
		t.Error("transferred flag not carried")
	}
}

func TestUsageAccrual(t *testing.T) {
	l, _ := newTestLedger(nil)

	l.AddTTSSeconds("cc-1", 12.5)
	l.AddSTTSeconds("cc-1", 36)
	l.AddLLMUsage("cc-1", 1000, 200)
	l.AddLLMUsage("cc-1", 500, 100)

	if got := l.LLMCalls("cc-1"); got != 2 {
		t.Errorf("llm calls %d", got)
	}
	if got := l.TTSSeconds("cc-1"); got != 12.5 {
		t.Errorf("tts seconds %v", got)
	}

	b := l.Finalize(context.Background(), "cc-1", false)
	if b.PromptTokens != 1500 || b.CompletionTokens != 300 {
		t.Errorf("token totals %d/%d", b.PromptTokens, b.CompletionTokens)
	}
	wantSTT := 0.01 * DefaultRates().STTPerHour // 36s = 0.01h
	if math.Abs(b.STTCost-wantSTT) > 1e-9 {
		t.Errorf("stt cost %v want %v", b.STTCost, wantSTT)
	}
	if len(l.Entries("cc-1")) != 4 {
		t.Errorf("expected 4 log entries, got %d", len(l.Entries("cc-1")))
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	store := &memStore{}
	l, _ := newTestLedger(store)
	l.AddTTSSeconds("cc-1", 5)

	first := l.Finalize(context.Background(), "cc-1", false)
	// Later signals must not change the finalised breakdown.
	l.AddTTSSeconds("cc-1", 100)
	second := l.Finalize(context.Background(), "cc-1", true)

	if first.Total != second.Total {
		t.Errorf("finalize not idempotent: %v vs %v", first.Total, second.Total)
	}
	if store.upserts["cc-1"] != 1 {
		t.Errorf("expected 1 upsert, got %d", store.upserts["cc-1"])
	}
}

func TestAggregateExcludesFailedCallsFromAverage(t *testing.T) {
	l, now := newTestLedger(nil)

	// Call with LLM activity.
	l.MarkConnected("cc-1")
	*now = now.Add(time.Minute)
	l.MarkEnded("cc-1")
	l.AddLLMUsage("cc-1", 1000, 100)
	l.Finalize(context.Background(), "cc-1", false)

	// Failed call: carrier time but no LLM calls.
	l.MarkConnected("cc-2")
	*now = now.Add(time.Minute)
	l.MarkEnded("cc-2")
	l.Finalize(context.Background(), "cc-2", false)

	totals := l.Aggregate()
	if totals.Calls != 2 {
		t.Errorf("calls %d", totals.Calls)
	}
	if totals.BilledCalls != 1 {
		t.Errorf("billed calls %d", totals.BilledCalls)
	}
	b1, _ := l.Breakdown("cc-1")
	if math.Abs(totals.AverageCost-b1.Total) > 1e-9 {
		t.Errorf("average %v should equal the billed call's total %v", totals.AverageCost, b1.Total)
	}
	b2, _ := l.Breakdown("cc-2")
	if math.Abs(totals.TotalCost-(b1.Total+b2.Total)) > 1e-9 {
		t.Errorf("total %v should sum everything", totals.TotalCost)
	}
}
