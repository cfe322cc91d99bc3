package costs

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

// Service labels one chargeable event class.
type Service string

const (
	ServiceCarrierCall     Service = "carrier_call"
	ServiceCarrierStream   Service = "carrier_stream"
	ServiceCarrierTransfer Service = "carrier_transfer"
	ServiceSTT             Service = "stt"
	ServiceTTS             Service = "tts"
	ServiceLLM             Service = "llm"
)

// Entry is one append-only cost log line.
type Entry struct {
	CallID   string  `json:"call_id"`
	Service  Service `json:"service"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Cost     float64 `json:"cost"`
}

// Rates holds the unit prices used to compute call costs.
type Rates struct {
	CarrierCallPerMinute    float64
	CarrierStreamPerMinute  float64
	CarrierTransferFlat     float64
	STTPerHour              float64
	TTSPerSecond            float64
	LLMPromptPerMillion     float64
	LLMCompletionPerMillion float64
}

// DefaultRates returns the current list prices.
func DefaultRates() Rates {
	return Rates{
		CarrierCallPerMinute:    0.0070,
		CarrierStreamPerMinute:  0.0040,
		CarrierTransferFlat:     0.0100,
		STTPerHour:              0.2580,
		TTSPerSecond:            0.0003,
		LLMPromptPerMillion:     0.1500,
		LLMCompletionPerMillion: 0.6000,
	}
}

// Breakdown is the computed cost summary for one call.
type Breakdown struct {
	CallMinutes       float64 `json:"call_minutes"`
	StreamMinutes     float64 `json:"stream_minutes"`
	CarrierCallCost   float64 `json:"carrier_call_cost"`
	CarrierStreamCost float64 `json:"carrier_stream_cost"`
	TransferCost      float64 `json:"transfer_cost"`
	STTHours          float64 `json:"stt_hours"`
	STTCost           float64 `json:"stt_cost"`
	TTSSeconds        float64 `json:"tts_seconds"`
	TTSCost           float64 `json:"tts_cost"`
	PromptTokens      int     `json:"prompt_tokens"`
	CompletionTokens  int     `json:"completion_tokens"`
	LLMCalls          int     `json:"llm_calls"`
	LLMCost           float64 `json:"llm_cost"`
	Transferred       bool    `json:"transferred"`
	Total             float64 `json:"total"`
}

// Store persists finalised per-call costs. Upserts are keyed on call id so
// a repeated finalise is a no-op at the database.
type Store interface {
	UpsertCost(ctx context.Context, callID string, b Breakdown) error
}

type callState struct {
	initiatedAt time.Time
	connectedAt time.Time
	endedAt     time.Time

	ttsSeconds       float64
	sttSeconds       float64
	promptTokens     int
	completionTokens int
	llmCalls         int

	entries   []Entry
	finalized bool
	breakdown Breakdown
}

// Ledger accumulates per-call cost signals and computes totals on
// finalise. The in-memory state is retained after finalise for fast reads.
type Ledger struct {
	rates  Rates
	store  Store
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	calls map[string]*callState
}

// NewLedger builds a ledger. store may be nil (persistence skipped).
func NewLedger(rates Rates, store Store, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{
		rates:  rates,
		store:  store,
		logger: logger,
		now:    time.Now,
		calls:  make(map[string]*callState),
	}
}

func (l *Ledger) call(callID string) *callState {
	cs, ok := l.calls[callID]
	if !ok {
		cs = &callState{}
		l.calls[callID] = cs
	}
	return cs
}

// Track registers a call with the ledger.
func (l *Ledger) Track(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.call(callID)
}

// MarkInitiated records origination time.
func (l *Ledger) MarkInitiated(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.call(callID)
	if cs.initiatedAt.IsZero() {
		cs.initiatedAt = l.now()
	}
}

// MarkConnected records answer time. Billable minutes count from here.
func (l *Ledger) MarkConnected(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.call(callID)
	if cs.connectedAt.IsZero() {
		cs.connectedAt = l.now()
	}
}

// MarkEnded records hangup time.
func (l *Ledger) MarkEnded(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.call(callID)
	if cs.endedAt.IsZero() {
		cs.endedAt = l.now()
	}
}

// AddTTSSeconds accrues synthesised audio time.
func (l *Ledger) AddTTSSeconds(callID string, seconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.call(callID)
	cs.ttsSeconds += seconds
	cs.entries = append(cs.entries, Entry{
		CallID: callID, Service: ServiceTTS, Quantity: seconds, Unit: "second",
		Cost: seconds * l.rates.TTSPerSecond,
	})
}

// AddSTTSeconds accrues transcribed audio time.
func (l *Ledger) AddSTTSeconds(callID string, seconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.call(callID)
	cs.sttSeconds += seconds
	cs.entries = append(cs.entries, Entry{
		CallID: callID, Service: ServiceSTT, Quantity: seconds / 3600.0, Unit: "hour",
		Cost: seconds / 3600.0 * l.rates.STTPerHour,
	})
}

// AddLLMUsage accrues one model call's token counts.
func (l *Ledger) AddLLMUsage(callID string, promptTokens, completionTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.call(callID)
	cs.promptTokens += promptTokens
	cs.completionTokens += completionTokens
	cs.llmCalls++
	cost := float64(promptTokens)/1e6*l.rates.LLMPromptPerMillion +
		float64(completionTokens)/1e6*l.rates.LLMCompletionPerMillion
	cs.entries = append(cs.entries, Entry{
		CallID: callID, Service: ServiceLLM,
		Quantity: float64(promptTokens + completionTokens), Unit: "token", Cost: cost,
	})
}

// LLMCalls reports the number of model calls made on the call.
func (l *Ledger) LLMCalls(callID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok := l.calls[callID]; ok {
		return cs.llmCalls
	}
	return 0
}

// TTSSeconds reports synthesised audio time for the call.
func (l *Ledger) TTSSeconds(callID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok := l.calls[callID]; ok {
		return cs.ttsSeconds
	}
	return 0
}

// Entries returns a copy of the call's cost log.
func (l *Ledger) Entries(callID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.calls[callID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(cs.entries))
	copy(out, cs.entries)
	return out
}

// Breakdown returns the finalised breakdown if the call has one.
func (l *Ledger) Breakdown(callID string) (Breakdown, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok := l.calls[callID]; ok && cs.finalized {
		return cs.breakdown, true
	}
	return Breakdown{}, false
}

// Finalize computes the call's totals, upserts the row, and caches the
// result. A second finalise returns the cached breakdown untouched.
func (l *Ledger) Finalize(ctx context.Context, callID string, transferred bool) Breakdown {
	l.mu.Lock()
	cs := l.call(callID)
	if cs.finalized {
		b := cs.breakdown
		l.mu.Unlock()
		return b
	}
	if cs.endedAt.IsZero() {
		cs.endedAt = l.now()
	}

	b := Breakdown{
		TTSSeconds:       cs.ttsSeconds,
		STTHours:         cs.sttSeconds / 3600.0,
		PromptTokens:     cs.promptTokens,
		CompletionTokens: cs.completionTokens,
		LLMCalls:         cs.llmCalls,
		Transferred:      transferred,
	}
	// Per-minute services bill rounded-up minutes, counted only from
	// answer.
	if !cs.connectedAt.IsZero() && cs.endedAt.After(cs.connectedAt) {
		minutes := math.Ceil(cs.endedAt.Sub(cs.connectedAt).Minutes())
		b.CallMinutes = minutes
		b.StreamMinutes = minutes
		b.CarrierCallCost = minutes * l.rates.CarrierCallPerMinute
		b.CarrierStreamCost = minutes * l.rates.CarrierStreamPerMinute
	}
	if transferred {
		b.TransferCost = l.rates.CarrierTransferFlat
		cs.entries = append(cs.entries, Entry{
			CallID: callID, Service: ServiceCarrierTransfer, Quantity: 1, Unit: "transfer",
			Cost: b.TransferCost,
		})
	}
	b.STTCost = b.STTHours * l.rates.STTPerHour
	b.TTSCost = b.TTSSeconds * l.rates.TTSPerSecond
	b.LLMCost = float64(cs.promptTokens)/1e6*l.rates.LLMPromptPerMillion +
		float64(cs.completionTokens)/1e6*l.rates.LLMCompletionPerMillion
	b.Total = b.CarrierCallCost + b.CarrierStreamCost + b.TransferCost +
		b.STTCost + b.TTSCost + b.LLMCost

	cs.finalized = true
	cs.breakdown = b
	store := l.store
	l.mu.Unlock()

	if store != nil {
		if err := store.UpsertCost(ctx, callID, b); err != nil {
			l.logger.Error("cost upsert failed", "call_id", callID, "error", err)
		}
	}
	return b
}

// Totals aggregates across all tracked calls. Averages exclude failed
// calls (zero model calls); sums include everything.
type Totals struct {
	Calls            int     `json:"calls"`
	BilledCalls      int     `json:"billed_calls"`
	TotalCost        float64 `json:"total_cost"`
	AverageCost      float64 `json:"average_cost"`
	TotalTTSSeconds  float64 `json:"total_tts_seconds"`
	TotalSTTHours    float64 `json:"total_stt_hours"`
	TotalLLMCalls    int     `json:"total_llm_calls"`
	TotalCallMinutes float64 `json:"total_call_minutes"`
}

// Aggregate computes fleet-wide totals over finalised calls.
func (l *Ledger) Aggregate() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()

	var t Totals
	var billedCost float64
	for _, cs := range l.calls {
		if !cs.finalized {
			continue
		}
		t.Calls++
		b := cs.breakdown
		t.TotalCost += b.Total
		t.TotalTTSSeconds += b.TTSSeconds
		t.TotalSTTHours += b.STTHours
		t.TotalLLMCalls += b.LLMCalls
		t.TotalCallMinutes += b.CallMinutes
		if b.LLMCalls > 0 {
			t.BilledCalls++
			billedCost += b.Total
		}
	}
	if t.BilledCalls > 0 {
		t.AverageCost = billedCost / float64(t.BilledCalls)
	}
	return t
}
