package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/dialer-ai-platform/internal/dialogue"
	"github.com/wolfman30/dialer-ai-platform/internal/didpool"
	"github.com/wolfman30/dialer-ai-platform/internal/media"
	observemetrics "github.com/wolfman30/dialer-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/dialer-ai-platform/internal/telephony"
	"github.com/wolfman30/dialer-ai-platform/internal/telnyx"
	"github.com/wolfman30/dialer-ai-platform/internal/webhook"
	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

// AgentState is the overall dialler state.
type AgentState string

const (
	StateStopped AgentState = "stopped"
	StateRunning AgentState = "running"
	StatePaused  AgentState = "paused"
)

// ErrAlreadyDialling is returned when a recipient already has a call in
// flight.
var ErrAlreadyDialling = errors.New("dialer: phone already being dialled")

// Lead is the dialler's view of one person to call.
type Lead struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	Address   string
}

// CallItem is one queued dialling attempt.
type CallItem struct {
	Lead     Lead
	Attempts int
	// FromOverride pins the caller ID instead of consulting the DID pool
	// (manual initiate path).
	FromOverride string
}

// CallRecord is the origination row, the source of truth that the carrier
// accepted a call.
type CallRecord struct {
	CallID      string
	LeadID      string
	FromNumber  string
	ToNumber    string
	InitiatedAt time.Time
}

// LeadStore applies lead-side effects of call outcomes.
type LeadStore interface {
	// MarkCalled flips the lead to called with the DID used; invoked only
	// after the carrier confirmed origination.
	MarkCalled(ctx context.Context, leadID, fromDID string) error
	// UpdateOutcome applies the reconciled status / answer type at call
	// end.
	UpdateOutcome(ctx context.Context, leadID, status, answerType string) error
}

// CallStore persists origination rows.
type CallStore interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// originator is the slice of the carrier API the dispatcher drives.
type originator interface {
	CreateCall(ctx context.Context, req telnyx.CreateCallRequest) (string, error)
}

// Stats is the operator-visible counter set.
type Stats struct {
	Queued               int `json:"queued"`
	ActiveCalls          int `json:"activeCalls"`
	Initiated            int `json:"initiated"`
	Completed            int `json:"completed"`
	Transferred          int `json:"transferred"`
	Voicemail            int `json:"voicemail"`
	NoAnswer             int `json:"noAnswer"`
	FailedCalls          int `json:"failedCalls"`
	ChannelLimitFailures int `json:"channelLimitFailures"`
	Retries              int `json:"retries"`
	Timeouts             int `json:"timeouts"`
}

// Config bounds the dispatcher.
type Config struct {
	// MaxConcurrentCalls is clamped to [1, 50].
	MaxConcurrentCalls int
	// DelayBetweenCalls is the courtesy sleep between originations.
	DelayBetweenCalls time.Duration
	// CallTimeout releases the concurrency slot; the call itself keeps
	// running until its webhook terminal event.
	CallTimeout time.Duration
	// MaxOriginateTries caps attempts per lead, retries included.
	MaxOriginateTries int
}

func (c *Config) normalise() {
	if c.MaxConcurrentCalls < 1 {
		c.MaxConcurrentCalls = 1
	}
	if c.MaxConcurrentCalls > 50 {
		c.MaxConcurrentCalls = 50
	}
	if c.DelayBetweenCalls <= 0 {
		c.DelayBetweenCalls = 500 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 300 * time.Second
	}
	if c.MaxOriginateTries <= 0 {
		c.MaxOriginateTries = 3
	}
}

// Dependencies carries the dispatcher's collaborators.
type Dependencies struct {
	Pool     *didpool.Pool
	Registry *PhoneRegistry
	Carrier  originator
	Router   *webhook.Router
	Leads    LeadStore
	Calls    CallStore
	// EngineFactory builds one dialogue engine per call.
	EngineFactory func(callID string) *dialogue.Engine
	// PipelineFactory builds one media pipeline per call; may return nil
	// when media is disabled (tests).
	PipelineFactory func(callID string) *media.Pipeline
	Metrics         *observemetrics.DialerMetrics
	Logger          *logging.Logger
}

// Dispatcher drains the lead queue under a concurrency bound, owning the
// whole life of each attempt: DID choice, origination, completion wait,
// retry policy, and lead reconciliation.
type Dispatcher struct {
	cfg  Config
	deps Dependencies

	mu          sync.Mutex
	state       AgentState
	queue       []CallItem
	activeCalls int
	stats       Stats

	wakeup chan struct{}
	wg     sync.WaitGroup
}

// New builds a stopped dispatcher.
func New(cfg Config, deps Dependencies) *Dispatcher {
	cfg.normalise()
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		state:  StateStopped,
		wakeup: make(chan struct{}, 1),
	}
}

// SetMaxConcurrent adjusts the concurrency bound at runtime.
func (d *Dispatcher) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	if n > 50 {
		n = 50
	}
	d.mu.Lock()
	d.cfg.MaxConcurrentCalls = n
	d.mu.Unlock()
	d.signal()
}

// MaxConcurrent reports the current bound.
func (d *Dispatcher) MaxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.MaxConcurrentCalls
}

// Start enqueues the leads and launches the scheduling loop. Starting a
// running agent just adds to the queue.
func (d *Dispatcher) Start(ctx context.Context, leads []Lead) error {
	d.mu.Lock()
	for _, lead := range leads {
		d.queue = append(d.queue, CallItem{Lead: lead})
		d.stats.Queued++
	}
	d.deps.Metrics.SetQueueDepth(len(d.queue))
	if d.state == StateRunning || d.state == StatePaused {
		d.mu.Unlock()
		d.signal()
		return nil
	}
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("dialer: nothing to dial")
	}
	d.state = StateRunning
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Pause stops popping the queue; in-flight calls continue.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	if d.state == StateRunning {
		d.state = StatePaused
	}
	d.mu.Unlock()
	d.signal()
}

// Resume restarts popping after a pause.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	if d.state == StatePaused {
		d.state = StateRunning
	}
	d.mu.Unlock()
	d.signal()
}

// Stop clears the queue and stops scheduling; in-flight calls continue to
// their own terminal events.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.queue = nil
	if d.state != StateStopped {
		d.state = StateStopped
	}
	d.deps.Metrics.SetQueueDepth(0)
	d.mu.Unlock()
	d.signal()
}

// State reports the agent state.
func (d *Dispatcher) State() AgentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ActiveCalls reports in-flight attempts.
func (d *Dispatcher) ActiveCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeCalls
}

// QueueDepth reports leads waiting to dial.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stats snapshots the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Queued = len(d.queue)
	s.ActiveCalls = d.activeCalls
	return s
}

// Wait blocks until every worker has finished (used by tests and
// shutdown).
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) signal() {
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}

// run is the single scheduling goroutine. The concurrency slot is
// reserved here, under the lock, before the worker spawns.
func (d *Dispatcher) run(ctx context.Context) {
	for {
		d.mu.Lock()
		switch {
		case d.state == StateStopped && d.activeCalls == 0:
			d.mu.Unlock()
			d.deps.Logger.Info("dialler stopped")
			return
		case d.state == StateRunning && len(d.queue) == 0 && d.activeCalls == 0:
			d.state = StateStopped
			d.mu.Unlock()
			d.deps.Logger.Info("queue drained, dialler stopped")
			return
		case d.state != StateRunning || d.activeCalls >= d.cfg.MaxConcurrentCalls || len(d.queue) == 0:
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-d.wakeup:
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		item := d.queue[0]
		d.queue = d.queue[1:]
		d.deps.Metrics.SetQueueDepth(len(d.queue))

		phone := telephony.NormalizeE164(item.Lead.Phone)
		if phone == "" {
			d.stats.FailedCalls++
			d.mu.Unlock()
			d.deps.Metrics.ObserveOriginationFailure("invalid_number")
			d.deps.Logger.Warn("skipping lead with unusable phone", "lead_id", item.Lead.ID)
			continue
		}

		// The concurrency slot is claimed before the phone reservation so
		// the registry can never outgrow active_calls.
		d.activeCalls++
		if ok, existing := d.deps.Registry.TryReserve(phone); !ok {
			// Busy-requeue at the back; the small delay below avoids
			// starving the rest of the queue.
			d.activeCalls--
			d.queue = append(d.queue, item)
			d.mu.Unlock()
			d.deps.Logger.Debug("phone already dialling, requeued",
				"phone", telephony.MaskPhone(phone), "existing_call", existing)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		d.deps.Metrics.SetActiveCalls(d.activeCalls)
		d.mu.Unlock()

		d.wg.Add(1)
		go d.worker(ctx, item, phone)

		d.mu.Lock()
		delay := d.cfg.DelayBetweenCalls
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// releaseSlot is every worker's single exit path for shared state: the
// phone reservation and the concurrency slot are freed even on panic.
func (d *Dispatcher) releaseSlot(phone string) {
	if rec := recover(); rec != nil {
		d.deps.Logger.Error("worker panic", "panic", fmt.Sprintf("%v", rec))
	}
	d.deps.Registry.Release(phone)
	d.mu.Lock()
	d.activeCalls--
	d.deps.Metrics.SetActiveCalls(d.activeCalls)
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) worker(ctx context.Context, item CallItem, phone string) {
	defer d.wg.Done()
	defer d.releaseSlot(phone)

	cc, ok := d.originate(ctx, item, phone)
	if !ok {
		return
	}
	d.awaitCompletion(ctx, item, cc)
}

// originate picks a DID and asks the carrier for a call. Retry and skip
// policy is driven by the error's tag, never its text.
func (d *Dispatcher) originate(ctx context.Context, item CallItem, phone string) (*webhook.CallContext, bool) {
	var sel didpool.Selection
	if item.FromOverride != "" {
		sel = didpool.Selection{Number: telephony.NormalizeE164(item.FromOverride), Match: "manual"}
	} else {
		var err error
		sel, err = d.deps.Pool.Select(phone)
		if err != nil {
			d.mu.Lock()
			d.stats.FailedCalls++
			d.mu.Unlock()
			d.deps.Metrics.ObserveOriginationFailure("no_dids")
			d.deps.Logger.Error("no outbound numbers available", "lead_id", item.Lead.ID)
			return nil, false
		}
	}

	snapshot := telnyx.LeadSnapshot{
		ID:        item.Lead.ID,
		FirstName: item.Lead.FirstName,
		LastName:  item.Lead.LastName,
		Phone:     phone,
		Address:   item.Lead.Address,
	}
	clientState, err := telnyx.ClientState{
		Lead:      snapshot,
		FromDID:   sel.Number,
		Timestamp: time.Now().UTC(),
	}.Encode()
	if err != nil {
		d.deps.Logger.Error("client state encode failed", "error", err)
	}

	callID, err := d.deps.Carrier.CreateCall(ctx, telnyx.CreateCallRequest{
		To:          phone,
		From:        sel.Number,
		ClientState: clientState,
	})
	if err != nil {
		d.handleOriginationFailure(item, err)
		return nil, false
	}

	d.mu.Lock()
	d.stats.Initiated++
	d.mu.Unlock()
	d.deps.Metrics.ObserveInitiated()
	d.deps.Registry.Bind(phone, callID)

	// Origination row first: it is the source of truth that DB "called"
	// status hangs off. A metadata failure never aborts the call.
	if d.deps.Calls != nil {
		if err := d.deps.Calls.RecordCall(ctx, CallRecord{
			CallID:      callID,
			LeadID:      item.Lead.ID,
			FromNumber:  sel.Number,
			ToNumber:    phone,
			InitiatedAt: time.Now().UTC(),
		}); err != nil {
			d.deps.Logger.Error("origination row insert failed", "call_id", callID, "error", err)
		}
	}

	engine := d.deps.EngineFactory(callID)
	engine.Initialize(dialogue.Lead{
		ID:        item.Lead.ID,
		FirstName: item.Lead.FirstName,
		LastName:  item.Lead.LastName,
		Phone:     phone,
		Address:   item.Lead.Address,
	})
	var pipeline *media.Pipeline
	if d.deps.PipelineFactory != nil {
		pipeline = d.deps.PipelineFactory(callID)
	}

	cc := d.deps.Router.Register(webhook.CallParams{
		CallID:   callID,
		Lead:     snapshot,
		FromDID:  sel.Number,
		ToPhone:  phone,
		Engine:   engine,
		Pipeline: pipeline,
	})

	if d.deps.Leads != nil {
		if err := d.deps.Leads.MarkCalled(ctx, item.Lead.ID, sel.Number); err != nil {
			d.deps.Logger.Error("lead status update failed", "lead_id", item.Lead.ID, "error", err)
		}
	}

	d.deps.Logger.Info("call originated",
		"call_id", callID,
		"lead_id", item.Lead.ID,
		"from", telephony.MaskPhone(sel.Number),
		"to", telephony.MaskPhone(phone),
		"did_match", sel.Match,
	)
	return cc, true
}

func (d *Dispatcher) handleOriginationFailure(item CallItem, err error) {
	switch {
	case telnyx.IsChannelLimit(err):
		// Skip retry entirely; the lead is not re-queued and its DB
		// status stays untouched.
		d.mu.Lock()
		d.stats.FailedCalls++
		d.stats.ChannelLimitFailures++
		d.mu.Unlock()
		d.deps.Metrics.ObserveOriginationFailure("channel_limit")
		d.deps.Logger.Warn("origination refused: channel limit", "lead_id", item.Lead.ID)
	case telnyx.IsInvalidNumber(err), telnyx.IsUnverifiedNumber(err):
		d.mu.Lock()
		d.stats.FailedCalls++
		d.mu.Unlock()
		d.deps.Metrics.ObserveOriginationFailure("rejected")
		d.deps.Logger.Warn("origination rejected", "lead_id", item.Lead.ID, "error", err)
	default:
		attempts := item.Attempts + 1
		if attempts < d.cfg.MaxOriginateTries {
			d.mu.Lock()
			d.stats.Retries++
			d.queue = append(d.queue, CallItem{Lead: item.Lead, Attempts: attempts})
			d.deps.Metrics.SetQueueDepth(len(d.queue))
			d.mu.Unlock()
			d.deps.Logger.Warn("origination failed, requeued",
				"lead_id", item.Lead.ID, "attempt", attempts, "error", err)
		} else {
			d.mu.Lock()
			d.stats.FailedCalls++
			d.mu.Unlock()
			d.deps.Metrics.ObserveOriginationFailure("exhausted")
			d.deps.Logger.Error("origination retries exhausted", "lead_id", item.Lead.ID, "error", err)
		}
	}
}

// awaitCompletion blocks on the per-call completion channel. A timeout
// frees the slot but never cancels the call: the webhook terminal event
// still finalises it.
func (d *Dispatcher) awaitCompletion(ctx context.Context, item CallItem, cc *webhook.CallContext) {
	select {
	case comp := <-cc.Done:
		d.reconcile(ctx, item, comp)
	case <-time.After(d.cfg.CallTimeout):
		d.mu.Lock()
		d.stats.Timeouts++
		d.mu.Unlock()
		d.deps.Logger.Warn("call slot timed out, call continues", "call_id", cc.CallID)
	case <-ctx.Done():
	}
}

// reconcile converts the terminal signal into lead-side state.
func (d *Dispatcher) reconcile(ctx context.Context, item CallItem, comp webhook.Completion) {
	answerType := ""
	leadStatus := ""
	d.mu.Lock()
	switch comp.Reason {
	case webhook.ReasonTransferred:
		d.stats.Transferred++
		d.stats.Completed++
		answerType = "answered"
		leadStatus = "qualified"
	case webhook.ReasonVoicemail:
		d.stats.Voicemail++
		d.stats.Completed++
		answerType = "voicemail"
	case webhook.ReasonNoAnswer, webhook.ReasonTimeout:
		d.stats.NoAnswer++
		d.stats.Completed++
		answerType = "no_answer"
	case webhook.ReasonBusy:
		d.stats.Completed++
		answerType = "busy"
	default:
		d.stats.Completed++
		answerType = "answered"
	}
	d.mu.Unlock()

	if leadStatus == "" && comp.Stage == dialogue.StageDisqualified {
		leadStatus = "disqualified"
	}

	if d.deps.Leads != nil {
		if err := d.deps.Leads.UpdateOutcome(ctx, item.Lead.ID, leadStatus, answerType); err != nil {
			d.deps.Logger.Error("lead outcome update failed", "lead_id", item.Lead.ID, "error", err)
		}
	}
}

// SetDelay adjusts the courtesy sleep between originations.
func (d *Dispatcher) SetDelay(delay time.Duration) {
	if delay <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.DelayBetweenCalls = delay
	d.mu.Unlock()
}

// InitiateCall dials one lead outside the queue (the manual API path).
// Returns ErrAlreadyDialling with the existing call id when the phone is
// already in flight.
func (d *Dispatcher) InitiateCall(ctx context.Context, lead Lead, fromOverride string) (string, string, error) {
	phone := telephony.NormalizeE164(lead.Phone)
	if phone == "" {
		return "", "", fmt.Errorf("dialer: unusable phone %q", lead.Phone)
	}
	d.mu.Lock()
	d.activeCalls++
	ok, existing := d.deps.Registry.TryReserve(phone)
	if !ok {
		d.activeCalls--
		d.mu.Unlock()
		return "", existing, ErrAlreadyDialling
	}
	d.deps.Metrics.SetActiveCalls(d.activeCalls)
	d.mu.Unlock()

	item := CallItem{Lead: lead, FromOverride: fromOverride}
	cc, started := d.originate(ctx, item, phone)
	if !started {
		d.releaseSlotNoRecover(phone)
		return "", "", fmt.Errorf("dialer: origination failed")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.releaseSlot(phone)
		d.awaitCompletion(context.Background(), item, cc)
	}()
	return cc.CallID, "", nil
}

func (d *Dispatcher) releaseSlotNoRecover(phone string) {
	d.deps.Registry.Release(phone)
	d.mu.Lock()
	d.activeCalls--
	d.deps.Metrics.SetActiveCalls(d.activeCalls)
	d.mu.Unlock()
	d.signal()
}
