package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/wolfman30/dialer-ai-platform/internal/costs"
	"github.com/wolfman30/dialer-ai-platform/internal/dialogue"
	"github.com/wolfman30/dialer-ai-platform/internal/media"
	observemetrics "github.com/wolfman30/dialer-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/dialer-ai-platform/internal/recorder"
	"github.com/wolfman30/dialer-ai-platform/internal/telephony"
	"github.com/wolfman30/dialer-ai-platform/internal/telnyx"
	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

const (
	defaultNoResponseTimeout = 15 * time.Second
	defaultGraceWindow       = 10 * time.Second
	outboundDrainTimeout     = 5 * time.Second
	inboxDepth               = 64
)

// carrier is the slice of the call-control API the router drives.
type carrier interface {
	StartBidirectionalStream(ctx context.Context, callControlID, wsURL string) error
	Transfer(ctx context.Context, callControlID, to, fromDID string) error
	Hangup(ctx context.Context, callControlID string) error
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

// TransferStore persists successful transfers.
type TransferStore interface {
	RecordTransfer(ctx context.Context, callID string, lead telnyx.LeadSnapshot, fromDID, toAgent string, at time.Time) error
}

// CallStatusStore updates the origination row as webhooks arrive.
type CallStatusStore interface {
	MarkWebhookReceived(ctx context.Context, callID, status string) error
}

type bufferedEvents struct {
	events []Event
	since  time.Time
}

// Router ingests carrier webhooks, routes them by call id to the owning
// call context, runs the per-call conversation loop, and signals terminal
// state to the dispatcher.
type Router struct {
	carrier        carrier
	recorder       *recorder.Recorder
	ledger         *costs.Ledger
	streams        *media.StreamServer
	transfers      TransferStore
	callStatus     CallStatusStore
	metrics        *observemetrics.DialerMetrics
	logger         *logging.Logger
	transferNumber string
	streamURL      string
	noResponse     time.Duration
	graceWindow    time.Duration
	skipSignature  bool

	mu             sync.Mutex
	calls          map[string]*CallContext
	active         map[string]bool
	pendingHangups map[string]struct{}
	buffered       map[string]*bufferedEvents
}

// RouterConfig wires the webhook router.
type RouterConfig struct {
	Carrier    carrier
	Recorder   *recorder.Recorder
	Ledger     *costs.Ledger
	Streams    *media.StreamServer
	Transfers  TransferStore
	CallStatus CallStatusStore
	Metrics    *observemetrics.DialerMetrics
	Logger     *logging.Logger
	// TransferNumber is the human agent's number for blind transfers.
	TransferNumber string
	// StreamURL is the public wss endpoint the carrier connects media to.
	StreamURL string
	// NoResponseTimeout arms the silence prompt; default 15s.
	NoResponseTimeout time.Duration
	// SkipSignature disables webhook signature verification (tests).
	SkipSignature bool
}

// NewRouter builds the router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	noResp := cfg.NoResponseTimeout
	if noResp <= 0 {
		noResp = defaultNoResponseTimeout
	}
	return &Router{
		carrier:        cfg.Carrier,
		recorder:       cfg.Recorder,
		ledger:         cfg.Ledger,
		streams:        cfg.Streams,
		transfers:      cfg.Transfers,
		callStatus:     cfg.CallStatus,
		metrics:        cfg.Metrics,
		logger:         logger,
		transferNumber: cfg.TransferNumber,
		streamURL:      cfg.StreamURL,
		noResponse:     noResp,
		graceWindow:    defaultGraceWindow,
		skipSignature:  cfg.SkipSignature,
		calls:          make(map[string]*CallContext),
		active:         make(map[string]bool),
		pendingHangups: make(map[string]struct{}),
		buffered:       make(map[string]*bufferedEvents),
	}
}

// CallParams describes a call the dispatcher just originated.
type CallParams struct {
	CallID   string
	Lead     telnyx.LeadSnapshot
	FromDID  string
	ToPhone  string
	Engine   *dialogue.Engine
	Pipeline *media.Pipeline
}

// Register creates the call context, starts its event loop, and flushes
// any webhooks that raced ahead of registration.
func (r *Router) Register(params CallParams) *CallContext {
	ctx, cancel := context.WithCancel(context.Background())
	cc := &CallContext{
		CallID:   params.CallID,
		Lead:     params.Lead,
		FromDID:  params.FromDID,
		ToPhone:  params.ToPhone,
		Engine:   params.Engine,
		Pipeline: params.Pipeline,
		Done:     make(chan Completion, 1),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan Event, inboxDepth),
	}

	r.mu.Lock()
	r.calls[params.CallID] = cc
	buffered := r.buffered[params.CallID]
	delete(r.buffered, params.CallID)
	r.mu.Unlock()

	if r.streams != nil && params.Pipeline != nil {
		r.streams.Register(params.CallID, params.Pipeline)
	}

	go r.runCall(cc)
	go r.watchPipeline(cc)

	if buffered != nil {
		for _, ev := range buffered.events {
			r.deliver(cc, ev)
		}
	}
	return cc
}

// SetTransferNumber updates the human agent number used for transfers.
func (r *Router) SetTransferNumber(number string) {
	r.mu.Lock()
	r.transferNumber = number
	r.mu.Unlock()
}

// TransferNumber reports the configured agent number.
func (r *Router) TransferNumber() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transferNumber
}

// IsActive reports whether the call is answered and not yet hung up. The
// media pipeline uses this to discard late utterances.
func (r *Router) IsActive(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[callID]
}

// ActiveCallIDs lists the calls currently answered.
func (r *Router) ActiveCallIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id, on := range r.active {
		if on {
			out = append(out, id)
		}
	}
	return out
}

// Lookup returns the call context for a call id.
func (r *Router) Lookup(callID string) (*CallContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cc, ok := r.calls[callID]
	return cc, ok
}

// CancelAll tears down every in-flight call (graceful shutdown).
func (r *Router) CancelAll() {
	r.mu.Lock()
	ccs := make([]*CallContext, 0, len(r.calls))
	for _, cc := range r.calls {
		ccs = append(ccs, cc)
	}
	r.mu.Unlock()
	for _, cc := range ccs {
		cc.complete(ReasonTimeout, "shutdown")
		r.teardown(cc)
	}
}

// Handler returns the HTTP handler for POST /webhooks/carrier. It always
// answers 2xx quickly; the heavy lifting happens on the owning call's
// goroutine.
func (r *Router) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !r.skipSignature {
			if err := r.carrier.VerifyWebhookSignature(
				req.Header.Get("Telnyx-Timestamp"),
				req.Header.Get("Telnyx-Signature"),
				body,
			); err != nil {
				r.logger.Warn("invalid carrier webhook signature", "error", err)
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		evt, err := ParseEvent(body)
		if err != nil {
			r.logger.Warn("undecodable carrier webhook", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		r.Dispatch(evt)
		r.metrics.ObserveWebhookLatency(evt.EventType, time.Since(start).Seconds())
		w.WriteHeader(http.StatusOK)
	}
}

// Dispatch routes one event to its call context, or buffers it briefly
// when the worker has not registered yet.
func (r *Router) Dispatch(evt Event) {
	if evt.CallControlID == "" {
		r.logger.Warn("carrier event without call id", "event_type", evt.EventType)
		return
	}

	r.mu.Lock()
	cc, known := r.calls[evt.CallControlID]
	if !known {
		r.bufferLocked(evt)
		r.mu.Unlock()
		if evt.EventType == "call.hangup" {
			r.handleOrphanTerminal(evt)
		}
		return
	}
	r.mu.Unlock()
	r.deliver(cc, evt)
}

func (r *Router) deliver(cc *CallContext, evt Event) {
	select {
	case cc.inbox <- evt:
	default:
		r.logger.Error("call inbox full, dropping event",
			"call_id", cc.CallID, "event_type", evt.EventType)
	}
}

// bufferLocked keeps early events for the registration grace window.
func (r *Router) bufferLocked(evt Event) {
	now := time.Now()
	for id, buf := range r.buffered {
		if now.Sub(buf.since) > r.graceWindow {
			delete(r.buffered, id)
		}
	}
	buf := r.buffered[evt.CallControlID]
	if buf == nil {
		buf = &bufferedEvents{since: now}
		r.buffered[evt.CallControlID] = buf
	}
	buf.events = append(buf.events, evt)
}

// handleOrphanTerminal best-effort persists a terminal event for a call
// this process no longer owns (e.g. restart mid-call). The pipeline is
// never re-entered.
func (r *Router) handleOrphanTerminal(evt Event) {
	state, err := telnyx.DecodeClientState(evt.ClientState)
	if err != nil || state.Lead.Phone == "" {
		r.logger.Warn("terminal event for unknown call",
			"call_id", evt.CallControlID, "hangup_cause", evt.HangupCause)
		return
	}
	r.logger.Warn("recovering terminal event for unknown call",
		"call_id", evt.CallControlID,
		"lead_phone", telephony.MaskPhone(state.Lead.Phone),
	)
	ctx := context.Background()
	if r.recorder != nil {
		r.recorder.Initialize(ctx, evt.CallControlID, state.FromDID, state.Lead.Phone)
		r.recorder.Finalize(ctx, evt.CallControlID, recorder.FinalizeInput{
			HangupCause: evt.HangupCause,
		})
	}
}

// runCall is the per-call event loop: one goroutine, events in arrival
// order, deregistered on teardown.
func (r *Router) runCall(cc *CallContext) {
	for {
		select {
		case <-cc.ctx.Done():
			return
		case evt := <-cc.inbox:
			if terminal := r.handleEvent(cc, evt); terminal {
				return
			}
		}
	}
}

// watchPipeline hangs the call up when its media path faults.
func (r *Router) watchPipeline(cc *CallContext) {
	if cc.Pipeline == nil {
		return
	}
	select {
	case <-cc.ctx.Done():
	case err := <-cc.Pipeline.Errors():
		if err == nil {
			return
		}
		r.logger.Error("media pipeline fault, hanging up",
			"call_id", cc.CallID, "error", err)
		r.requestHangup(cc, "media_fault")
	}
}

func (r *Router) handleEvent(cc *CallContext, evt Event) (terminal bool) {
	switch evt.EventType {
	case "call.initiated":
		r.ledger.MarkInitiated(cc.CallID)
		r.markStatus(cc, "initiated")
	case "call.answered":
		r.handleAnswered(cc)
		r.markStatus(cc, "answered")
	case "streaming.started", "streaming.stopped":
		// Internal notifications; nothing to do.
	case "call.transcription", "transcription":
		// Carrier-side STT fallback path.
		var p transcriptionPayload
		if err := json.Unmarshal(evt.Payload, &p); err == nil &&
			p.TranscriptionData.IsFinal && p.TranscriptionData.Transcript != "" {
			r.handleFinalTranscript(cc, p.TranscriptionData.Transcript)
		}
	case "call.machine.detection.ended", "call.machine.premium.detection.ended":
		var p machineDetectionPayload
		if err := json.Unmarshal(evt.Payload, &p); err == nil {
			r.handleMachineDetection(cc, p.Result)
		}
	case eventNoResponseTick:
		r.handleNoResponse(cc, evt.OccurredAt)
	case "call.hangup":
		r.handleHangup(cc, evt.HangupCause)
		return true
	default:
		r.logger.Debug("unhandled carrier event",
			"call_id", cc.CallID, "event_type", evt.EventType)
	}
	return false
}

func (r *Router) markStatus(cc *CallContext, status string) {
	if r.callStatus == nil {
		return
	}
	if err := r.callStatus.MarkWebhookReceived(cc.ctx, cc.CallID, status); err != nil {
		r.logger.Warn("call status update failed", "call_id", cc.CallID, "error", err)
	}
}

func (r *Router) handleAnswered(cc *CallContext) {
	if !cc.answered.CompareAndSwap(false, true) {
		return
	}
	r.ledger.MarkConnected(cc.CallID)
	r.metrics.ObserveAnswered()

	r.mu.Lock()
	r.active[cc.CallID] = true
	r.mu.Unlock()

	if err := r.carrier.StartBidirectionalStream(cc.ctx, cc.CallID, r.streamURL); err != nil {
		r.logger.Error("streaming start failed", "call_id", cc.CallID, "error", err)
	}
	if cc.Pipeline != nil {
		if err := cc.Pipeline.Start(cc.ctx); err != nil {
			r.logger.Error("media pipeline start failed, hanging up",
				"call_id", cc.CallID, "error", err)
			r.requestHangup(cc, "media_fault")
			return
		}
		go r.transcriptLoop(cc)
	}

	r.sayRecorded(cc, cc.Engine.GreetingText())
	r.sayRecorded(cc, cc.Engine.GreetingPartTwoText())
	r.armNoResponseTimer(cc)
}

// sayRecorded records an AI line and queues it for synthesis.
func (r *Router) sayRecorded(cc *CallContext, text string) {
	if text == "" {
		return
	}
	if r.recorder != nil {
		r.recorder.AddMessage(cc.ctx, cc.CallID, recorder.SpeakerAI, text)
	}
	if cc.Pipeline != nil {
		if err := cc.Pipeline.Say(text); err != nil {
			r.logger.Warn("utterance rejected", "call_id", cc.CallID, "error", err)
		}
	}
}

// transcriptLoop feeds STT finals to the dialogue engine via the inbox so
// turns stay serialised with webhook handling.
func (r *Router) transcriptLoop(cc *CallContext) {
	for {
		select {
		case <-cc.ctx.Done():
			return
		case evt, ok := <-cc.Pipeline.Transcripts():
			if !ok {
				return
			}
			if !evt.IsFinal || evt.Text == "" {
				continue
			}
			raw, _ := json.Marshal(transcriptionPayload{
				CallControlID: cc.CallID,
				TranscriptionData: struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
					IsFinal    bool    `json:"is_final"`
				}{Transcript: evt.Text, Confidence: evt.Confidence, IsFinal: true},
			})
			r.deliver(cc, Event{
				EventType:     "transcription",
				CallControlID: cc.CallID,
				OccurredAt:    time.Now(),
				Payload:       raw,
			})
		}
	}
}

func (r *Router) handleFinalTranscript(cc *CallContext, text string) {
	cc.markHeard(time.Now())
	cc.repromptCount = 0
	cc.stopTimer()

	if r.recorder != nil {
		r.recorder.AddMessage(cc.ctx, cc.CallID, recorder.SpeakerLead, text)
	}

	res := cc.Engine.NextTurn(cc.ctx, text)
	r.sayRecorded(cc, res.Reply)

	switch {
	case res.Transfer:
		r.attemptTransfer(cc)
	case res.Hangup:
		r.requestHangup(cc, "normal_clearing")
	default:
		r.armNoResponseTimer(cc)
	}
}

func (r *Router) attemptTransfer(cc *CallContext) {
	transferNumber := r.TransferNumber()
	if transferNumber == "" {
		r.logger.Error("transfer requested but no agent number configured", "call_id", cc.CallID)
		r.requestHangup(cc, "normal_clearing")
		return
	}
	// Let the hand-off line finish playing first.
	if cc.Pipeline != nil {
		cc.Pipeline.WaitIdle(outboundDrainTimeout)
	}

	err := r.carrier.Transfer(cc.ctx, cc.CallID, transferNumber, cc.FromDID)
	switch {
	case err == nil:
		cc.transferred.Store(true)
		r.metrics.ObserveTransferred()
		r.logger.Info("call transferred",
			"call_id", cc.CallID,
			"to", telephony.MaskPhone(transferNumber),
		)
		if r.recorder != nil {
			r.recorder.AddMessage(cc.ctx, cc.CallID, recorder.SpeakerSystem,
				"Transferred to licensed agent")
		}
		if r.transfers != nil {
			if terr := r.transfers.RecordTransfer(cc.ctx, cc.CallID, cc.Lead, cc.FromDID, transferNumber, time.Now()); terr != nil {
				r.logger.Error("transfer record failed", "call_id", cc.CallID, "error", terr)
			}
		}
	case telnyx.IsCallEnded(err):
		// The lead hung up first; nothing to transfer.
		r.logger.Warn("transfer on ended call", "call_id", cc.CallID)
	case telnyx.IsUnverifiedNumber(err):
		r.logger.Error("transfer refused: unverified origination number",
			"call_id", cc.CallID, "from", telephony.MaskPhone(cc.FromDID))
		r.requestHangup(cc, "normal_clearing")
	default:
		r.logger.Error("transfer failed", "call_id", cc.CallID, "error", err)
		r.requestHangup(cc, "normal_clearing")
	}
}

// requestHangup issues one hangup for the call, letting queued speech
// drain first. The pending set keeps racing timers from doubling up.
func (r *Router) requestHangup(cc *CallContext, cause string) {
	r.mu.Lock()
	if _, pending := r.pendingHangups[cc.CallID]; pending {
		r.mu.Unlock()
		return
	}
	r.pendingHangups[cc.CallID] = struct{}{}
	r.mu.Unlock()

	cc.stopTimer()
	go func() {
		if cc.Pipeline != nil {
			cc.Pipeline.WaitIdle(outboundDrainTimeout)
		}
		hangCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.carrier.Hangup(hangCtx, cc.CallID); err != nil {
			r.logger.Error("hangup failed", "call_id", cc.CallID, "error", err)
		}
	}()
}

func (r *Router) armNoResponseTimer(cc *CallContext) {
	armedAt := time.Now()
	cc.timerMu.Lock()
	if cc.noResponseTimer != nil {
		cc.noResponseTimer.Stop()
	}
	cc.noResponseTimer = time.AfterFunc(r.noResponse, func() {
		r.deliver(cc, Event{
			EventType:     eventNoResponseTick,
			CallControlID: cc.CallID,
			OccurredAt:    armedAt,
		})
	})
	cc.timerMu.Unlock()
}

func (r *Router) handleNoResponse(cc *CallContext, armedAt time.Time) {
	if cc.heardSince(armedAt) || !cc.answered.Load() {
		return
	}
	r.mu.Lock()
	_, pending := r.pendingHangups[cc.CallID]
	r.mu.Unlock()
	if pending {
		return
	}

	cc.repromptCount++
	if cc.repromptCount == 1 {
		r.sayRecorded(cc, dialogue.RepromptLine)
		r.armNoResponseTimer(cc)
		return
	}
	r.requestHangup(cc, "no_response")
}

func (r *Router) handleMachineDetection(cc *CallContext, result string) {
	switch result {
	case "machine", "fax_detected", "voicemail":
		cc.amdVoicemail.Store(true)
		if r.recorder != nil {
			r.recorder.AddMessage(cc.ctx, cc.CallID, recorder.SpeakerSystem,
				"[AMD Detection: "+result+"]")
		}
		r.requestHangup(cc, "voicemail")
	default:
		// human / not_sure: keep talking.
	}
}

// handleHangup finalises the call exactly once: costs, conversation,
// completion signal, then resource teardown.
func (r *Router) handleHangup(cc *CallContext, cause string) {
	if cc.amdVoicemail.Load() && cause == "" {
		cause = "voicemail"
	}
	cc.stopTimer()
	r.ledger.MarkEnded(cc.CallID)

	r.mu.Lock()
	r.active[cc.CallID] = false
	r.pendingHangups[cc.CallID] = struct{}{}
	r.mu.Unlock()

	transferred := cc.transferred.Load()
	breakdown := r.ledger.Finalize(cc.ctx, cc.CallID, transferred)

	var waitIdle func(time.Duration) bool
	if cc.Pipeline != nil {
		waitIdle = cc.Pipeline.WaitIdle
	}
	finalCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var conv recorder.Conversation
	if r.recorder != nil {
		conv = r.recorder.Finalize(finalCtx, cc.CallID, recorder.FinalizeInput{
			Cost:          breakdown,
			Transferred:   transferred,
			HangupCause:   cause,
			EngineHistory: cc.Engine.History(),
			LLMCalls:      cc.Engine.LLMCalls(),
			AttemptTo:     cc.ToPhone,
			WaitIdle:      waitIdle,
		})
		r.metrics.ObserveFinalized(string(conv.Status))
	}
	r.markStatus(cc, "completed")

	cc.complete(terminalReason(cc, cause), cause)
	r.teardown(cc)
}

func terminalReason(cc *CallContext, cause string) string {
	switch {
	case cc.transferred.Load():
		return ReasonTransferred
	case cc.amdVoicemail.Load() || cause == "voicemail":
		return ReasonVoicemail
	case cause == "user_busy" || cause == "busy":
		return ReasonBusy
	case !cc.answered.Load():
		return ReasonNoAnswer
	default:
		return ReasonAnsweredThenHungup
	}
}

// teardown releases every per-call resource. Safe to call more than once.
func (r *Router) teardown(cc *CallContext) {
	cc.teardownOnce.Do(func() {
		cc.stopTimer()
		cc.cancel()
		if cc.Pipeline != nil {
			cc.Pipeline.Close()
		}
		if r.streams != nil {
			r.streams.Deregister(cc.CallID)
		}
		r.mu.Lock()
		delete(r.calls, cc.CallID)
		delete(r.active, cc.CallID)
		delete(r.pendingHangups, cc.CallID)
		r.mu.Unlock()
	})
}
