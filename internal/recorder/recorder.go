package recorder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/dialer-ai-platform/internal/costs"
	"github.com/wolfman30/dialer-ai-platform/internal/dialogue"
	"github.com/wolfman30/dialer-ai-platform/internal/telephony"
	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

// Speaker labels who produced a transcript line.
type Speaker string

const (
	SpeakerAI     Speaker = "AI"
	SpeakerLead   Speaker = "Lead"
	SpeakerSystem Speaker = "System"
)

// Status is the canonical call-outcome label.
type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusTransferred Status = "transferred"
	StatusNoResponse  Status = "no_response"
	StatusNoAnswer    Status = "no_answer"
	StatusVoicemail   Status = "voicemail"
)

// Markers injected into transcripts by detection layers.
const (
	markerAMD            = "[AMD Detection:"
	markerVoicemail      = "[Voicemail detected]"
	markerNoise          = "[Background noise]"
	markerFiltered       = "[Filtered:"
	placeholderRecovered = "[AI agent spoke but messages were not captured]"

	hangupCauseVoicemail = "voicemail"
	quickHangupSeconds   = 30
	idleDrainTimeout     = 5 * time.Second
)

// RecordedMessage is one persisted transcript line.
type RecordedMessage struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted record for one call.
type Conversation struct {
	CallID          string
	FromNumber      string
	ToNumber        string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
	Status          Status
	HangupCause     string
	CostTotal       float64
	CostBreakdown   costs.Breakdown
	Messages        []RecordedMessage
}

// Store persists conversations; upserts are keyed on call id.
type Store interface {
	UpsertConversation(ctx context.Context, conv Conversation) error
}

// LeadChecker validates that a phone belongs to a known lead, guarding
// against persisting the DID as the recipient.
type LeadChecker interface {
	PhoneKnown(ctx context.Context, phone string) (bool, error)
}

// FinalizeInput carries everything the classifier needs at call end.
type FinalizeInput struct {
	Cost        costs.Breakdown
	Transferred bool
	HangupCause string
	// EngineHistory recovers AI/user turns the media path failed to
	// record.
	EngineHistory []dialogue.Message
	LLMCalls      int
	// AttemptTo is the recipient from call-attempt metadata, used to
	// correct a mis-stored to_phone.
	AttemptTo string
	// WaitIdle blocks until in-flight outbound speech drains, so accepted
	// utterances make the transcript.
	WaitIdle func(timeout time.Duration) bool
}

type record struct {
	callID   string
	from     string
	to       string
	started  time.Time
	messages []RecordedMessage
}

// Recorder accumulates transcripts per call and classifies the final
// status exactly once per call id.
type Recorder struct {
	store  Store
	live   *LiveStore
	leads  LeadChecker
	logger *logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	records   map[string]*record
	finalized map[string]Conversation
}

// New builds a recorder. store, live and leads may each be nil.
func New(store Store, live *LiveStore, leads LeadChecker, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		store:     store,
		live:      live,
		leads:     leads,
		logger:    logger,
		now:       time.Now,
		records:   make(map[string]*record),
		finalized: make(map[string]Conversation),
	}
}

// Initialize registers an in-memory record for the call. Idempotent.
func (r *Recorder) Initialize(ctx context.Context, callID, from, to string) {
	r.mu.Lock()
	if _, exists := r.records[callID]; !exists {
		r.records[callID] = &record{
			callID:  callID,
			from:    from,
			to:      to,
			started: r.now(),
		}
	}
	r.mu.Unlock()

	if err := r.live.SaveState(ctx, &LiveCallState{
		CallID:         callID,
		FromNumber:     from,
		ToNumber:       to,
		Status:         LiveStatusActive,
		StartedAt:      r.now(),
		LastActivityAt: r.now(),
	}); err != nil {
		r.logger.Warn("live call mirror failed", "call_id", callID, "error", err)
	}
}

// AddMessage appends one transcript line.
func (r *Recorder) AddMessage(ctx context.Context, callID string, speaker Speaker, text string) {
	r.mu.Lock()
	rec, ok := r.records[callID]
	if !ok {
		rec = &record{callID: callID, started: r.now()}
		r.records[callID] = rec
	}
	msg := RecordedMessage{Speaker: speaker, Text: text, Timestamp: r.now()}
	rec.messages = append(rec.messages, msg)
	r.mu.Unlock()

	if err := r.live.AppendTranscript(ctx, callID, LiveTranscriptEntry{
		Speaker:   string(speaker),
		Text:      text,
		Timestamp: msg.Timestamp,
	}); err != nil {
		r.logger.Warn("live transcript mirror failed", "call_id", callID, "error", err)
	}
}

// Messages returns a copy of the call's transcript so far.
func (r *Recorder) Messages(callID string) []RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return nil
	}
	out := make([]RecordedMessage, len(rec.messages))
	copy(out, rec.messages)
	return out
}

// Finalized returns the finalised conversation if one exists.
func (r *Recorder) Finalized(callID string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.finalized[callID]
	return conv, ok
}

// Finalize classifies and persists the conversation. Guarded: a second
// call for the same call id returns the first result untouched.
func (r *Recorder) Finalize(ctx context.Context, callID string, in FinalizeInput) Conversation {
	r.mu.Lock()
	if conv, done := r.finalized[callID]; done {
		r.mu.Unlock()
		return conv
	}
	rec, ok := r.records[callID]
	if !ok {
		rec = &record{callID: callID, started: r.now()}
		r.records[callID] = rec
	}
	r.mu.Unlock()

	// Let an in-flight outbound utterance land before snapshotting the
	// transcript.
	if in.WaitIdle != nil {
		in.WaitIdle(idleDrainTimeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, done := r.finalized[callID]; done {
		return conv
	}

	ended := r.now()
	duration := int(ended.Sub(rec.started).Seconds())
	if duration < 0 {
		duration = 0
	}

	messages := append([]RecordedMessage(nil), rec.messages...)
	messages, status := r.classify(messages, in, duration)

	to := rec.to
	if in.AttemptTo != "" && !r.phoneKnown(ctx, to) {
		corrected := telephony.NormalizeE164(in.AttemptTo)
		if corrected != "" && corrected != to {
			r.logger.Warn("correcting recipient phone from attempt metadata",
				"call_id", callID,
				"stored", telephony.MaskPhone(to),
				"corrected", telephony.MaskPhone(corrected),
			)
			to = corrected
		}
	}

	conv := Conversation{
		CallID:          callID,
		FromNumber:      rec.from,
		ToNumber:        to,
		StartedAt:       rec.started,
		EndedAt:         ended,
		DurationSeconds: duration,
		Status:          status,
		HangupCause:     in.HangupCause,
		CostTotal:       in.Cost.Total,
		CostBreakdown:   in.Cost,
		Messages:        messages,
	}
	r.finalized[callID] = conv

	if r.store != nil {
		if err := r.store.UpsertConversation(ctx, conv); err != nil {
			r.logger.Error("conversation upsert failed", "call_id", callID, "error", err)
		}
	}
	if err := r.live.EndCall(ctx, callID, string(status)); err != nil {
		r.logger.Warn("live call end mirror failed", "call_id", callID, "error", err)
	}
	return conv
}

func (r *Recorder) phoneKnown(ctx context.Context, phone string) bool {
	if r.leads == nil || phone == "" {
		return phone != ""
	}
	known, err := r.leads.PhoneKnown(ctx, phone)
	if err != nil {
		r.logger.Warn("lead phone lookup failed", "error", err)
		return true
	}
	return known
}

// classify implements the status precedence ladder. It may grow the
// message slice when AI turns are recovered from the dialogue history.
func (r *Recorder) classify(messages []RecordedMessage, in FinalizeInput, durationSeconds int) ([]RecordedMessage, Status) {
	if in.Transferred {
		return messages, StatusTransferred
	}

	if len(messages) == 0 {
		if in.Cost.TTSCost > 0 || in.Cost.TTSSeconds > 0 {
			// The AI spoke but nothing was captured: recover its side
			// from the dialogue history before classifying.
			for _, m := range in.EngineHistory {
				if m.Role == dialogue.RoleAssistant {
					messages = append(messages, RecordedMessage{
						Speaker: SpeakerAI, Text: m.Content, Timestamp: r.now(),
					})
				}
			}
			if len(messages) == 0 {
				messages = append(messages, RecordedMessage{
					Speaker: SpeakerAI, Text: placeholderRecovered, Timestamp: r.now(),
				})
			}
			if in.HangupCause == hangupCauseVoicemail || durationSeconds < quickHangupSeconds {
				return messages, StatusVoicemail
			}
			return messages, StatusNoResponse
		}
		return messages, StatusNoAnswer
	}

	if in.HangupCause == hangupCauseVoicemail {
		return messages, StatusVoicemail
	}
	for _, m := range messages {
		if strings.Contains(m.Text, markerAMD) || strings.Contains(m.Text, markerVoicemail) {
			return messages, StatusVoicemail
		}
	}

	realUser := 0
	leadMsgs := 0
	for _, m := range messages {
		if m.Speaker != SpeakerLead {
			continue
		}
		leadMsgs++
		if !strings.HasPrefix(m.Text, markerVoicemail) &&
			!strings.HasPrefix(m.Text, markerNoise) &&
			!strings.HasPrefix(m.Text, markerFiltered) {
			realUser++
		}
	}
	engineUserTurns := 0
	for _, m := range in.EngineHistory {
		if m.Role == dialogue.RoleUser {
			engineUserTurns++
		}
	}

	switch {
	case in.LLMCalls > 0:
		return messages, StatusCompleted
	case realUser > 0:
		return messages, StatusCompleted
	case engineUserTurns > 0 && durationSeconds > quickHangupSeconds:
		return messages, StatusCompleted
	case leadMsgs > 0 && realUser == 0:
		return messages, StatusVoicemail
	case durationSeconds < quickHangupSeconds && (in.Cost.TTSSeconds > 0 || in.Cost.TTSCost > 0):
		return messages, StatusVoicemail
	default:
		return messages, StatusNoResponse
	}
}
