package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dialer-ai-platform/internal/costs"
	"github.com/wolfman30/dialer-ai-platform/internal/dialogue"
	"github.com/wolfman30/dialer-ai-platform/internal/recorder"
	"github.com/wolfman30/dialer-ai-platform/internal/telnyx"
)

// fakeCarrier records call-control actions.
type fakeCarrier struct {
	mu            sync.Mutex
	streamStarts  []string
	transfers     []string
	hangups       []string
	transferErr   error
	signatureErr  error
}

func (f *fakeCarrier) StartBidirectionalStream(ctx context.Context, callID, wsURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamStarts = append(f.streamStarts, callID)
	return nil
}

func (f *fakeCarrier) Transfer(ctx context.Context, callID, to, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return f.transferErr
	}
	f.transfers = append(f.transfers, callID+"->"+to)
	return nil
}

func (f *fakeCarrier) Hangup(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeCarrier) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	return f.signatureErr
}

func (f *fakeCarrier) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakeCarrier) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

type fakeTransferStore struct {
	mu      sync.Mutex
	records []string
}

func (f *fakeTransferStore) RecordTransfer(ctx context.Context, callID string, lead telnyx.LeadSnapshot, fromDID, toAgent string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, callID)
	return nil
}

type memConvStore struct {
	mu      sync.Mutex
	upserts []recorder.Conversation
}

func (m *memConvStore) UpsertConversation(ctx context.Context, conv recorder.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, conv)
	return nil
}

func (m *memConvStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserts)
}

// scriptedChat replays canned model responses.
type scriptedChat struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	idx       int
}

func (s *scriptedChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < len(s.responses) {
		resp := s.responses[s.idx]
		s.idx++
		return resp, nil
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "Okay."}},
		},
	}, nil
}

func toolResp(name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{
					{Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: name, Arguments: args}},
				},
			}},
		},
		Usage: openai.Usage{PromptTokens: 50, CompletionTokens: 10},
	}
}

var testLead = telnyx.LeadSnapshot{
	ID: "lead-1", FirstName: "Terry", LastName: "Hodges", Phone: "+15307748286",
}

type routerFixture struct {
	router    *Router
	carrier   *fakeCarrier
	convs     *memConvStore
	transfers *fakeTransferStore
	ledger    *costs.Ledger
	rec       *recorder.Recorder
}

func newFixture(t *testing.T, noResponse time.Duration) *routerFixture {
	t.Helper()
	carrier := &fakeCarrier{}
	convs := &memConvStore{}
	transfers := &fakeTransferStore{}
	ledger := costs.NewLedger(costs.DefaultRates(), nil, nil)
	rec := recorder.New(convs, nil, nil, nil)

	router := NewRouter(RouterConfig{
		Carrier:           carrier,
		Recorder:          rec,
		Ledger:            ledger,
		Transfers:         transfers,
		TransferNumber:    "+15550001111",
		StreamURL:         "wss://dialer.example.com/media/stream",
		NoResponseTimeout: noResponse,
		SkipSignature:     true,
	})
	return &routerFixture{
		router: router, carrier: carrier, convs: convs,
		transfers: transfers, ledger: ledger, rec: rec,
	}
}

func (fx *routerFixture) register(chat *scriptedChat) *CallContext {
	engine := dialogue.NewEngine(dialogue.EngineConfig{Client: chat})
	engine.Initialize(dialogue.Lead{
		ID:        testLead.ID,
		FirstName: testLead.FirstName,
		LastName:  testLead.LastName,
		Phone:     testLead.Phone,
	})
	return fx.router.Register(CallParams{
		CallID:  "cc-1",
		Lead:    testLead,
		FromDID: "+16592389182",
		ToPhone: testLead.Phone,
		Engine:  engine,
	})
}

func dispatchTranscript(fx *routerFixture, callID, text string) {
	raw, _ := json.Marshal(map[string]any{
		"call_control_id": callID,
		"transcription_data": map[string]any{
			"transcript": text,
			"is_final":   true,
		},
	})
	fx.router.Dispatch(Event{
		EventType:     "transcription",
		CallControlID: callID,
		OccurredAt:    time.Now(),
		Payload:       raw,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAnsweredStartsStreamAndGreets(t *testing.T) {
	fx := newFixture(t, time.Hour)
	cc := fx.register(&scriptedChat{})
	defer fx.router.teardown(cc)

	fx.router.Dispatch(Event{EventType: "call.initiated", CallControlID: "cc-1"})
	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})

	waitFor(t, func() bool { return len(fx.rec.Messages("cc-1")) >= 2 }, "greeting not recorded")
	assert.True(t, fx.router.IsActive("cc-1"))

	fx.carrier.mu.Lock()
	starts := len(fx.carrier.streamStarts)
	fx.carrier.mu.Unlock()
	assert.Equal(t, 1, starts, "bidirectional stream should start on answer")

	msgs := fx.rec.Messages("cc-1")
	assert.Equal(t, recorder.SpeakerAI, msgs[0].Speaker)
	assert.Contains(t, msgs[0].Text, "Terry")
}

func TestTranscriptDrivesDialogueTurn(t *testing.T) {
	fx := newFixture(t, time.Hour)
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolResp("update_qualification", `{"verified_info": true}`),
	}}
	cc := fx.register(chat)
	defer fx.router.teardown(cc)

	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})
	waitFor(t, func() bool { return len(fx.rec.Messages("cc-1")) >= 2 }, "greeting not recorded")

	dispatchTranscript(fx, "cc-1", "Yes, this is Terry")

	waitFor(t, func() bool {
		msgs := fx.rec.Messages("cc-1")
		return len(msgs) >= 4 // 2 greetings + lead line + reply
	}, "turn did not complete")

	msgs := fx.rec.Messages("cc-1")
	assert.Equal(t, recorder.SpeakerLead, msgs[2].Speaker)
	assert.Equal(t, "Yes, this is Terry", msgs[2].Text)
	assert.Equal(t, recorder.SpeakerAI, msgs[3].Speaker)
}

func TestHangupFinalizesExactlyOnce(t *testing.T) {
	fx := newFixture(t, time.Hour)
	cc := fx.register(&scriptedChat{})

	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})
	fx.router.Dispatch(Event{EventType: "call.hangup", CallControlID: "cc-1", HangupCause: "normal_clearing"})

	var done Completion
	select {
	case done = <-cc.Done:
	case <-time.After(3 * time.Second):
		t.Fatal("no completion signal")
	}
	assert.Equal(t, ReasonAnsweredThenHungup, done.Reason)
	waitFor(t, func() bool { return fx.convs.count() == 1 }, "conversation not persisted")

	// A duplicate hangup webhook hits the orphan path and must not
	// double-persist.
	fx.router.Dispatch(Event{EventType: "call.hangup", CallControlID: "cc-1", HangupCause: "normal_clearing"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fx.convs.count())
	assert.False(t, fx.router.IsActive("cc-1"))
}

func TestUnansweredHangupIsNoAnswer(t *testing.T) {
	fx := newFixture(t, time.Hour)
	cc := fx.register(&scriptedChat{})

	fx.router.Dispatch(Event{EventType: "call.initiated", CallControlID: "cc-1"})
	fx.router.Dispatch(Event{EventType: "call.hangup", CallControlID: "cc-1", HangupCause: "no_answer"})

	select {
	case done := <-cc.Done:
		assert.Equal(t, ReasonNoAnswer, done.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("no completion signal")
	}
}

func TestBusyHangupReason(t *testing.T) {
	fx := newFixture(t, time.Hour)
	cc := fx.register(&scriptedChat{})

	fx.router.Dispatch(Event{EventType: "call.hangup", CallControlID: "cc-1", HangupCause: "user_busy"})

	select {
	case done := <-cc.Done:
		assert.Equal(t, ReasonBusy, done.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("no completion signal")
	}
}

func TestMachineDetectionHangsUpAsVoicemail(t *testing.T) {
	fx := newFixture(t, time.Hour)
	cc := fx.register(&scriptedChat{})

	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})
	raw, _ := json.Marshal(map[string]any{"call_control_id": "cc-1", "result": "machine"})
	fx.router.Dispatch(Event{EventType: "call.machine.detection.ended", CallControlID: "cc-1", Payload: raw})

	waitFor(t, func() bool { return fx.carrier.hangupCount() == 1 }, "no hangup issued for machine")

	fx.router.Dispatch(Event{EventType: "call.hangup", CallControlID: "cc-1", HangupCause: ""})
	select {
	case done := <-cc.Done:
		assert.Equal(t, ReasonVoicemail, done.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("no completion signal")
	}

	found := false
	for _, m := range fx.rec.Messages("cc-1") {
		if m.Speaker == recorder.SpeakerSystem && bytes.Contains([]byte(m.Text), []byte("[AMD Detection:")) {
			found = true
		}
	}
	assert.True(t, found, "AMD marker not recorded")
}

func TestFullQualifiedTransferFlow(t *testing.T) {
	fx := newFixture(t, time.Hour)
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolResp("update_qualification", `{"verified_info": true}`),
		toolResp("update_qualification", `{"no_alzheimers": true}`),
		toolResp("update_qualification", `{"no_hospice": true}`),
		toolResp("update_qualification", `{"age_qualified": true}`),
		toolResp("update_qualification", `{"has_bank_account": true}`),
		toolResp("set_call_outcome", `{"outcome": "transfer_to_agent"}`),
	}}
	cc := fx.register(chat)

	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})
	waitFor(t, func() bool { return len(fx.rec.Messages("cc-1")) >= 2 }, "greeting not recorded")

	// The engine asks the verification question as part of the ladder; we
	// seed it by answering each question in order.
	turns := []string{
		"Yes that's right",
		"No never",
		"No I'm at home",
		"I'm 62",
		"Yes I do",
		"Yes",
	}
	for i, turn := range turns {
		before := len(fx.rec.Messages("cc-1"))
		dispatchTranscript(fx, "cc-1", turn)
		waitFor(t, func() bool { return len(fx.rec.Messages("cc-1")) > before+1 },
			fmt.Sprintf("turn %d did not complete", i))
	}

	waitFor(t, func() bool { return fx.carrier.transferCount() == 1 }, "transfer not invoked")
	fx.transfers.mu.Lock()
	recorded := len(fx.transfers.records)
	fx.transfers.mu.Unlock()
	assert.Equal(t, 1, recorded, "transfer row not recorded")

	fx.router.Dispatch(Event{EventType: "call.hangup", CallControlID: "cc-1", HangupCause: "normal_clearing"})
	select {
	case done := <-cc.Done:
		assert.Equal(t, ReasonTransferred, done.Reason)
		assert.True(t, done.Transferred)
	case <-time.After(3 * time.Second):
		t.Fatal("no completion signal")
	}

	waitFor(t, func() bool { return fx.convs.count() == 1 }, "conversation not persisted")
	fx.convs.mu.Lock()
	status := fx.convs.upserts[0].Status
	fx.convs.mu.Unlock()
	assert.Equal(t, recorder.StatusTransferred, status)
}

func TestTransferUnverifiedFallsThroughToHangup(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.carrier.transferErr = &telnyx.APIError{StatusCode: 403, Code: "unverified_origination_number", Title: "Unverified origination number"}

	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolResp("update_qualification", `{"verified_info": true}`),
		toolResp("update_qualification", `{"no_alzheimers": true}`),
		toolResp("update_qualification", `{"no_hospice": true}`),
		toolResp("update_qualification", `{"age_qualified": true}`),
		toolResp("update_qualification", `{"has_bank_account": true}`),
		toolResp("set_call_outcome", `{"outcome": "transfer_to_agent"}`),
	}}
	cc := fx.register(chat)
	defer fx.router.teardown(cc)

	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})
	waitFor(t, func() bool { return len(fx.rec.Messages("cc-1")) >= 2 }, "greeting not recorded")

	for _, turn := range []string{"Yes that's right", "No", "No", "I'm 62", "Yes I do", "Yes"} {
		before := len(fx.rec.Messages("cc-1"))
		dispatchTranscript(fx, "cc-1", turn)
		waitFor(t, func() bool { return len(fx.rec.Messages("cc-1")) > before+1 }, "turn did not complete")
	}

	waitFor(t, func() bool { return fx.carrier.hangupCount() >= 1 }, "failed transfer should hang up")
	assert.False(t, cc.Transferred())
}

func TestEarlyWebhookBufferedUntilRegister(t *testing.T) {
	fx := newFixture(t, time.Hour)

	// Webhook races ahead of the worker registering the call.
	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})

	cc := fx.register(&scriptedChat{})
	defer fx.router.teardown(cc)

	waitFor(t, func() bool { return len(fx.rec.Messages("cc-1")) >= 2 }, "buffered answered event not replayed")
	assert.True(t, fx.router.IsActive("cc-1"))
}

func TestNoResponseRepromptThenHangup(t *testing.T) {
	fx := newFixture(t, 40*time.Millisecond)
	cc := fx.register(&scriptedChat{})
	defer fx.router.teardown(cc)

	fx.router.Dispatch(Event{EventType: "call.answered", CallControlID: "cc-1"})

	waitFor(t, func() bool {
		for _, m := range fx.rec.Messages("cc-1") {
			if m.Text == dialogue.RepromptLine {
				return true
			}
		}
		return false
	}, "reprompt never sent")

	waitFor(t, func() bool { return fx.carrier.hangupCount() == 1 }, "second silence should hang up")
}

func TestHTTPHandlerRespondsOK(t *testing.T) {
	fx := newFixture(t, time.Hour)
	cc := fx.register(&scriptedChat{})
	defer fx.router.teardown(cc)

	body := []byte(`{"data":{"event_type":"call.initiated","payload":{"call_control_id":"cc-1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier", bytes.NewReader(body))
	w := httptest.NewRecorder()

	fx.router.Handler()(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestParseEventFlatFormat(t *testing.T) {
	evt, err := ParseEvent([]byte(`{"event_type":"call.hangup","payload":{"call_control_id":"cc-9","hangup_cause":"normal_clearing"}}`))
	require.NoError(t, err)
	assert.Equal(t, "call.hangup", evt.EventType)
	assert.Equal(t, "cc-9", evt.CallControlID)
	assert.Equal(t, "normal_clearing", evt.HangupCause)
}
