package dialogue

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

var dialogueTracer = otel.Tracer("dialer.internal.dialogue")

// Message is one turn of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnResult is the outcome of one dialogue step.
type TurnResult struct {
	Reply          string
	Stage          Stage
	Hangup         bool
	Transfer       bool
	Qualifications Qualifications
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const (
	toolUpdateQualification = "update_qualification"
	toolSetCallOutcome      = "set_call_outcome"

	outcomeTransferToAgent     = "transfer_to_agent"
	outcomeDisqualified        = "disqualified"
	outcomeUserDeclined        = "user_declined"
	outcomeUserRequestedHangup = "user_requested_hangup"

	llmTemperature = 0.3
	llmMaxTokens   = 150
)

var updateQualificationParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"verified_info": {"type": "boolean", "description": "True once the lead confirms their identity."},
		"no_alzheimers": {"type": "boolean", "description": "True if the lead has never been diagnosed with Alzheimer's or dementia."},
		"no_hospice": {"type": "boolean", "description": "True if the lead is not in hospice care."},
		"age_qualified": {"type": "boolean", "description": "True if the lead's age falls inside the programme window."},
		"has_bank_account": {"type": "boolean", "description": "True if the lead has an active bank account or Direct Express card."}
	}
}`)

var setCallOutcomeParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"outcome": {
			"type": "string",
			"enum": ["transfer_to_agent", "disqualified", "user_declined", "user_requested_hangup"]
		},
		"reason": {"type": "string"}
	},
	"required": ["outcome"]
}`)

var dialogueTools = []openai.Tool{
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        toolUpdateQualification,
			Description: "Record qualification answers as the lead gives them.",
			Parameters:  updateQualificationParams,
		},
	},
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        toolSetCallOutcome,
			Description: "End the call or transfer the lead once the conversation has a definite outcome.",
			Parameters:  setCallOutcomeParams,
		},
	},
}

// Engine drives one call's scripted qualification dialogue. It is
// single-threaded per call: the caller serialises NextTurn invocations.
type Engine struct {
	client    chatClient
	model     string
	timeout   time.Duration
	logger    *logging.Logger
	onUsage   func(promptTokens, completionTokens int)
	onLatency func(seconds float64, status string)

	mu    sync.Mutex
	lead  Lead
	state struct {
		history             []Message
		quals               Qualifications
		greetingSent        bool
		greetingPartTwoSent bool
		started             time.Time
		llmCalls            int
	}
}

// EngineConfig wires one call's dialogue engine.
type EngineConfig struct {
	Client chatClient
	// Model defaults to gpt-4o-mini.
	Model string
	// Timeout bounds each LLM round trip; default 10s.
	Timeout time.Duration
	Logger  *logging.Logger
	// OnUsage feeds token counts to the cost ledger.
	OnUsage func(promptTokens, completionTokens int)
	// OnLatency observes each model round trip for metrics.
	OnLatency func(seconds float64, status string)
}

// NewEngine builds an engine for one call.
func NewEngine(cfg EngineConfig) *Engine {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		client:    cfg.Client,
		model:     model,
		timeout:   timeout,
		logger:    logger,
		onUsage:   cfg.OnUsage,
		onLatency: cfg.OnLatency,
	}
}

// Initialize seeds the dialogue with the lead snapshot and system prompt.
func (e *Engine) Initialize(lead Lead) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lead = lead
	e.state.history = []Message{{Role: RoleSystem, Content: systemPrompt(lead)}}
	e.state.quals = Qualifications{}
	e.state.greetingSent = false
	e.state.greetingPartTwoSent = false
	e.state.started = time.Now()
	e.state.llmCalls = 0
}

// GreetingText returns the scripted opener, recording it in the history
// the first time. The guard makes repeat calls harmless.
func (e *Engine) GreetingText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := greetingText(e.lead)
	if !e.state.greetingSent {
		e.state.greetingSent = true
		e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: text})
	}
	return text
}

// GreetingPartTwoText returns the scripted second line, idempotently.
func (e *Engine) GreetingPartTwoText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := greetingPartTwoText(e.lead)
	if !e.state.greetingPartTwoSent {
		e.state.greetingPartTwoSent = true
		e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: text})
	}
	return text
}

// GreetingSent reports whether the opener has gone out.
func (e *Engine) GreetingSent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.greetingSent
}

// History returns a copy of the conversation so far.
func (e *Engine) History() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.state.history))
	copy(out, e.state.history)
	return out
}

// Qualifications returns the current record.
func (e *Engine) Qualifications() Qualifications {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.quals
}

// Stage returns the current dialogue stage.
func (e *Engine) Stage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.greetingSent && !e.state.quals.VerifiedInfo.Known() {
		return StageGreeting
	}
	return e.state.quals.Stage()
}

// LLMCalls reports how many completed model calls the call has made.
func (e *Engine) LLMCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.llmCalls
}

// UserTurns counts user messages in the history.
func (e *Engine) UserTurns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.state.history {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// lastAssistantLineLocked returns the most recent assistant turn.
func (e *Engine) lastAssistantLineLocked() string {
	for i := len(e.state.history) - 1; i >= 0; i-- {
		if e.state.history[i].Role == RoleAssistant {
			return e.state.history[i].Content
		}
	}
	return ""
}

// nextQuestionLocked walks the ladder for the next unasked, unanswered
// question. Each question goes out at most once per call.
func (e *Engine) nextQuestionLocked() (questionKind, string) {
	allQualified := e.state.quals.FullyQualified()
	for _, entry := range ladder {
		if entry.kind == questionKindTransferConfirm && !allQualified {
			continue
		}
		if entry.key != "" && entry.answered(e.state.quals) {
			continue
		}
		if e.askedLocked(entry.askedRE) {
			continue
		}
		return entry.kind, questionText(entry.kind, e.lead)
	}
	return questionNone, ""
}

func (e *Engine) askedLocked(re *regexp.Regexp) bool {
	for _, m := range e.state.history {
		if m.Role == RoleAssistant && re.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// NextTurn runs one dialogue step for a final user transcript. It never
// returns an error: model and network faults produce the fallback reply
// with no hangup so the call keeps going.
func (e *Engine) NextTurn(ctx context.Context, userTranscript string) TurnResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := dialogueTracer.Start(ctx, "dialogue.turn")
	defer span.End()
	span.SetAttributes(attribute.String("dialer.lead_id", e.lead.ID))

	e.state.history = append(e.state.history, Message{Role: RoleUser, Content: userTranscript})

	lastQuestion := classifyQuestion(e.lastAssistantLineLocked())

	// Forced tool choice: clear answers to qualification questions and
	// explicit hangup requests must produce a tool call. The health
	// discovery question never forces one.
	toolChoice := "auto"
	if isHangupRequest(userTranscript) {
		toolChoice = "required"
	} else if lastQuestion != questionNone && lastQuestion != questionKindHealth &&
		looksLikeAnswer(lastQuestion, userTranscript) {
		toolChoice = "required"
	}

	resp, err := e.complete(ctx, toolChoice)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("dialogue model call failed, using fallback reply", "error", err)
		e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: FallbackReply})
		return TurnResult{
			Reply:          FallbackReply,
			Stage:          e.state.quals.Stage(),
			Qualifications: e.state.quals,
		}
	}
	e.state.llmCalls++

	var result TurnResult
	reply := ""
	toolCalled := false
	wentNegative := false
	qualUpdated := false
	outcome := ""

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0].Message
		reply = choice.Content
		for _, call := range choice.ToolCalls {
			toolCalled = true
			switch call.Function.Name {
			case toolUpdateQualification:
				var update qualUpdate
				if err := json.Unmarshal([]byte(call.Function.Arguments), &update); err != nil {
					e.logger.Warn("bad qualification tool payload", "error", err)
					continue
				}
				changed, negative := e.state.quals.merge(update)
				qualUpdated = qualUpdated || changed
				wentNegative = wentNegative || negative
			case toolSetCallOutcome:
				var payload struct {
					Outcome string `json:"outcome"`
					Reason  string `json:"reason"`
				}
				if err := json.Unmarshal([]byte(call.Function.Arguments), &payload); err != nil {
					e.logger.Warn("bad outcome tool payload", "error", err)
					continue
				}
				outcome = payload.Outcome
			}
		}
	}

	switch outcome {
	case outcomeTransferToAgent:
		if e.state.quals.FullyQualified() {
			result.Transfer = true
		} else {
			// The model jumped the gun: drop the transfer and keep
			// qualifying.
			_, next := e.nextQuestionLocked()
			if next != "" {
				reply = next
			}
		}
	case outcomeDisqualified, outcomeUserDeclined, outcomeUserRequestedHangup:
		result.Hangup = true
	}

	// Manual-inference fallback: the provider ignored the forced choice.
	if toolChoice == "required" && !toolCalled {
		if isHangupRequest(userTranscript) {
			result.Hangup = true
			reply = goodbyeLine
		} else if key, value, ok := inferAnswer(lastQuestion, userTranscript); ok {
			if e.state.quals.setAnswer(key, value) && !value {
				wentNegative = true
			}
			if e.state.quals.Disqualified() {
				reply = goodbyeLine
			} else if _, next := e.nextQuestionLocked(); next != "" {
				reply = next
			} else if e.state.quals.FullyQualified() {
				reply = transferConfirm
			}
		}
	}

	// Pure tool call with no text: synthesise the scripted line.
	if reply == "" {
		switch {
		case result.Transfer:
			reply = transferLine
		case result.Hangup:
			reply = goodbyeLine
		case qualUpdated && !e.state.quals.Disqualified():
			if _, next := e.nextQuestionLocked(); next != "" {
				reply = next
			} else if e.state.quals.FullyQualified() {
				reply = transferConfirm
			} else {
				reply = FallbackReply
			}
		default:
			reply = FallbackReply
		}
	}

	// Auto-detected transitions.
	if wentNegative {
		result.Hangup = true
		result.Transfer = false
	}
	if !result.Hangup && !result.Transfer && e.state.quals.FullyQualified() &&
		transferConfirmRE.MatchString(e.lastAssistantLineLocked()) {
		if saysYes(userTranscript) {
			result.Transfer = true
			if !transferringNowRE.MatchString(reply) {
				reply = transferLine
			}
		} else if saysNo(userTranscript) {
			result.Hangup = true
		}
	}
	if !result.Hangup && !result.Transfer && transferringNowRE.MatchString(reply) {
		if e.state.quals.FullyQualified() {
			result.Transfer = true
		} else {
			reply = deferLine
			result.Hangup = true
		}
	}
	if !result.Hangup && !result.Transfer && goodbyeRE.MatchString(reply) {
		result.Hangup = true
	}

	reply = sanitizeReply(reply)
	if reply == "" {
		reply = FallbackReply
	}

	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: reply})

	result.Reply = reply
	result.Qualifications = e.state.quals
	result.Stage = e.state.quals.Stage()
	span.SetAttributes(
		attribute.String("dialer.stage", string(result.Stage)),
		attribute.Bool("dialer.transfer", result.Transfer),
		attribute.Bool("dialer.hangup", result.Hangup),
	)
	return result
}

func (e *Engine) complete(ctx context.Context, toolChoice string) (openai.ChatCompletionResponse, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(e.state.history))
	for _, m := range e.state.history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:             e.model,
		Messages:          msgs,
		Temperature:       llmTemperature,
		MaxTokens:         llmMaxTokens,
		Tools:             dialogueTools,
		ToolChoice:        toolChoice,
		ParallelToolCalls: false,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(callCtx, req)
	if e.onLatency != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.onLatency(time.Since(start).Seconds(), status)
	}
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if e.onUsage != nil {
		e.onUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp, nil
}
