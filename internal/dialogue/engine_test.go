package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient replays canned responses and records requests.
type scriptedClient struct {
	responses []openai.ChatCompletionResponse
	errs      []error
	requests  []openai.ChatCompletionRequest
}

func (s *scriptedClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return openai.ChatCompletionResponse{}, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return textResponse("Okay."), nil
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: RoleAssistant, Content: content}},
		},
		Usage: openai.Usage{PromptTokens: 100, CompletionTokens: 20},
	}
}

func toolResponse(content, name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				Role:    RoleAssistant,
				Content: content,
				ToolCalls: []openai.ToolCall{
					{Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: name, Arguments: args}},
				},
			}},
		},
		Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 15},
	}
}

var testLead = Lead{
	ID:        "lead-1",
	FirstName: "Terry",
	LastName:  "Hodges",
	Phone:     "+15307748286",
	Address:   "12 Oak Lane, Chico CA",
}

func newTestEngine(client chatClient) *Engine {
	e := NewEngine(EngineConfig{Client: client})
	e.Initialize(testLead)
	return e
}

func TestGreetingIdempotent(t *testing.T) {
	e := newTestEngine(&scriptedClient{})

	first := e.GreetingText()
	second := e.GreetingText()
	assert.Equal(t, first, second)
	assert.Contains(t, first, "Terry")

	e.GreetingPartTwoText()
	e.GreetingPartTwoText()

	assistants := 0
	for _, m := range e.History() {
		if m.Role == RoleAssistant {
			assistants++
		}
	}
	assert.Equal(t, 2, assistants, "greetings must be recorded exactly once")
	assert.True(t, e.GreetingSent())
}

func TestStagePureFunction(t *testing.T) {
	cases := []struct {
		quals Qualifications
		want  Stage
	}{
		{Qualifications{}, StageVerification},
		{Qualifications{VerifiedInfo: AnswerNo}, StageVerificationFailed},
		{Qualifications{VerifiedInfo: AnswerYes}, StageQualifying},
		{Qualifications{VerifiedInfo: AnswerYes, NoAlzheimers: AnswerNo}, StageDisqualified},
		{Qualifications{
			VerifiedInfo: AnswerYes, NoAlzheimers: AnswerYes, NoHospice: AnswerYes,
			AgeQualified: AnswerYes, HasBankAccount: AnswerYes,
		}, StageQualified},
	}
	for i, tc := range cases {
		assert.Equal(t, tc.want, tc.quals.Stage(), "case %d", i)
	}
}

func TestQualificationsMonotonic(t *testing.T) {
	q := Qualifications{}
	yes, no := true, false

	q.merge(qualUpdate{VerifiedInfo: &yes})
	require.Equal(t, AnswerYes, q.VerifiedInfo)

	// A later contradictory update must not flip the key.
	q.merge(qualUpdate{VerifiedInfo: &no})
	assert.Equal(t, AnswerYes, q.VerifiedInfo)

	assert.False(t, q.setAnswer("verified_info", false))
	assert.Equal(t, AnswerYes, q.VerifiedInfo)
}

func TestForcedToolChoiceOnQualificationAnswer(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		toolResponse("", toolUpdateQualification, `{"verified_info": true}`),
	}}
	e := newTestEngine(client)
	e.GreetingText()
	// Simulate the verification question having been asked.
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionVerification(testLead)})

	res := e.NextTurn(context.Background(), "Yes that's right")

	require.Len(t, client.requests, 1)
	assert.Equal(t, "required", client.requests[0].ToolChoice)
	assert.Equal(t, AnswerYes, res.Qualifications.VerifiedInfo)
	assert.False(t, res.Hangup)
	assert.False(t, res.Transfer)
	// Pure tool call: reply synthesised from the ladder.
	assert.NotEmpty(t, res.Reply)
}

func TestHealthQuestionNeverForcesTools(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse("I'm sorry to hear that. " + questionAlzheimers),
	}}
	e := newTestEngine(client)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionHealth})

	e.NextTurn(context.Background(), "Yes, my knees mostly")

	require.Len(t, client.requests, 1)
	assert.Equal(t, "auto", client.requests[0].ToolChoice)
}

func TestManualInferenceFallback(t *testing.T) {
	// Forced choice, but the model answers with plain text and no tool.
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse("Understood."),
	}}
	e := newTestEngine(client)
	e.state.quals.VerifiedInfo = AnswerYes
	e.state.history = append(e.state.history,
		Message{Role: RoleAssistant, Content: questionVerification(testLead)},
		Message{Role: RoleAssistant, Content: questionHealth},
		Message{Role: RoleAssistant, Content: questionAlzheimers},
	)

	res := e.NextTurn(context.Background(), "No, never")

	assert.Equal(t, AnswerYes, res.Qualifications.NoAlzheimers)
	// The reply is regenerated from the ladder template.
	assert.Contains(t, res.Reply, "hospice")
}

func TestDisqualifiedOnAlzheimersHangsUp(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		toolResponse("", toolUpdateQualification, `{"no_alzheimers": false}`),
	}}
	e := newTestEngine(client)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionAlzheimers})

	res := e.NextTurn(context.Background(), "Yes, I was diagnosed last year")

	assert.True(t, res.Hangup)
	assert.False(t, res.Transfer)
	assert.Equal(t, StageDisqualified, res.Stage)
	assert.NotEmpty(t, res.Reply)
}

func qualifyAll(e *Engine) {
	e.state.quals = Qualifications{
		VerifiedInfo: AnswerYes, NoAlzheimers: AnswerYes, NoHospice: AnswerYes,
		AgeQualified: AnswerYes, HasBankAccount: AnswerYes,
	}
}

func TestTransferRequiresFullQualification(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		toolResponse("", toolSetCallOutcome, `{"outcome": "transfer_to_agent"}`),
	}}
	e := newTestEngine(client)
	e.state.quals.VerifiedInfo = AnswerYes
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionHealth})

	res := e.NextTurn(context.Background(), "Sure, connect me")

	assert.False(t, res.Transfer, "transfer must be dropped when qualification is incomplete")
	assert.False(t, res.Hangup)
	assert.NotEmpty(t, res.Reply)
}

func TestTransferWhenFullyQualified(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		toolResponse("", toolSetCallOutcome, `{"outcome": "transfer_to_agent"}`),
	}}
	e := newTestEngine(client)
	qualifyAll(e)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: transferConfirm})

	res := e.NextTurn(context.Background(), "Yes please")

	assert.True(t, res.Transfer)
	assert.False(t, res.Hangup)
	assert.Equal(t, StageQualified, res.Stage)
}

func TestSoundGoodYesAutoTransfers(t *testing.T) {
	// No tool call at all, but the confirmation was asked and answered.
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse("Wonderful."),
	}}
	e := newTestEngine(client)
	qualifyAll(e)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: transferConfirm})

	res := e.NextTurn(context.Background(), "Yes")

	assert.True(t, res.Transfer)
}

func TestSoundGoodNoHangsUp(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse("No problem at all."),
	}}
	e := newTestEngine(client)
	qualifyAll(e)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: transferConfirm})

	res := e.NextTurn(context.Background(), "No thanks")

	assert.True(t, res.Hangup)
	assert.False(t, res.Transfer)
}

func TestTransferringReplyWithoutQualificationDefers(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse("Transferring you now!"),
	}}
	e := newTestEngine(client)
	e.state.quals.VerifiedInfo = AnswerYes
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionHealth})

	res := e.NextTurn(context.Background(), "okay")

	assert.True(t, res.Hangup)
	assert.False(t, res.Transfer)
	assert.NotContains(t, strings.ToLower(res.Reply), "transferring")
}

func TestGoodbyeReplyForcesHangup(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse("Alright then, have a wonderful day!"),
	}}
	e := newTestEngine(client)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionHealth})

	res := e.NextTurn(context.Background(), "I'm not sure about this")

	assert.True(t, res.Hangup)
}

func TestLLMErrorReturnsFallback(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("connection refused")}}
	e := newTestEngine(client)

	res := e.NextTurn(context.Background(), "hello?")

	assert.Equal(t, FallbackReply, res.Reply)
	assert.False(t, res.Hangup)
	assert.False(t, res.Transfer)
	assert.Equal(t, 0, e.LLMCalls())
}

func TestHangupRequestHonoured(t *testing.T) {
	// Forced choice ignored by the model; manual path must hang up.
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse("I understand."),
	}}
	e := newTestEngine(client)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionHealth})

	res := e.NextTurn(context.Background(), "Please take me off your list and hang up")

	require.Len(t, client.requests, 1)
	assert.Equal(t, "required", client.requests[0].ToolChoice)
	assert.True(t, res.Hangup)
}

func TestOutputFilterStripsToolLeakage(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		textResponse(`update_qualification({"verified_info": true}) Thanks! *transitioning* ` + questionHealth),
	}}
	e := newTestEngine(client)
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionVerification(testLead)})

	res := e.NextTurn(context.Background(), "that is correct, yes")

	assert.NotContains(t, res.Reply, "update_qualification")
	assert.NotContains(t, res.Reply, "{")
	assert.NotContains(t, res.Reply, "*")
	assert.Contains(t, res.Reply, "health")
}

func TestLadderQuestionsAskedAtMostOnce(t *testing.T) {
	// Drive a full happy path and assert no scripted question repeats.
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		toolResponse("", toolUpdateQualification, `{"verified_info": true}`),
		textResponse(questionAlzheimers),
		toolResponse("", toolUpdateQualification, `{"no_alzheimers": true}`),
		toolResponse("", toolUpdateQualification, `{"no_hospice": true}`),
		toolResponse("", toolUpdateQualification, `{"age_qualified": true}`),
		toolResponse("", toolUpdateQualification, `{"has_bank_account": true}`),
		toolResponse("", toolSetCallOutcome, `{"outcome": "transfer_to_agent"}`),
	}}
	e := newTestEngine(client)
	e.GreetingText()
	e.GreetingPartTwoText()
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionVerification(testLead)})

	turns := []string{
		"Yes that's right",
		"just my blood pressure",
		"No",
		"No",
		"I'm 62",
		"Yes I do",
		"Yes",
	}
	var last TurnResult
	for _, turn := range turns {
		last = e.NextTurn(context.Background(), turn)
	}

	assert.True(t, last.Transfer)
	assert.Equal(t, StageQualified, last.Stage)

	counts := map[questionKind]int{}
	for _, m := range e.History() {
		if m.Role != RoleAssistant {
			continue
		}
		if k := classifyQuestion(m.Content); k != questionNone {
			counts[k]++
		}
	}
	for kind, n := range counts {
		assert.LessOrEqualf(t, n, 1, "question kind %d asked %d times", kind, n)
	}
}

func TestUsageReported(t *testing.T) {
	var prompt, completion int
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{textResponse("Hi.")}}
	e := NewEngine(EngineConfig{
		Client:  client,
		OnUsage: func(p, c int) { prompt += p; completion += c },
	})
	e.Initialize(testLead)

	e.NextTurn(context.Background(), "hello")

	assert.Equal(t, 100, prompt)
	assert.Equal(t, 20, completion)
	assert.Equal(t, 1, e.LLMCalls())
}

func TestParseAge(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"I'm 62", 62},
		{"sixty two", 62},
		{"seventy", 70},
		{"I am 62 years old", 62},
		{"no idea", 0},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, parseAge(tc.in), "parseAge(%q)", tc.in)
	}
}

func TestInferAnswerHospiceAtHome(t *testing.T) {
	key, value, ok := inferAnswer(questionKindHospice, "I'm at home, no hospice")
	require.True(t, ok)
	assert.Equal(t, "no_hospice", key)
	assert.True(t, value)
}

func TestInferAnswerAgeBounds(t *testing.T) {
	for _, tc := range []struct {
		text      string
		qualified bool
	}{
		{"I'm 62", true},
		{"I'm 35", false},
		{"I'm 90", false},
	} {
		key, value, ok := inferAnswer(questionKindAge, tc.text)
		require.True(t, ok, tc.text)
		assert.Equal(t, "age_qualified", key)
		assert.Equalf(t, tc.qualified, value, "age inference for %q", tc.text)
	}
}

func TestSanitizeReply(t *testing.T) {
	in := "set_call_outcome(transfer) Sure! {\"x\": 1} *smiles*   `code`  Let's   continue."
	out := sanitizeReply(in)
	for _, bad := range []string{"set_call_outcome", "{", "*", "`"} {
		assert.NotContains(t, out, bad)
	}
	assert.Equal(t, "Sure! Let's continue.", out)
}

func TestNextQuestionSkipsTransferUntilQualified(t *testing.T) {
	e := newTestEngine(&scriptedClient{})
	e.state.quals = Qualifications{
		VerifiedInfo: AnswerYes, NoAlzheimers: AnswerYes,
		NoHospice: AnswerYes, AgeQualified: AnswerYes,
	}
	e.state.history = append(e.state.history, Message{Role: RoleAssistant, Content: questionHealth})
	kind, text := e.nextQuestionLocked()
	assert.Equal(t, questionKindBank, kind)
	assert.Contains(t, text, "bank")

	qualifyAll(e)
	kind, text = e.nextQuestionLocked()
	// Bank question already answered now; next is the transfer confirm.
	assert.Equal(t, questionKindTransferConfirm, kind)
	assert.Contains(t, text, "Sound good")
}
