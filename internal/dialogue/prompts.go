package dialogue

import (
	"fmt"
	"regexp"
	"strings"
)

// Lead is the dialled person's snapshot the engine personalises against.
type Lead struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	Address   string
}

// Canned lines. Greetings and templates are deterministic, not
// model-generated, so every call opens identically.
const (
	FallbackReply = "I apologize, could you repeat that for me?"
	RepromptLine  = "I can't hear you clearly. Please try again."

	questionHealth     = "Before we go any further, do you have any major health issues I should know about?"
	questionAlzheimers = "Have you ever been diagnosed with Alzheimer's or dementia?"
	questionHospice    = "Are you currently receiving hospice care?"
	questionAge        = "And may I ask how old you are?"
	questionBank       = "Do you have an active bank account or Direct Express card for the coverage?"
	transferConfirm    = "Great news — you qualify. I'll connect you with a licensed agent who can go over your options. Sound good?"
	transferLine       = "Perfect, transferring you now. Please hold for just a moment."
	goodbyeLine        = "Thank you for your time. Have a wonderful day. Goodbye."
	deferLine          = "Let me have a licensed agent follow up with you another time. Thank you, goodbye."
)

func questionVerification(lead Lead) string {
	name := strings.TrimSpace(lead.FirstName + " " + lead.LastName)
	if name == "" {
		name = "the homeowner"
	}
	if strings.TrimSpace(lead.Address) != "" {
		return fmt.Sprintf("Just to confirm, am I speaking with %s at %s?", name, lead.Address)
	}
	return fmt.Sprintf("Just to confirm, am I speaking with %s?", name)
}

func greetingText(lead Lead) string {
	first := strings.TrimSpace(lead.FirstName)
	if first == "" {
		return "Hello, how are you today?"
	}
	return fmt.Sprintf("Hello, may I speak with %s?", first)
}

func greetingPartTwoText(lead Lead) string {
	return "Hi, this is Sarah on a recorded line. I'm reaching out about the state-regulated final expense programs available in your area. It'll only take a minute."
}

func systemPrompt(lead Lead) string {
	return fmt.Sprintf(`You are Sarah, a warm and professional phone agent qualifying seniors for final expense coverage.

You are speaking with %s %s%s.

Follow this script strictly, one question per turn, in order:
1. Verify you are speaking with the right person.
2. Ask about major health issues (conversational, not a qualifier).
3. Ask about Alzheimer's or dementia diagnoses.
4. Ask whether they are in hospice care.
5. Ask their age.
6. Ask whether they have an active bank account or Direct Express card.
7. If everything checks out, confirm they are happy to be connected to a licensed agent.

Rules:
- Record every qualification answer with the update_qualification tool.
- When the person qualifies and agrees to connect, or asks to stop, end the call with the set_call_outcome tool.
- Never diagnose, never quote prices, never promise coverage.
- Keep replies to one or two short sentences. No lists, no markup, plain
  spoken English only.
- If the person asks to be removed or to hang up, honour it immediately.`,
		strings.TrimSpace(lead.FirstName), strings.TrimSpace(lead.LastName),
		addressClause(lead.Address))
}

func addressClause(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	return " at " + address
}

// questionKind identifies which scripted question an assistant turn asked.
type questionKind int

const (
	questionNone questionKind = iota
	questionKindVerification
	questionKindHealth
	questionKindAlzheimers
	questionKindHospice
	questionKindAge
	questionKindBank
	questionKindTransferConfirm
)

var (
	verificationAskedRE = regexp.MustCompile(`(?i)am i speaking with|can you confirm|just to confirm`)
	healthAskedRE       = regexp.MustCompile(`(?i)health issues?`)
	alzheimersAskedRE   = regexp.MustCompile(`(?i)alzheimer|dementia`)
	hospiceAskedRE      = regexp.MustCompile(`(?i)hospice`)
	ageAskedRE          = regexp.MustCompile(`(?i)how old|your age`)
	bankAskedRE         = regexp.MustCompile(`(?i)bank account|direct express`)
	transferConfirmRE   = regexp.MustCompile(`(?i)sound good`)
	transferringNowRE   = regexp.MustCompile(`(?i)transferr?ing you now|connect you now`)
	goodbyeRE           = regexp.MustCompile(`(?i)\bgoodbye\b|\bbye\b|have a (great|good|wonderful|nice) day|take care`)
)

// classifyQuestion maps an assistant line to the scripted question it asks.
// Order matters: the transfer confirmation mentions no qualifier terms.
func classifyQuestion(text string) questionKind {
	switch {
	case text == "":
		return questionNone
	case transferConfirmRE.MatchString(text):
		return questionKindTransferConfirm
	case alzheimersAskedRE.MatchString(text):
		return questionKindAlzheimers
	case hospiceAskedRE.MatchString(text):
		return questionKindHospice
	case ageAskedRE.MatchString(text):
		return questionKindAge
	case bankAskedRE.MatchString(text):
		return questionKindBank
	case verificationAskedRE.MatchString(text):
		return questionKindVerification
	case healthAskedRE.MatchString(text):
		return questionKindHealth
	default:
		return questionNone
	}
}

// ladderEntry ties a scripted question to its detection regex and the
// qualification key it resolves.
type ladderEntry struct {
	kind    questionKind
	askedRE *regexp.Regexp
	// key is empty for the health discovery question, which is scripted
	// but not a qualifier.
	key string
}

var ladder = []ladderEntry{
	{questionKindVerification, verificationAskedRE, "verified_info"},
	{questionKindHealth, healthAskedRE, ""},
	{questionKindAlzheimers, alzheimersAskedRE, "no_alzheimers"},
	{questionKindHospice, hospiceAskedRE, "no_hospice"},
	{questionKindAge, ageAskedRE, "age_qualified"},
	{questionKindBank, bankAskedRE, "has_bank_account"},
	{questionKindTransferConfirm, transferConfirmRE, ""},
}

func questionText(kind questionKind, lead Lead) string {
	switch kind {
	case questionKindVerification:
		return questionVerification(lead)
	case questionKindHealth:
		return questionHealth
	case questionKindAlzheimers:
		return questionAlzheimers
	case questionKindHospice:
		return questionHospice
	case questionKindAge:
		return questionAge
	case questionKindBank:
		return questionBank
	case questionKindTransferConfirm:
		return transferConfirm
	default:
		return ""
	}
}

// answered reports whether a ladder entry's qualification is resolved.
func (e ladderEntry) answered(q Qualifications) bool {
	switch e.key {
	case "verified_info":
		return q.VerifiedInfo.Known()
	case "no_alzheimers":
		return q.NoAlzheimers.Known()
	case "no_hospice":
		return q.NoHospice.Known()
	case "age_qualified":
		return q.AgeQualified.Known()
	case "has_bank_account":
		return q.HasBankAccount.Known()
	default:
		return false
	}
}
