package dialogue

import (
	"regexp"
	"strconv"
	"strings"
)

// Age bounds for the programme. Outside this window the lead is not
// age-qualified.
const (
	minQualifiedAge = 50
	maxQualifiedAge = 85
)

var (
	yesRE = regexp.MustCompile(`(?i)\b(yes|yeah|yep|yup|correct|right|sure|absolutely|of course|uh huh|that's (right|me|correct)|i do\b|i have\b|i am\b|speaking)\b`)
	noRE  = regexp.MustCompile(`(?i)\b(no|nope|nah|never|i don't|i do not|i haven't|i have not|wrong number|not (me|interested))\b`)

	hangupRequestRE = regexp.MustCompile(`(?i)hang up|take me off|remove me|stop calling|do not call|don't call`)

	ageNumberRE = regexp.MustCompile(`\b(\d{2,3})\b`)
	ageWordsRE  = regexp.MustCompile(`(?i)\b(fifty|sixty|seventy|eighty|ninety)([- ](one|two|three|four|five|six|seven|eight|nine))?\b`)

	bankPhraseRE = regexp.MustCompile(`(?i)bank account|checking|savings|direct express|credit union`)
	atHomeRE     = regexp.MustCompile(`(?i)\bat home\b`)
)

var ageWordValues = map[string]int{
	"fifty": 50, "sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9,
}

// isHangupRequest reports whether the transcript explicitly asks to end
// the call.
func isHangupRequest(text string) bool {
	return hangupRequestRE.MatchString(text)
}

func saysYes(text string) bool {
	// A "no" anywhere outranks a stray affirmative token ("no, that's not
	// right").
	return yesRE.MatchString(text) && !noRE.MatchString(text)
}

func saysNo(text string) bool {
	return noRE.MatchString(text) && !yesRE.MatchString(text)
}

// parseAge extracts a plausible age from the transcript. Returns 0 when no
// age is present.
func parseAge(text string) int {
	if m := ageNumberRE.FindString(text); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n >= 18 && n <= 120 {
			return n
		}
	}
	if m := ageWordsRE.FindStringSubmatch(text); m != nil {
		age := ageWordValues[strings.ToLower(m[1])]
		if m[3] != "" {
			age += ageWordValues[strings.ToLower(m[3])]
		}
		if age >= 18 && age <= 120 {
			return age
		}
	}
	return 0
}

// looksLikeAnswer reports whether the transcript plausibly answers the
// given scripted question. This gates the forced tool choice: only clear
// answers force the model to call a tool.
func looksLikeAnswer(kind questionKind, text string) bool {
	switch kind {
	case questionKindVerification, questionKindTransferConfirm:
		return saysYes(text) || saysNo(text)
	case questionKindAlzheimers:
		return saysYes(text) || saysNo(text)
	case questionKindHospice:
		return saysYes(text) || saysNo(text) || atHomeRE.MatchString(text)
	case questionKindAge:
		return parseAge(text) > 0
	case questionKindBank:
		return saysYes(text) || saysNo(text) || bankPhraseRE.MatchString(text)
	default:
		return false
	}
}

// inferAnswer is the manual-inference fallback: when the model was forced
// to call a tool and did not, the transcript is pattern-matched against
// the question that was asked. Returns the key and value to set, or ok
// false when nothing can be inferred.
func inferAnswer(kind questionKind, text string) (key string, value bool, ok bool) {
	switch kind {
	case questionKindVerification:
		if saysYes(text) {
			return "verified_info", true, true
		}
		if saysNo(text) {
			return "verified_info", false, true
		}
	case questionKindAlzheimers:
		// "Yes" answers the diagnosis question, so the no_alzheimers key
		// goes false.
		if saysYes(text) {
			return "no_alzheimers", false, true
		}
		if saysNo(text) {
			return "no_alzheimers", true, true
		}
	case questionKindHospice:
		if atHomeRE.MatchString(text) {
			return "no_hospice", true, true
		}
		if saysYes(text) {
			return "no_hospice", false, true
		}
		if saysNo(text) {
			return "no_hospice", true, true
		}
	case questionKindAge:
		if age := parseAge(text); age > 0 {
			return "age_qualified", age >= minQualifiedAge && age <= maxQualifiedAge, true
		}
	case questionKindBank:
		if saysYes(text) || bankPhraseRE.MatchString(text) {
			return "has_bank_account", true, true
		}
		if saysNo(text) {
			return "has_bank_account", false, true
		}
	}
	return "", false, false
}
