package dialogue

// Answer is a tri-state qualification answer. Keys never flip once set:
// merges only apply to unset keys.
type Answer int

const (
	AnswerUnset Answer = iota
	AnswerNo
	AnswerYes
)

// Known reports whether the answer has been established.
func (a Answer) Known() bool { return a != AnswerUnset }

func (a Answer) String() string {
	switch a {
	case AnswerYes:
		return "yes"
	case AnswerNo:
		return "no"
	default:
		return "unset"
	}
}

// Qualifications is the fixed-key qualification record for one call.
type Qualifications struct {
	VerifiedInfo   Answer
	NoAlzheimers   Answer
	NoHospice      Answer
	AgeQualified   Answer
	HasBankAccount Answer
}

// Stage labels the dialogue phase. It is always derived from the
// qualification record, never stored independently.
type Stage string

const (
	StageGreeting           Stage = "greeting"
	StageVerification       Stage = "verification"
	StageVerificationFailed Stage = "verification_failed"
	StageQualifying         Stage = "qualifying"
	StageDisqualified       Stage = "disqualified"
	StageQualified          Stage = "qualified"
	StageError              Stage = "error"
)

// Stage computes the dialogue stage as a pure function of the record. A
// failed identity check is its own terminal label; any other "no" means
// disqualified.
func (q Qualifications) Stage() Stage {
	if q.VerifiedInfo == AnswerNo {
		return StageVerificationFailed
	}
	if q.NoAlzheimers == AnswerNo || q.NoHospice == AnswerNo ||
		q.AgeQualified == AnswerNo || q.HasBankAccount == AnswerNo {
		return StageDisqualified
	}
	if q.allYes() {
		return StageQualified
	}
	if q.VerifiedInfo == AnswerYes {
		return StageQualifying
	}
	return StageVerification
}

func (q Qualifications) allYes() bool {
	return q.VerifiedInfo == AnswerYes &&
		q.NoAlzheimers == AnswerYes &&
		q.NoHospice == AnswerYes &&
		q.AgeQualified == AnswerYes &&
		q.HasBankAccount == AnswerYes
}

// FullyQualified reports whether all five keys are affirmative.
func (q Qualifications) FullyQualified() bool { return q.allYes() }

// Disqualified reports whether any key is negative.
func (q Qualifications) Disqualified() bool {
	return q.VerifiedInfo == AnswerNo || q.NoAlzheimers == AnswerNo ||
		q.NoHospice == AnswerNo || q.AgeQualified == AnswerNo ||
		q.HasBankAccount == AnswerNo
}

// qualUpdate is the decoded update_qualification tool payload. Pointers
// distinguish "not mentioned" from an explicit answer.
type qualUpdate struct {
	VerifiedInfo   *bool `json:"verified_info,omitempty"`
	NoAlzheimers   *bool `json:"no_alzheimers,omitempty"`
	NoHospice      *bool `json:"no_hospice,omitempty"`
	AgeQualified   *bool `json:"age_qualified,omitempty"`
	HasBankAccount *bool `json:"has_bank_account,omitempty"`
}

// merge applies an update without ever flipping a key that is already set.
// Returns true if any key transitioned to "no" on this merge.
func (q *Qualifications) merge(u qualUpdate) (changed, wentNegative bool) {
	apply := func(dst *Answer, src *bool) {
		if src == nil || dst.Known() {
			return
		}
		changed = true
		if *src {
			*dst = AnswerYes
		} else {
			*dst = AnswerNo
			wentNegative = true
		}
	}
	apply(&q.VerifiedInfo, u.VerifiedInfo)
	apply(&q.NoAlzheimers, u.NoAlzheimers)
	apply(&q.NoHospice, u.NoHospice)
	apply(&q.AgeQualified, u.AgeQualified)
	apply(&q.HasBankAccount, u.HasBankAccount)
	return changed, wentNegative
}

// setAnswer writes one key directly (manual inference path), preserving
// monotonicity.
func (q *Qualifications) setAnswer(key string, value bool) bool {
	var dst *Answer
	switch key {
	case "verified_info":
		dst = &q.VerifiedInfo
	case "no_alzheimers":
		dst = &q.NoAlzheimers
	case "no_hospice":
		dst = &q.NoHospice
	case "age_qualified":
		dst = &q.AgeQualified
	case "has_bank_account":
		dst = &q.HasBankAccount
	default:
		return false
	}
	if dst.Known() {
		return false
	}
	if value {
		*dst = AnswerYes
	} else {
		*dst = AnswerNo
	}
	return true
}
