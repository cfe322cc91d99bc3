package webhook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/dialer-ai-platform/internal/dialogue"
	"github.com/wolfman30/dialer-ai-platform/internal/media"
	"github.com/wolfman30/dialer-ai-platform/internal/telnyx"
)

// Terminal reasons for one call attempt.
const (
	ReasonAnsweredThenHungup = "answered-then-hungup"
	ReasonNoAnswer           = "no_answer"
	ReasonBusy               = "busy"
	ReasonVoicemail          = "voicemail"
	ReasonTransferred        = "transferred"
	ReasonFailedToOriginate  = "failed_to_originate"
	ReasonTimeout            = "timeout"
)

// Completion is the terminal signal the dispatcher waits on.
type Completion struct {
	CallID      string
	Reason      string
	Transferred bool
	HangupCause string
	// Stage is the dialogue stage at call end, for lead reconciliation.
	Stage dialogue.Stage
}

// CallContext owns the runtime state of one in-flight call. Webhook events
// for the call funnel through its inbox so handling stays serialised in
// arrival order; all subordinate work hangs off the root context.
type CallContext struct {
	CallID  string
	Lead    telnyx.LeadSnapshot
	FromDID string
	ToPhone string

	Engine   *dialogue.Engine
	Pipeline *media.Pipeline

	// Done receives exactly one Completion.
	Done chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan Event

	answered     atomic.Bool
	transferred  atomic.Bool
	amdVoicemail atomic.Bool
	lastHeard    atomic.Int64 // unix nano of the last final transcript

	// repromptCount is touched only by the per-call event goroutine.
	repromptCount int

	timerMu         sync.Mutex
	noResponseTimer *time.Timer

	completionOnce sync.Once
	teardownOnce   sync.Once
}

// Context returns the call's root context.
func (cc *CallContext) Context() context.Context { return cc.ctx }

// Transferred reports whether the call was handed to a human agent.
func (cc *CallContext) Transferred() bool { return cc.transferred.Load() }

func (cc *CallContext) markHeard(t time.Time) {
	cc.lastHeard.Store(t.UnixNano())
}

func (cc *CallContext) heardSince(t time.Time) bool {
	return cc.lastHeard.Load() > t.UnixNano()
}

// complete delivers the terminal signal exactly once.
func (cc *CallContext) complete(reason, hangupCause string) {
	cc.completionOnce.Do(func() {
		var stage dialogue.Stage
		if cc.Engine != nil {
			stage = cc.Engine.Stage()
		}
		cc.Done <- Completion{
			CallID:      cc.CallID,
			Reason:      reason,
			Transferred: cc.transferred.Load(),
			HangupCause: hangupCause,
			Stage:       stage,
		}
	})
}

func (cc *CallContext) stopTimer() {
	cc.timerMu.Lock()
	defer cc.timerMu.Unlock()
	if cc.noResponseTimer != nil {
		cc.noResponseTimer.Stop()
		cc.noResponseTimer = nil
	}
}
