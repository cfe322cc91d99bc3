package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dialer-ai-platform/internal/costs"
	"github.com/wolfman30/dialer-ai-platform/internal/dialer"
	"github.com/wolfman30/dialer-ai-platform/internal/recorder"
	"github.com/wolfman30/dialer-ai-platform/internal/storage"
	"github.com/wolfman30/dialer-ai-platform/internal/webhook"
	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

// hangupClient is the slice of the carrier API the manual endpoints use.
type hangupClient interface {
	Hangup(ctx context.Context, callControlID string) error
}

// leadSource loads leads for the agent start / manual initiate paths.
type leadSource interface {
	GetByID(ctx context.Context, id string) (*storage.Lead, error)
	GetByIDs(ctx context.Context, ids []string) ([]storage.Lead, error)
	ListPending(ctx context.Context, limit int) ([]storage.Lead, error)
	Search(ctx context.Context, needle string, page, limit int) ([]storage.Lead, int, error)
}

// conversationSource reads finalised conversations.
type conversationSource interface {
	List(ctx context.Context, filter storage.ConversationFilter, page, limit int) ([]recorder.Conversation, int, error)
	Get(ctx context.Context, callID string) (*recorder.Conversation, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// transferSource reads/clears persisted transfers.
type transferSource interface {
	List(ctx context.Context) ([]storage.TransferRecord, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// callSource reads origination rows.
type callSource interface {
	Get(ctx context.Context, callID string) (*storage.TelnyxCall, error)
}

// Handler serves the operator HTTP surface.
type Handler struct {
	dispatcher *dialer.Dispatcher
	router     *webhook.Router
	carrier    hangupClient
	leads      leadSource
	convs      conversationSource
	transfers  transferSource
	calls      callSource
	ledger     *costs.Ledger
	live       *recorder.LiveStore
	logger     *logging.Logger
}

// HandlerConfig wires the operator surface.
type HandlerConfig struct {
	Dispatcher *dialer.Dispatcher
	Router     *webhook.Router
	Carrier    hangupClient
	Leads      leadSource
	Convs      conversationSource
	Transfers  transferSource
	Calls      callSource
	Ledger     *costs.Ledger
	Live       *recorder.LiveStore
	Logger     *logging.Logger
}

// NewHandler builds the operator API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		dispatcher: cfg.Dispatcher,
		router:     cfg.Router,
		carrier:    cfg.Carrier,
		leads:      cfg.Leads,
		convs:      cfg.Convs,
		transfers:  cfg.Transfers,
		calls:      cfg.Calls,
		ledger:     cfg.Ledger,
		live:       cfg.Live,
		logger:     logger,
	}
}

// Mount attaches every operator route under /api.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/agent", func(r chi.Router) {
			r.Post("/start", h.StartAgent)
			r.Post("/stop", h.StopAgent)
			r.Post("/pause", h.PauseAgent)
			r.Post("/resume", h.ResumeAgent)
			r.Get("/status", h.AgentStatus)
			r.Get("/stats", h.AgentStats)
			r.Get("/config", h.GetConfig)
			r.Put("/config", h.PutConfig)
			r.Get("/transferred-calls", h.ListTransfers)
			r.Delete("/transferred-calls", h.DeleteTransfers)
		})
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Delete("/", h.DeleteConversations)
			r.Get("/{callID}", h.GetConversation)
		})
		r.Route("/calls", func(r chi.Router) {
			r.Post("/initiate", h.InitiateCall)
			r.Post("/hangup", h.HangupCall)
			r.Get("/active", h.ActiveCalls)
			r.Get("/{callID}/status", h.CallStatus)
		})
		r.Get("/leads", h.ListLeads)
	})
}

type startRequest struct {
	UserIDs           []string `json:"userIds"`
	DelayBetweenCalls int      `json:"delayBetweenCalls"` // milliseconds
}

// StartAgent queues leads and starts the dialler.
func (h *Handler) StartAgent(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body is fine
	}
	if req.DelayBetweenCalls > 0 {
		h.dispatcher.SetDelay(time.Duration(req.DelayBetweenCalls) * time.Millisecond)
	}

	var rows []storage.Lead
	var err error
	if len(req.UserIDs) > 0 {
		rows, err = h.leads.GetByIDs(r.Context(), req.UserIDs)
	} else {
		rows, err = h.leads.ListPending(r.Context(), 1000)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load leads: "+err.Error())
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, "no leads to dial")
		return
	}

	items := make([]dialer.Lead, 0, len(rows))
	for _, row := range rows {
		if row.Phone == "" {
			continue
		}
		items = append(items, dialer.Lead{
			ID:        row.ID,
			FirstName: row.FirstName,
			LastName:  row.LastName,
			Phone:     row.Phone,
			Address:   row.Address,
		})
	}
	if err := h.dispatcher.Start(context.Background(), items); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"state":  h.dispatcher.State(),
		"queued": len(items),
	})
}

// StopAgent clears the queue; in-flight calls continue.
func (h *Handler) StopAgent(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.Stop()
	writeSuccess(w, http.StatusOK, map[string]any{"state": h.dispatcher.State()})
}

// PauseAgent holds the queue.
func (h *Handler) PauseAgent(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.Pause()
	writeSuccess(w, http.StatusOK, map[string]any{"state": h.dispatcher.State()})
}

// ResumeAgent resumes popping.
func (h *Handler) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.Resume()
	writeSuccess(w, http.StatusOK, map[string]any{"state": h.dispatcher.State()})
}

// AgentStatus reports state and live counters.
func (h *Handler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"state":       h.dispatcher.State(),
		"activeCalls": h.dispatcher.ActiveCalls(),
		"queueDepth":  h.dispatcher.QueueDepth(),
	})
}

// AgentStats reports dial counters plus cost aggregates.
func (h *Handler) AgentStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"dialler": h.dispatcher.Stats(),
		"costs":   h.ledger.Aggregate(),
	})
}

// GetConfig reports mutable agent settings.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"transferNumber":     h.router.TransferNumber(),
		"maxConcurrentCalls": h.dispatcher.MaxConcurrent(),
	})
}

type configRequest struct {
	TransferNumber     *string `json:"transferNumber"`
	MaxConcurrentCalls *int    `json:"maxConcurrentCalls"`
}

// PutConfig updates mutable agent settings.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.MaxConcurrentCalls != nil {
		if *req.MaxConcurrentCalls < 1 || *req.MaxConcurrentCalls > 50 {
			writeError(w, http.StatusBadRequest, "maxConcurrentCalls must be between 1 and 50")
			return
		}
		h.dispatcher.SetMaxConcurrent(*req.MaxConcurrentCalls)
	}
	if req.TransferNumber != nil {
		h.router.SetTransferNumber(*req.TransferNumber)
	}
	h.GetConfig(w, r)
}

// ListTransfers returns persisted transfers.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	records, err := h.transfers.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, records)
}

// DeleteTransfers clears the transfer table.
func (h *Handler) DeleteTransfers(w http.ResponseWriter, r *http.Request) {
	n, err := h.transfers.DeleteAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"deleted": n})
}

// ListConversations pages finalised conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(q.Get("limit"), 20)
	filter := storage.ConversationFilter{
		Filter:   q.Get("filter"),
		Duration: q.Get("durationFilter"),
	}
	convs, total, err := h.convs.List(r.Context(), filter, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         total,
		"page":          page,
		"limit":         limit,
	})
}

// GetConversation fetches one conversation by call id.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	conv, err := h.convs.Get(r.Context(), callID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, conv)
}

// DeleteConversations wipes the conversation table.
func (h *Handler) DeleteConversations(w http.ResponseWriter, r *http.Request) {
	n, err := h.convs.DeleteAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"deleted": n})
}

type initiateRequest struct {
	UserID     string `json:"userId"`
	FromNumber string `json:"fromNumber"`
}

// InitiateCall dials one lead immediately. A phone already in flight
// yields 409 with the existing call id.
func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}
	row, err := h.leads.GetByID(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrLeadNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	callID, existing, err := h.dispatcher.InitiateCall(context.Background(), dialer.Lead{
		ID:        row.ID,
		FirstName: row.FirstName,
		LastName:  row.LastName,
		Phone:     row.Phone,
		Address:   row.Address,
	}, req.FromNumber)
	if err != nil {
		if errors.Is(err, dialer.ErrAlreadyDialling) {
			writeErrorData(w, http.StatusConflict, "phone already being dialled",
				map[string]any{"existingCallId": existing})
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"callControlId": callID})
}

type hangupRequest struct {
	CallControlID string `json:"callControlId"`
}

// HangupCall ends one call via the carrier.
func (h *Handler) HangupCall(w http.ResponseWriter, r *http.Request) {
	var req hangupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallControlID == "" {
		writeError(w, http.StatusBadRequest, "callControlId required")
		return
	}
	if err := h.carrier.Hangup(r.Context(), req.CallControlID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"callControlId": req.CallControlID})
}

// ActiveCalls lists answered in-flight calls with any live mirror state.
func (h *Handler) ActiveCalls(w http.ResponseWriter, r *http.Request) {
	ids := h.router.ActiveCallIDs()
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entry := map[string]any{"callControlId": id}
		if state, err := h.live.GetState(r.Context(), id); err == nil && state != nil {
			entry["status"] = state.Status
			entry["toNumber"] = state.ToNumber
			entry["startedAt"] = state.StartedAt
			entry["turnCount"] = state.TurnCount
		}
		out = append(out, entry)
	}
	writeSuccess(w, http.StatusOK, out)
}

// CallStatus reports one call's live or persisted status.
func (h *Handler) CallStatus(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	resp := map[string]any{
		"callControlId": callID,
		"active":        h.router.IsActive(callID),
	}
	if _, known := h.router.Lookup(callID); known {
		resp["inFlight"] = true
	}
	if h.calls != nil {
		if row, err := h.calls.Get(r.Context(), callID); err == nil {
			resp["status"] = row.Status
			resp["leadId"] = row.LeadID
			resp["initiatedAt"] = row.InitiatedAt
		} else if !errors.Is(err, storage.ErrCallNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeSuccess(w, http.StatusOK, resp)
}

// ListLeads searches/pages the lead table.
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(q.Get("limit"), 50)
	rows, total, err := h.leads.Search(r.Context(), q.Get("search"), page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"leads": rows,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return def
	}
	return n
}
