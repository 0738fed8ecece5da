// Package gateway is the HTTP and WebSocket surface of the fabric:
// message ingestion with request-level idempotency, turn inspection, and
// the live fabric event stream.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/ledger"
	"github.com/basket/turnfabric/internal/orchestrator"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/turn"
	"github.com/google/uuid"
)

const maxReplayEvents = 64

type Config struct {
	Store  *persistence.Store
	Orch   *orchestrator.Orchestrator
	Ledger *ledger.Ledger
	Bus    *bus.Bus
	Logger *slog.Logger

	AuthToken string
	// RatePerTenant is requests/second per tenant; 0 disables limiting.
	RatePerTenant float64
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	limits *tenantLimiter
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		limits: newTenantLimiter(cfg.RatePerTenant),
	}
}

// Handler builds the full route table with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/messages", s.handleSubmitMessage)
	mux.HandleFunc("GET /v1/turns/{id}", s.handleGetTurn)
	mux.HandleFunc("GET /v1/sessions/{key}/turns", s.handleListSessionTurns)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	return s.withAuth(mux)
}

type submitRequest struct {
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	CustomerID string `json:"customer_id"`
	Channel    string `json:"channel"`
	Text       string `json:"text"`
	// MessageID is optional; one is minted when absent.
	MessageID string `json:"message_id,omitempty"`
	// IdempotencyKey dedupes retried requests. Derived from MessageID
	// when absent.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type submitResponse struct {
	TurnID      string `json:"turn_id"`
	TurnGroupID string `json:"turn_group_id"`
	Disposition string `json:"disposition"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key := turn.SessionKey{
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		CustomerID: req.CustomerID,
		Channel:    req.Channel,
	}
	if _, err := turn.ParseSessionKey(key.String()); err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id, agent_id, customer_id, channel are required and must not contain ':'")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if !s.limits.allow(req.TenantID) {
		writeError(w, http.StatusTooManyRequests, "tenant rate limit exceeded")
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = "msg:" + req.MessageID
	}

	fingerprint := requestFingerprint(req)
	out, err := s.cfg.Ledger.ReserveRequest(r.Context(), req.TenantID, idemKey, fingerprint)
	if err != nil {
		if errors.Is(err, turn.ErrIdempotencyConflict) {
			writeError(w, http.StatusConflict, "idempotency key reused with a different payload")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "idempotency storage unavailable")
		return
	}
	requestKey := ledger.RequestKey(req.TenantID, idemKey)
	switch out.State {
	case persistence.ReservationDone:
		// Duplicate request: replay the stored response verbatim.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out.CachedResult))
		return
	case persistence.ReservationInFlight:
		writeError(w, http.StatusConflict, "request already in flight")
		return
	}

	res, err := s.cfg.Orch.Submit(r.Context(), turn.Message{
		ID:         req.MessageID,
		SessionKey: key,
		Text:       req.Text,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		_ = s.cfg.Ledger.ReleaseOnFailure(r.Context(), persistence.LayerRequest, requestKey)
		if errors.Is(err, turn.ErrLockTimeout) {
			writeError(w, http.StatusServiceUnavailable, "session busy, retry later")
			return
		}
		s.logger.Error("message submission failed", "session_key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	body := submitResponse{
		TurnID:      res.TurnID,
		TurnGroupID: res.TurnGroupID,
		Disposition: string(res.Disposition),
	}
	raw, _ := json.Marshal(body)
	if err := s.cfg.Ledger.Complete(r.Context(), persistence.LayerRequest, requestKey, string(raw)); err != nil {
		s.logger.Warn("request idempotency completion failed", "key", requestKey, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(raw)
}

type turnView struct {
	ID               string     `json:"id"`
	TurnGroupID      string     `json:"turn_group_id"`
	SessionKey       string     `json:"session_key"`
	Status           string     `json:"status"`
	CompletionReason string     `json:"completion_reason,omitempty"`
	MessageIDs       []string   `json:"message_ids"`
	SupersededBy     string     `json:"superseded_by,omitempty"`
	SupersededFrom   string     `json:"superseded_from,omitempty"`
	IrreversibleAt   *time.Time `json:"irreversible_effect_at,omitempty"`
	Response         string     `json:"response,omitempty"`
	FirstAt          time.Time  `json:"first_at"`
	LastAt           time.Time  `json:"last_at"`
}

func viewOf(lt *turn.LogicalTurn) turnView {
	return turnView{
		ID:               lt.ID,
		TurnGroupID:      lt.TurnGroupID,
		SessionKey:       lt.SessionKey.String(),
		Status:           string(lt.Status),
		CompletionReason: string(lt.CompletionReason),
		MessageIDs:       lt.MessageIDs,
		SupersededBy:     lt.SupersededBy,
		SupersededFrom:   lt.SupersededFrom,
		IrreversibleAt:   lt.IrreversibleEffectAt,
		Response:         lt.Response,
		FirstAt:          lt.FirstAt,
		LastAt:           lt.LastAt,
	}
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	lt, err := s.cfg.Store.GetTurn(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "turn lookup failed")
		return
	}
	if lt == nil {
		writeError(w, http.StatusNotFound, "turn not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(lt))
}

func (s *Server) handleListSessionTurns(w http.ResponseWriter, r *http.Request) {
	sessionKey := r.PathValue("key")
	if _, err := turn.ParseSessionKey(sessionKey); err != nil {
		writeError(w, http.StatusBadRequest, "malformed session key")
		return
	}
	turns, err := s.cfg.Store.ListTurnsBySession(r.Context(), sessionKey, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "turn listing failed")
		return
	}
	views := make([]turnView, 0, len(turns))
	for _, lt := range turns {
		views = append(views, viewOf(lt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": views})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	accumulating, processing, complete, superseded, err := s.cfg.Store.TurnCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"turns": map[string]int{
			"accumulating": accumulating,
			"processing":   processing,
			"complete":     complete,
			"superseded":   superseded,
		},
		"active_sessions": s.cfg.Orch.ActiveSessions(),
	})
}

func requestFingerprint(req submitRequest) string {
	sum := sha256.Sum256([]byte(req.TenantID + "\x00" + req.AgentID + "\x00" + req.CustomerID +
		"\x00" + req.Channel + "\x00" + req.MessageID + "\x00" + req.Text))
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs the HTTP server until ctx is done.
func (s *Server) Serve(addr string) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway listening", "addr", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server stopped", "error", err)
		}
	}()
	return srv, nil
}
