package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/internal/pnl"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

const healthProbeTimeout = 3 * time.Second

// Controller is the engine surface the API drives.
type Controller interface {
	Create(cfg types.StrategyConfig) (*types.InstanceRecord, error)
	StartInstance(id string) error
	Stop(id string) error
	Reset(id string) error
	Delete(id string) error
	ForceExit(id string) (*types.ForceExitResult, error)
	Get(id string) (*types.InstanceRecord, error)
	List() []*types.InstanceRecord
}

// Reporter serves the P&L projections.
type Reporter interface {
	Instance(id string) (*pnl.InstanceDetail, error)
	All() ([]*pnl.InstanceReport, error)
	Summary() (*pnl.Summary, error)
	Lifecycle(id string) (*types.LifecycleRecord, error)
	LifecycleSummary() (*pnl.LifecycleSummary, error)
}

// HealthProber reports chain reachability for the readiness endpoint.
type HealthProber interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	eng      Controller
	reports  Reporter
	health   HealthProber
	hub      *Hub
	cfg      config.APIConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandlers(eng Controller, reports Reporter, health HealthProber, hub *Hub,
	cfg config.APIConfig, logger *slog.Logger) *Handlers {
	h := &Handlers{
		eng:     eng,
		reports: reports,
		health:  health,
		hub:     hub,
		cfg:     cfg,
		logger:  logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed gates WebSocket upgrades. With an allowlist configured only
// exact matches pass; otherwise local and same-host origins are accepted.
func isOriginAllowed(origin string, cfg config.APIConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}

// ————————————————————————————————————————————————————————————————————————
// Envelope
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeFault(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &apiError{Kind: string(kind), Message: err.Error()},
	})
}

func (h *Handlers) respondInstance(w http.ResponseWriter, id string) {
	rec, err := h.eng.Get(id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, rec)
}

// ————————————————————————————————————————————————————————————————————————
// Strategy control
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg types.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeFault(w, types.WrapFault(types.KindInvalidConfig, err, "malformed strategy body"))
		return
	}
	rec, err := h.eng.Create(cfg)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, rec)
}

func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, h.eng.List())
}

func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.respondInstance(w, r.PathValue("id"))
}

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.eng.StartInstance(id); err != nil {
		h.writeFault(w, err)
		return
	}
	h.respondInstance(w, id)
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.eng.Stop(id); err != nil {
		h.writeFault(w, err)
		return
	}
	h.respondInstance(w, id)
}

func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.eng.Reset(id); err != nil {
		h.writeFault(w, err)
		return
	}
	h.respondInstance(w, id)
}

func (h *Handlers) HandleForceExit(w http.ResponseWriter, r *http.Request) {
	result, err := h.eng.ForceExit(r.PathValue("id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, result)
}

func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.eng.Delete(id); err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, types.DeletedData{InstanceID: id})
}

// ————————————————————————————————————————————————————————————————————————
// Profit & loss
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.reports.Summary()
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, sum)
}

func (h *Handlers) HandleAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reports.All()
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, reports)
}

func (h *Handlers) HandleInstanceReport(w http.ResponseWriter, r *http.Request) {
	detail, err := h.reports.Instance(r.PathValue("id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, detail)
}

func (h *Handlers) HandleLifecycle(w http.ResponseWriter, r *http.Request) {
	lc, err := h.reports.Lifecycle(r.PathValue("id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, lc)
}

func (h *Handlers) HandleLifecycleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.reports.LifecycleSummary()
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeData(w, sum)
}

// ————————————————————————————————————————————————————————————————————————
// Readiness
// ————————————————————————————————————————————————————————————————————————

// HandleHealthz answers 200 with the chain head when reachable and 503 when
// the RPC ladder is down, so orchestrators stop routing to a blind process.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	block, err := h.health.BlockNumber(ctx)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(envelope{
			Success: false,
			Error:   &apiError{Kind: string(types.KindOf(err)), Message: "chain unreachable: " + err.Error()},
		})
		return
	}
	json.NewEncoder(w).Encode(envelope{
		Success: true,
		Data:    HealthStatus{Status: "ok", Block: block},
	})
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket
// ————————————————————————————————————————————————————————————————————————

// HandleWebSocket upgrades the connection and primes it with a snapshot so
// the client renders current state before the first live frame.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	data, err := json.Marshal(snapshotFrame(h.eng.List()))
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("snapshot dropped, client queue full")
	}
}
