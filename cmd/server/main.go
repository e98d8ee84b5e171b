// Package main runs the risk engine as an HTTP service:
// - Ingestion: trade events in, graduated control actions out
// - Monitoring: risk reads, Prometheus metrics, WebSocket event stream
// - Persistence: audit events to PostgreSQL, risk history to ClickHouse
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"amm-risk-engine/internal/aggregator"
	"amm-risk-engine/internal/controller"
	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/engine"
	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/liquidity"
	"amm-risk-engine/internal/notifier"
	"amm-risk-engine/internal/observability"
	"amm-risk-engine/internal/position"
	"amm-risk-engine/internal/registry"
	"amm-risk-engine/internal/storage"
	chstore "amm-risk-engine/internal/storage/clickhouse"
	"amm-risk-engine/internal/storage/memory"
	"amm-risk-engine/internal/storage/migrations"
	pgstore "amm-risk-engine/internal/storage/postgres"
	"amm-risk-engine/internal/stream"
	"amm-risk-engine/internal/volatility"
)

// Server holds the engine and its persistence sinks.
type Server struct {
	owner  string
	engine *engine.Engine
	hub    *stream.Hub
	logger *log.Logger

	auditStore   storage.AuditEventStore
	historyStore storage.RiskHistoryStore
	auditBuf     *storage.AuditBuffer
	historyBuf   *storage.HistoryBuffer

	mu      sync.Mutex
	started time.Time
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	listenAddr := flag.String("listen-addr", envOr("LISTEN_ADDR", ":8080"), "HTTP listen address")
	owner := flag.String("owner", os.Getenv("ENGINE_OWNER"), "Owner identity for privileged operations")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string (empty = in-memory audit store)")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (empty = in-memory history store)")
	flushInterval := flag.Duration("flush-interval", 5*time.Second, "Storage buffer flush interval")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if *owner == "" {
		logger.Fatal("--owner is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, cleanup, err := buildServer(ctx, *owner, *postgresDSN, *clickhouseDSN, logger)
	if err != nil {
		logger.Fatalf("Failed to build server: %v", err)
	}
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		srv.auditBuf.Run(ctx, *flushInterval)
	}()
	go func() {
		defer wg.Done()
		srv.historyBuf.Run(ctx, *flushInterval)
	}()

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.routes(),
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown: %v", err)
		}
		srv.hub.Close()
	}()

	logger.Printf("Listening on %s (owner=%s)", *listenAddr, *owner)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("HTTP server error: %v", err)
	}

	// Wait for buffer loops to drain their final flush.
	wg.Wait()
	logger.Println("Shutdown complete")
}

// buildServer wires the engine, event recorders, and storage backends.
func buildServer(ctx context.Context, owner, postgresDSN, clickhouseDSN string, logger *log.Logger) (*Server, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Audit events: PostgreSQL when configured, in-memory otherwise.
	var auditStore storage.AuditEventStore
	if postgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, nil, err
		}
		auditStore = pgstore.NewAuditEventStore(pool)
		logger.Println("Audit events: PostgreSQL")
	} else {
		auditStore = memory.NewAuditEventStore()
		logger.Println("Audit events: in-memory")
	}

	// Risk history: ClickHouse when configured, in-memory otherwise.
	var historyStore storage.RiskHistoryStore
	if clickhouseDSN != "" {
		conn, err := chstore.NewConn(ctx, clickhouseDSN)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { conn.Close() })
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			cleanup()
			return nil, nil, err
		}
		historyStore = chstore.NewRiskHistoryStore(conn)
		logger.Println("Risk history: ClickHouse")
	} else {
		historyStore = memory.NewRiskHistoryStore()
		logger.Println("Risk history: in-memory")
	}

	auditBuf := storage.NewAuditBuffer(auditStore)
	historyBuf := storage.NewHistoryBuffer(historyStore)
	hub := stream.NewHub(nil)

	recorder := events.MultiRecorder{
		observability.NewRecorder(nil),
		hub,
		auditBuf,
	}

	eng := engine.Build(owner, recorder)
	eng.Aggregator.SetHistorySink(historyBuf)

	srv := &Server{
		owner:        owner,
		engine:       eng,
		hub:          hub,
		logger:       logger,
		auditStore:   auditStore,
		historyStore: historyStore,
		auditBuf:     auditBuf,
		historyBuf:   historyBuf,
		started:      time.Now(),
	}
	return srv, cleanup, nil
}

// routes builds the HTTP surface.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", observability.Handler())
	mux.Handle("GET /ws", s.hub)

	// Registry
	mux.HandleFunc("POST /pools", s.instrument("register_pool", s.handleRegisterPool))
	mux.HandleFunc("PUT /pools/{pool}/params", s.instrument("update_params", s.handleUpdateParams))
	mux.HandleFunc("PUT /pools/params", s.instrument("batch_update_params", s.handleBatchUpdateParams))
	mux.HandleFunc("POST /pools/{pool}/activate", s.instrument("activate_pool", s.handleActivatePool))
	mux.HandleFunc("POST /pools/{pool}/deactivate", s.instrument("deactivate_pool", s.handleDeactivatePool))
	mux.HandleFunc("POST /pools/{pool}/managers", s.instrument("add_manager", s.handleAddManager))
	mux.HandleFunc("DELETE /pools/{pool}/managers/{manager}", s.instrument("remove_manager", s.handleRemoveManager))
	mux.HandleFunc("PUT /pools/{pool}/window", s.instrument("resize_window", s.handleResizeWindow))

	// Tokens
	mux.HandleFunc("PUT /tokens/{token}", s.instrument("set_token_info", s.handleSetTokenInfo))

	// Ingestion
	mux.HandleFunc("POST /events/trade", s.instrument("trade_event", s.handleTradeEvent))

	// Risk reads
	mux.HandleFunc("GET /pools/{pool}/risk", s.instrument("pool_risk", s.handlePoolRisk))
	mux.HandleFunc("GET /users/{user}/risk", s.instrument("user_risk", s.handleUserRisk))
	mux.HandleFunc("GET /risk/system", s.instrument("system_risk", s.handleSystemRisk))
	mux.HandleFunc("POST /pools/{pool}/risk/refresh", s.instrument("refresh_pool_cache", s.handleRefreshPoolCache))
	mux.HandleFunc("POST /users/{user}/risk/refresh", s.instrument("refresh_user_cache", s.handleRefreshUserCache))
	mux.HandleFunc("POST /risk/system/reset", s.instrument("reset_system_metrics", s.handleResetSystemMetrics))

	// Control
	mux.HandleFunc("POST /pools/{pool}/control", s.instrument("control_action", s.handleControlAction))
	mux.HandleFunc("GET /pools/{pool}/control", s.instrument("control_status", s.handleControlStatus))
	mux.HandleFunc("DELETE /pools/{pool}/control", s.instrument("reset_controls", s.handleResetControls))

	// Positions
	mux.HandleFunc("PUT /positions", s.instrument("update_position", s.handleUpdatePosition))
	mux.HandleFunc("PUT /positions/batch", s.instrument("batch_update_positions", s.handleBatchUpdatePositions))
	mux.HandleFunc("PUT /positions/risk", s.instrument("update_position_risk", s.handleUpdatePositionRisk))
	mux.HandleFunc("POST /positions/close", s.instrument("close_position", s.handleClosePosition))
	mux.HandleFunc("GET /users/{user}/positions", s.instrument("user_positions", s.handleUserPositions))

	// Notifications
	mux.HandleFunc("POST /notifications", s.instrument("notify", s.handleNotify))
	mux.HandleFunc("POST /notifications/batch", s.instrument("batch_notify", s.handleBatchNotify))
	mux.HandleFunc("GET /notifications/{user}", s.instrument("list_notifications", s.handleListNotifications))
	mux.HandleFunc("DELETE /notifications/{user}", s.instrument("clear_notifications", s.handleClearNotifications))
	mux.HandleFunc("POST /notifiers", s.instrument("add_notifier", s.handleAddNotifier))
	mux.HandleFunc("DELETE /notifiers/{sender}", s.instrument("remove_notifier", s.handleRemoveNotifier))

	// System pause
	mux.HandleFunc("POST /system/shutdown", s.instrument("shutdown", s.handleShutdown))
	mux.HandleFunc("POST /system/resume", s.instrument("resume", s.handleResume))

	// Persisted history
	mux.HandleFunc("GET /pools/{pool}/history", s.instrument("pool_history", s.handlePoolHistory))
	mux.HandleFunc("GET /pools/{pool}/events", s.instrument("pool_events", s.handlePoolEvents))

	return mux
}

// instrument records handler latency.
func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		observability.RecordRequest(name, time.Since(start).Seconds())
	}
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Status          string `json:"status"`
	Uptime          string `json:"uptime"`
	Paused          bool   `json:"paused"`
	RegisteredPools int    `json:"registered_pools"`
	StreamClients   int    `json:"stream_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:          "running",
		Uptime:          time.Since(started).String(),
		Paused:          s.engine.Paused(),
		RegisteredPools: len(s.engine.Registry.RegisteredPools()),
		StreamClients:   s.hub.ClientCount(),
	})
}

type thresholdsBody struct {
	VolatilityThreshold    int64 `json:"volatility_threshold_bps"`
	LiquidityThreshold     int64 `json:"liquidity_threshold"`
	ConcentrationThreshold int64 `json:"concentration_threshold_bps"`
}

func (t thresholdsBody) params(nowMs int64) domain.PoolRiskParameters {
	return domain.PoolRiskParameters{
		VolatilityThreshold:    t.VolatilityThreshold,
		LiquidityThreshold:     t.LiquidityThreshold,
		ConcentrationThreshold: t.ConcentrationThreshold,
		Active:                 true,
		UpdatedAt:              nowMs,
	}
}

func (s *Server) handleRegisterPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		Token0      string `json:"token0"`
		Token1      string `json:"token1"`
		FeeBps      uint32 `json:"fee_bps"`
		WindowSize  int    `json:"window_size"`
		TimestampMs int64  `json:"timestamp_ms"`
		thresholdsBody
	}
	if !decodeBody(w, r, &req) {
		return
	}
	nowMs := orNow(req.TimestampMs)
	pool, err := s.engine.RegisterPool(req.Caller, req.Token0, req.Token1, req.FeeBps, req.params(nowMs), req.WindowSize, nowMs)
	if err != nil {
		httpError(w, err)
		return
	}
	s.refreshPoolGauge()
	writeJSON(w, http.StatusCreated, map[string]string{"pool": pool})
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		TimestampMs int64  `json:"timestamp_ms"`
		thresholdsBody
	}
	if !decodeBody(w, r, &req) {
		return
	}
	nowMs := orNow(req.TimestampMs)
	if err := s.engine.UpdatePoolParams(req.Caller, r.PathValue("pool"), req.params(nowMs), nowMs); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleBatchUpdateParams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string           `json:"caller"`
		Pools       []string         `json:"pools"`
		Thresholds  []thresholdsBody `json:"thresholds"`
		TimestampMs int64            `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	nowMs := orNow(req.TimestampMs)
	params := make([]domain.PoolRiskParameters, len(req.Thresholds))
	for i, t := range req.Thresholds {
		params[i] = t.params(nowMs)
	}
	updated, err := s.engine.BatchUpdatePoolParams(req.Caller, req.Pools, params, nowMs)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) handleActivatePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ActivatePool(req.Caller, r.PathValue("pool")); err != nil {
		httpError(w, err)
		return
	}
	s.refreshPoolGauge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleDeactivatePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.DeactivatePool(req.Caller, r.PathValue("pool")); err != nil {
		httpError(w, err)
		return
	}
	s.refreshPoolGauge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

func (s *Server) handleAddManager(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller  string `json:"caller"`
		Manager string `json:"manager"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.AddManager(req.Caller, r.PathValue("pool"), req.Manager); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveManager(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.RemoveManager(req.Caller, r.PathValue("pool"), r.PathValue("manager")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleResizeWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size int `json:"size"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ResizeWindow(r.PathValue("pool"), req.Size); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
}

func (s *Server) handleSetTokenInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		MarketCap   string `json:"market_cap"`
		DailyVolume string `json:"daily_volume"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	marketCap, ok := parseBig(req.MarketCap)
	if !ok {
		badRequest(w, "market_cap must be a decimal integer")
		return
	}
	dailyVolume, ok := parseBig(req.DailyVolume)
	if !ok {
		badRequest(w, "daily_volume must be a decimal integer")
		return
	}
	if err := s.engine.SetTokenInfo(req.Caller, r.PathValue("token"), marketCap, dailyVolume, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "set"})
}

func (s *Server) handleTradeEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller         string `json:"caller"`
		Pool           string `json:"pool"`
		Price          string `json:"price"`
		TotalLiquidity string `json:"total_liquidity"`
		Token0         string `json:"token0"`
		Token1         string `json:"token1"`
		TickLower      int32  `json:"tick_lower"`
		TickUpper      int32  `json:"tick_upper"`
		TimestampMs    int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	price, ok := parseBig(req.Price)
	if !ok {
		badRequest(w, "price must be a decimal integer")
		return
	}
	liq, ok := parseBig(req.TotalLiquidity)
	if !ok {
		badRequest(w, "total_liquidity must be a decimal integer")
		return
	}
	err := s.engine.HandleTradeEvent(req.Caller, engine.TradeEvent{
		Pool:           req.Pool,
		Price:          price,
		TotalLiquidity: liq,
		Token0:         req.Token0,
		Token1:         req.Token1,
		TickLower:      req.TickLower,
		TickUpper:      req.TickUpper,
		TimestampMs:    orNow(req.TimestampMs),
	})
	if err != nil {
		observability.RecordTradeEventRejected(rejectionReason(err))
		httpError(w, err)
		return
	}
	observability.RecordTradeEvent()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

func (s *Server) handlePoolRisk(w http.ResponseWriter, r *http.Request) {
	score, err := s.engine.PoolRisk(r.PathValue("pool"), queryMs(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"score_bps": score})
}

func (s *Server) handleUserRisk(w http.ResponseWriter, r *http.Request) {
	score, err := s.engine.UserRisk(r.PathValue("user"), queryMs(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"score_bps": score})
}

func (s *Server) handleSystemRisk(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.SystemRisk(queryMs(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"total_risk_bps":  m.TotalRisk,
		"risk_count":      m.RiskCount,
		"high_risk_count": m.HighRiskCount,
		"last_update_ms":  m.LastUpdate,
	})
}

func (s *Server) handleRefreshPoolCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.RefreshPoolCache(req.Caller, r.PathValue("pool")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleRefreshUserCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.RefreshUserCache(req.Caller, r.PathValue("user")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleResetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ResetSystemMetrics(req.Caller); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleControlAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		Action      string `json:"action"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	action := domain.ControlAction(strings.ToUpper(req.Action))
	if err := s.engine.ExecuteControl(req.Caller, r.PathValue("pool"), action, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Controller.Status(r.PathValue("pool"))
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":          st.Paused,
		"throttled":       st.Throttled,
		"action_count":    st.ActionCount,
		"last_action":     string(st.LastAction),
		"last_action_ms":  st.LastActionMs,
		"throttle_end_ms": st.ThrottleEndMs,
	})
}

func (s *Server) handleResetControls(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ResetControls(req.Caller, r.PathValue("pool")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type positionBody struct {
	User        string `json:"user"`
	Pool        string `json:"pool"`
	Size        string `json:"size"`
	TickLower   int32  `json:"tick_lower"`
	TickUpper   int32  `json:"tick_upper"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func (s *Server) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		positionBody
	}
	if !decodeBody(w, r, &req) {
		return
	}
	size, ok := parseBig(req.Size)
	if !ok {
		badRequest(w, "size must be a decimal integer")
		return
	}
	if err := s.engine.UpdatePosition(req.Caller, req.User, req.Pool, size, req.TickLower, req.TickUpper, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleBatchUpdatePositions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string         `json:"caller"`
		Positions   []positionBody `json:"positions"`
		TimestampMs int64          `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	users := make([]string, len(req.Positions))
	pools := make([]string, len(req.Positions))
	sizes := make([]*big.Int, len(req.Positions))
	lowers := make([]int32, len(req.Positions))
	uppers := make([]int32, len(req.Positions))
	for i, p := range req.Positions {
		size, ok := parseBig(p.Size)
		if !ok {
			badRequest(w, "size must be a decimal integer")
			return
		}
		users[i], pools[i], sizes[i], lowers[i], uppers[i] = p.User, p.Pool, size, p.TickLower, p.TickUpper
	}
	if err := s.engine.BatchUpdatePositions(req.Caller, users, pools, sizes, lowers, uppers, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.Positions)})
}

func (s *Server) handleUpdatePositionRisk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		User        string `json:"user"`
		Pool        string `json:"pool"`
		ScoreBps    int64  `json:"score_bps"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.UpdatePositionRisk(req.Caller, req.User, req.Pool, req.ScoreBps, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User        string `json:"user"`
		Pool        string `json:"pool"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.CloseRiskyPosition(req.User, req.Pool, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleUserPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.Positions.UserPositions(r.PathValue("user"))
	type positionResponse struct {
		Pool         string `json:"pool"`
		Size         string `json:"size"`
		TickLower    int32  `json:"tick_lower"`
		TickUpper    int32  `json:"tick_upper"`
		RiskScoreBps int64  `json:"risk_score_bps"`
		LastUpdateMs int64  `json:"last_update_ms"`
	}
	resp := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		resp = append(resp, positionResponse{
			Pool:         p.Pool,
			Size:         p.Size.String(),
			TickLower:    p.TickLower,
			TickUpper:    p.TickUpper,
			RiskScoreBps: p.RiskScore,
			LastUpdateMs: p.LastUpdate,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		User        string `json:"user"`
		Level       int    `json:"level"`
		Message     string `json:"message"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Notify(req.Caller, req.User, req.Level, req.Message, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "sent"})
}

func (s *Server) handleBatchNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string   `json:"caller"`
		Users       []string `json:"users"`
		Level       int      `json:"level"`
		Message     string   `json:"message"`
		TimestampMs int64    `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sent, err := s.engine.BatchNotify(req.Caller, req.Users, req.Level, req.Message, orNow(req.TimestampMs))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list := s.engine.Notifier.Notifications(r.PathValue("user"))
	type notificationResponse struct {
		Level       int    `json:"level"`
		Message     string `json:"message"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	resp := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		resp = append(resp, notificationResponse{Level: n.Level, Message: n.Message, TimestampMs: n.Timestamp})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	maxAgeMs, err := strconv.ParseInt(r.URL.Query().Get("max_age_ms"), 10, 64)
	if err != nil {
		badRequest(w, "max_age_ms query parameter is required")
		return
	}
	removed, err := s.engine.ClearExpiredNotifications(r.PathValue("user"), maxAgeMs, queryMs(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleAddNotifier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Sender string `json:"sender"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Notifier.AddNotifier(req.Caller, req.Sender); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveNotifier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Notifier.RemoveNotifier(req.Caller, r.PathValue("sender")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.EmergencyShutdown(req.Caller, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	observability.SetSystemPaused(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ResumeOperations(req.Caller, orNow(req.TimestampMs)); err != nil {
		httpError(w, err)
		return
	}
	observability.SetSystemPaused(false)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handlePoolHistory(w http.ResponseWriter, r *http.Request) {
	// Flush so the read reflects points buffered since the last tick.
	if err := s.historyBuf.Flush(r.Context()); err != nil {
		s.logger.Printf("history flush: %v", err)
	}

	pool := r.PathValue("pool")
	q := r.URL.Query()
	var points []*domain.RiskHistoryPoint
	var err error
	if q.Has("start_ms") || q.Has("end_ms") {
		start, _ := strconv.ParseInt(q.Get("start_ms"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("end_ms"), 10, 64)
		points, err = s.historyStore.GetByTimeRange(r.Context(), pool, start, end)
	} else {
		points, err = s.historyStore.GetByPool(r.Context(), pool)
	}
	if err != nil {
		httpError(w, err)
		return
	}

	type historyResponse struct {
		TimestampMs        int64 `json:"timestamp_ms"`
		CompositeScoreBps  int64 `json:"composite_score_bps"`
		VolatilityScoreBps int64 `json:"volatility_score_bps"`
		LiquidityRiskBps   int64 `json:"liquidity_risk_bps"`
		PositionScoreBps   int64 `json:"position_score_bps"`
	}
	resp := make([]historyResponse, 0, len(points))
	for _, p := range points {
		resp = append(resp, historyResponse{
			TimestampMs:        p.TimestampMs,
			CompositeScoreBps:  p.CompositeScore,
			VolatilityScoreBps: p.VolatilityScore,
			LiquidityRiskBps:   p.LiquidityRisk,
			PositionScoreBps:   p.PositionScore,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoolEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.auditBuf.Flush(r.Context()); err != nil {
		s.logger.Printf("audit flush: %v", err)
	}

	evs, err := s.auditStore.GetByPool(r.Context(), r.PathValue("pool"))
	if err != nil {
		httpError(w, err)
		return
	}

	type eventResponse struct {
		Type        string `json:"type"`
		User        string `json:"user,omitempty"`
		Action      string `json:"action,omitempty"`
		ScoreBps    int64  `json:"score_bps,omitempty"`
		Level       int    `json:"level,omitempty"`
		Value       string `json:"value,omitempty"`
		Message     string `json:"message,omitempty"`
		TimestampMs int64  `json:"timestamp_ms"`
	}
	resp := make([]eventResponse, 0, len(evs))
	for _, ev := range evs {
		resp = append(resp, eventResponse{
			Type:        string(ev.Type),
			User:        ev.User,
			Action:      ev.Action,
			ScoreBps:    ev.Score,
			Level:       ev.Level,
			Value:       ev.Value,
			Message:     ev.Message,
			TimestampMs: ev.TimestampMs,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// refreshPoolGauge recounts active pools after registry mutations.
func (s *Server) refreshPoolGauge() {
	active := 0
	for _, pool := range s.engine.Registry.RegisteredPools() {
		if s.engine.Registry.IsActive(pool) {
			active++
		}
	}
	observability.DefaultMetrics.ActivePools.Set(float64(active))
}

// rejectionReason buckets trade-event failures for the rejected counter.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrSystemPaused):
		return "system_paused"
	case errors.Is(err, engine.ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, registry.ErrNotAuthorized):
		return "unauthorized"
	case errors.Is(err, registry.ErrPoolInactive), errors.Is(err, registry.ErrNeverRegistered):
		return "pool_inactive"
	case errors.Is(err, liquidity.ErrZeroLiquidity),
		errors.Is(err, liquidity.ErrInvalidTickRange),
		errors.Is(err, liquidity.ErrInvalidPrice),
		errors.Is(err, volatility.ErrInvalidPrice):
		return "invalid_input"
	case errors.Is(err, liquidity.ErrMarketCapUnset):
		return "market_cap_unset"
	default:
		return "other"
	}
}

// httpError maps module sentinel errors to HTTP status codes.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrSystemPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrNotOwner),
		errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, registry.ErrNotAuthorized),
		errors.Is(err, position.ErrNotOwner),
		errors.Is(err, notifier.ErrNotOwner),
		errors.Is(err, notifier.ErrNotAuthorized),
		errors.Is(err, controller.ErrNotOwner),
		errors.Is(err, aggregator.ErrNotOwner),
		errors.Is(err, liquidity.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrNeverRegistered),
		errors.Is(err, controller.ErrPoolNotRegistered),
		errors.Is(err, position.ErrNotFound),
		errors.Is(err, liquidity.ErrUnknownToken),
		errors.Is(err, volatility.ErrNotInitialized),
		errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, controller.ErrCooldownActive),
		errors.Is(err, controller.ErrAlreadyThrottled),
		errors.Is(err, controller.ErrAlreadyPaused),
		errors.Is(err, engine.ErrReentrantCall),
		errors.Is(err, position.ErrReentrantCall),
		errors.Is(err, notifier.ErrQueueFull),
		errors.Is(err, aggregator.ErrStaleMetrics),
		errors.Is(err, volatility.ErrAlreadyInitialized):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrPoolInactive),
		errors.Is(err, aggregator.ErrPoolInactive),
		errors.Is(err, registry.ErrZeroThreshold),
		errors.Is(err, registry.ErrLengthMismatch),
		errors.Is(err, position.ErrInvalidSize),
		errors.Is(err, position.ErrInvalidTickRange),
		errors.Is(err, position.ErrScoreOutOfRange),
		errors.Is(err, position.ErrNotHighRisk),
		errors.Is(err, position.ErrLengthMismatch),
		errors.Is(err, notifier.ErrInvalidLevel),
		errors.Is(err, notifier.ErrEmptyMessage),
		errors.Is(err, controller.ErrUnknownAction),
		errors.Is(err, liquidity.ErrZeroLiquidity),
		errors.Is(err, liquidity.ErrInvalidPrice),
		errors.Is(err, liquidity.ErrInvalidTickRange),
		errors.Is(err, liquidity.ErrMarketCapUnset),
		errors.Is(err, volatility.ErrInvalidPrice),
		errors.Is(err, volatility.ErrWindowTooSmall),
		errors.Is(err, volatility.ErrInsufficientSamples),
		errors.Is(err, storage.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// parseBig parses a non-negative decimal integer string.
func parseBig(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// orNow substitutes the server clock when the caller omits a timestamp.
func orNow(ms int64) int64 {
	if ms > 0 {
		return ms
	}
	return time.Now().UnixMilli()
}

// queryMs reads the optional now_ms query parameter.
func queryMs(r *http.Request) int64 {
	ms, _ := strconv.ParseInt(r.URL.Query().Get("now_ms"), 10, 64)
	return orNow(ms)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
