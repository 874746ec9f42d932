// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/backtester"
	"github.com/atlas-desktop/trading-engine/internal/data"
	"github.com/atlas-desktop/trading-engine/internal/events"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/live"
	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/internal/telemetry"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the listener
type Config struct {
	Host         string
	Port         int
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dependencies are the components the server exposes. Only Session is
// required; routes for missing components are not registered.
type Dependencies struct {
	Session   *live.Session
	Bus       *events.EventBus
	Collector *telemetry.Collector
	Store     *data.Store
	Registry  *strategy.Registry
	Backtest  types.BacktestConfig
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     Config
	deps       Dependencies
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	backtests  map[string]*BacktestState
}

// BacktestState tracks a backtest started through the API
type BacktestState struct {
	ID       string               `json:"id"`
	Strategy string               `json:"strategy"`
	Symbol   string               `json:"symbol"`
	Status   string               `json:"status"`
	Started  time.Time            `json:"started"`
	Finished time.Time            `json:"finished,omitempty"`
	Error    string               `json:"error,omitempty"`
	Result   *types.MetricsReport `json:"result,omitempty"`

	cancel context.CancelFunc
}

// Backtest statuses
const (
	BacktestRunning   = "running"
	BacktestCompleted = "completed"
	BacktestFailed    = "failed"
	BacktestCancelled = "cancelled"
)

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config Config, deps Dependencies) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		deps:      deps,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		backtests: make(map[string]*BacktestState),
	}
	if deps.Bus != nil {
		s.hub.Attach(deps.Bus)
	}
	s.setupRoutes()
	return s
}

// Router exposes the route table, for tests and embedding
func (s *Server) Router() *mux.Router { return s.router }

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub { return s.hub }

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/portfolio", s.handleGetPortfolio).Methods("GET")
	v1.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	v1.HandleFunc("/positions/{symbol:.+}", s.handleGetPosition).Methods("GET")
	v1.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	v1.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	v1.HandleFunc("/orders/bracket", s.handleSubmitBracket).Methods("POST")
	v1.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	v1.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	v1.HandleFunc("/risk", s.handleGetRisk).Methods("GET")
	v1.Handle("/ws", s.hub)

	if s.deps.Store != nil {
		v1.HandleFunc("/data/symbols", s.handleGetSymbols).Methods("GET")
		v1.HandleFunc("/data/history/{symbol:.+}", s.handleGetHistory).Methods("GET")
	}
	if s.deps.Store != nil && s.deps.Registry != nil {
		v1.HandleFunc("/strategies", s.handleGetStrategies).Methods("GET")
		v1.HandleFunc("/backtest/run", s.handleRunBacktest).Methods("POST")
		v1.HandleFunc("/backtest/{id}", s.handleGetBacktest).Methods("GET")
		v1.HandleFunc("/backtest/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
		v1.HandleFunc("/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")
	}
	if s.deps.Collector != nil {
		s.router.Handle("/metrics", s.deps.Collector.Handler()).Methods("GET")
	}
}

// Handler wraps the router in the CORS policy
func (s *Server) Handler() http.Handler {
	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start runs the hub and serves until Stop. It blocks.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	go s.hub.Run(ctx)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running backtests and gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, state := range s.backtests {
		if state.cancel != nil {
			state.cancel()
		}
	}
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"session": s.deps.Session.IsRunning(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p := s.deps.Session.Portfolio()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":    p.Snapshot(),
		"realizedPnl": p.RealizedPnL(),
		"commissions": p.Commissions(),
		"drawdown":    p.Drawdown(),
		"trades":      len(p.Trades()),
		"orders":      s.deps.Session.Orders().Stats(),
		"session":     s.deps.Session.Stats(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Session.Portfolio().Positions())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	pos, ok := s.deps.Session.Orders().GetPosition(symbol)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no open position in "+symbol)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

// handleGetOrders lists orders, newest first. ?open=true lists working
// orders only; ?symbol filters; ?limit caps the history.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	orders := s.deps.Session.Orders()

	if open, _ := strconv.ParseBool(q.Get("open")); open {
		s.writeJSON(w, http.StatusOK, orders.GetOpenOrders(symbol))
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, orders.GetOrderHistory(symbol, limit))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, ok := s.deps.Session.Orders().GetOrder(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// OrderRequest is the body of POST /api/v1/orders
type OrderRequest struct {
	Symbol       string            `json:"symbol"`
	Side         types.OrderSide   `json:"side"`
	Type         types.OrderType   `json:"type"`
	Quantity     decimal.Decimal   `json:"quantity"`
	Price        decimal.Decimal   `json:"price"`
	StopPrice    decimal.Decimal   `json:"stopPrice"`
	TrailPercent decimal.Decimal   `json:"trailPercent"`
	TimeInForce  types.TimeInForce `json:"timeInForce"`
	ReduceOnly   bool              `json:"reduceOnly"`
}

// handleSubmitOrder answers 201 with the working or filled order, or 422
// with the rejected order and the reason.
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := s.deps.Session.Orders().Submit(types.Order{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		TrailPercent: req.TrailPercent,
		TimeInForce:  req.TimeInForce,
		ReduceOnly:   req.ReduceOnly,
	})
	if err != nil {
		s.logger.Warn("Order rejected", zap.String("symbol", req.Symbol), zap.Error(err))
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"order": order,
			"error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

// BracketRequest is the body of POST /api/v1/orders/bracket
type BracketRequest struct {
	Symbol     string          `json:"symbol"`
	Side       types.OrderSide `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	Timeout    string          `json:"timeout"`
}

func (s *Server) handleSubmitBracket(w http.ResponseWriter, r *http.Request) {
	var req BracketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	result, err := s.deps.Session.Orders().CreateBracket(r.Context(), execution.BracketRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Timeout:    timeout,
	})
	switch {
	case errors.Is(err, execution.ErrBracketTimeout), errors.Is(err, execution.ErrBracketEntryClosed):
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"bracket": result, "error": err.Error()})
	case err != nil:
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"bracket": result, "error": err.Error()})
	default:
		s.writeJSON(w, http.StatusCreated, result)
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.deps.Session.Orders().Cancel(id)
	switch {
	case errors.Is(err, execution.ErrOrderNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, execution.ErrOrderTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		order, _ := s.deps.Session.Orders().GetOrder(id)
		s.writeJSON(w, http.StatusOK, order)
	}
}

func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Session.Assess())
}

// handleGetSymbols returns symbols with stored bars
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.deps.Store.Symbols()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": symbols})
}

// handleGetHistory returns stored bars for a symbol, optionally bounded by
// RFC3339 start and end query parameters
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	bars, err := s.deps.Store.LoadBars(symbol)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	q := r.URL.Query()
	var start, end time.Time
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid end")
			return
		}
	}

	out := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"bars":   out,
		"count":  len(out),
	})
}

func (s *Server) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": s.deps.Registry.List()})
}

// BacktestRequest is the body of POST /api/v1/backtest/run
type BacktestRequest struct {
	Strategy string                `json:"strategy"`
	Params   map[string]float64    `json:"params"`
	Symbol   string                `json:"symbol"`
	Config   *types.BacktestConfig `json:"config,omitempty"`
}

// handleRunBacktest starts a backtest over stored bars in the background
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	strat, err := s.deps.Registry.Create(req.Strategy, req.Params)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := s.deps.Backtest
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bars, err := s.deps.Store.LoadBars(req.Symbol)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &BacktestState{
		ID:       uuid.New().String(),
		Strategy: strat.Name(),
		Symbol:   req.Symbol,
		Status:   BacktestRunning,
		Started:  time.Now(),
		cancel:   cancel,
	}

	s.mu.Lock()
	s.backtests[state.ID] = state
	s.mu.Unlock()

	go s.runBacktest(ctx, state, strat, bars, cfg)

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      state.ID,
		"status":  BacktestRunning,
		"started": state.Started.Unix(),
	})
}

func (s *Server) runBacktest(ctx context.Context, state *BacktestState, strat strategy.Strategy, bars []types.Bar, cfg types.BacktestConfig) {
	defer state.cancel()
	report, err := backtester.RunBacktest(ctx, strat, bars, state.Symbol, cfg, backtester.WithLogger(s.logger))

	s.mu.Lock()
	state.Finished = time.Now()
	switch {
	case errors.Is(err, context.Canceled):
		state.Status = BacktestCancelled
	case err != nil:
		state.Status = BacktestFailed
		state.Error = err.Error()
		s.logger.Error("Backtest failed", zap.String("id", state.ID), zap.Error(err))
	default:
		state.Status = BacktestCompleted
		state.Result = &report
	}
	summary := map[string]interface{}{"id": state.ID, "status": state.Status}
	s.mu.Unlock()

	s.hub.PublishToChannel(ChannelBacktests, MsgTypeBacktest, summary)
}

func (s *Server) backtest(id string) (BacktestState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.backtests[id]
	if !ok {
		return BacktestState{}, false
	}
	return *state, true
}

// handleGetBacktest returns a backtest's status and, once complete, its
// report without the trade list
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.backtest(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if state.Result != nil {
		summary := *state.Result
		summary.Trades = nil
		summary.EquityCurve = nil
		state.Result = &summary
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleGetBacktestTrades returns trades from a completed backtest
func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, ok := s.backtest(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if state.Result == nil {
		s.writeError(w, http.StatusConflict, "backtest not complete")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"trades": state.Result.Trades,
		"count":  len(state.Result.Trades),
	})
}

// handleCancelBacktest cancels a running backtest
func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	state, ok := s.backtests[id]
	var running bool
	if ok {
		running = state.Status == BacktestRunning
	}
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if !running {
		s.writeError(w, http.StatusConflict, "backtest not running")
		return
	}
	state.cancel()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}
