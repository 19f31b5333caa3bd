package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/models"
	"github.com/gregtusar/papertrader/pkg/simexchange"
	"github.com/gregtusar/papertrader/pkg/terminal"
)

type Server struct {
	session  *terminal.Session
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
	port     string
}

func NewServer(session *terminal.Session, gatherer prometheus.Gatherer, logger *logrus.Logger, port string) *Server {
	return &Server{
		session:  session,
		gatherer: gatherer,
		logger:   logger,
		port:     port,
	}
}

// Handler returns the router with every API route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/orderbook", s.handleOrderBook)
		r.Get("/candles", s.handleCandles)
		r.Get("/positions", s.handlePositions)
		r.Get("/positions/history", s.handleHistory)
		r.Post("/positions/{id}/close", s.handleClosePosition)
		r.Get("/wallets", s.handleWallets)
		r.Post("/wallet/reset", s.handleResetWallet)
		r.Post("/refresh", s.handleRefresh)

		r.Put("/symbol", s.handleSetSymbol)
		r.Put("/interval", s.handleSetInterval)

		r.Post("/orders/futures/estimate", s.handleEstimateFutures)
		r.Post("/orders/spot/estimate", s.handleEstimateSpot)
		r.Post("/orders/futures", s.handleSubmitFutures)
		r.Post("/orders/spot", s.handleSubmitSpot)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %s", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	symbol, interval := s.session.Key()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"symbol":    symbol,
		"interval":  interval,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.OrderBook().Snapshot())
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Candles().Series())
}

type positionsResponse struct {
	Positions []models.PositionView `json:"positions"`
	Freshness terminal.Freshness    `json:"freshness"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	rec := s.session.Reconciler()
	s.writeJSON(w, http.StatusOK, positionsResponse{
		Positions: rec.Positions(),
		Freshness: rec.Freshness().Positions,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rec := s.session.Reconciler()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": rec.PositionHistory(),
		"freshness": rec.Freshness().History,
	})
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	rec := s.session.Reconciler()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallets":   rec.Wallets(),
		"freshness": rec.Freshness().Wallets,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.session.Reconciler().Invalidate(r.Context())
	fresh := s.session.Reconciler().Freshness()
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":     err.Error(),
			"freshness": fresh,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, fresh)
}

type symbolRequest struct {
	Symbol string `json:"symbol"`
}

type intervalRequest struct {
	Interval string `json:"interval"`
}

func (s *Server) handleSetSymbol(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.session.SetSymbol(req.Symbol); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleHealth(w, r)
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.session.SetInterval(req.Interval); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleHealth(w, r)
}

type estimateResponse struct {
	models.PendingOrderEstimate
	Violation string `json:"violation,omitempty"`
}

func toEstimateResponse(est models.PendingOrderEstimate) estimateResponse {
	resp := estimateResponse{PendingOrderEstimate: est}
	if est.Violation != nil {
		resp.Violation = est.Violation.Error()
	}
	return resp
}

func (s *Server) handleEstimateFutures(w http.ResponseWriter, r *http.Request) {
	var draft terminal.FuturesDraft
	if !s.decode(w, r, &draft) {
		return
	}
	entry := s.session.OrderEntry()
	entry.SetFuturesDraft(draft)
	s.writeJSON(w, http.StatusOK, toEstimateResponse(entry.EstimateFutures()))
}

func (s *Server) handleEstimateSpot(w http.ResponseWriter, r *http.Request) {
	var draft terminal.SpotDraft
	if !s.decode(w, r, &draft) {
		return
	}
	entry := s.session.OrderEntry()
	entry.SetSpotDraft(draft)
	s.writeJSON(w, http.StatusOK, toEstimateResponse(entry.EstimateSpot()))
}

type orderResponse struct {
	ClientOrderID string                    `json:"client_order_id"`
	Confirmation  *models.OrderConfirmation `json:"confirmation"`
}

func (s *Server) handleSubmitFutures(w http.ResponseWriter, r *http.Request) {
	var draft terminal.FuturesDraft
	if !s.decode(w, r, &draft) {
		return
	}
	conf, err := s.session.OrderEntry().SubmitFutures(r.Context(), draft)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, orderResponse{ClientOrderID: conf.ClientOrderID, Confirmation: conf})
}

func (s *Server) handleSubmitSpot(w http.ResponseWriter, r *http.Request) {
	var draft terminal.SpotDraft
	if !s.decode(w, r, &draft) {
		return
	}
	conf, err := s.session.OrderEntry().SubmitSpot(r.Context(), draft)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, orderResponse{ClientOrderID: conf.ClientOrderID, Confirmation: conf})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid position id", http.StatusBadRequest)
		return
	}
	conf, err := s.session.OrderEntry().ClosePosition(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conf)
}

func (s *Server) handleResetWallet(w http.ResponseWriter, r *http.Request) {
	msg, err := s.session.OrderEntry().ResetWallet(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type errorResponse struct {
	Error  string                   `json:"error"`
	Fields []simexchange.FieldError `json:"fields,omitempty"`
}

// writeError maps domain errors onto HTTP statuses. Backend rejections keep
// their message verbatim.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		orderErr *simexchange.OrderError
		apiErr   *simexchange.APIError
	)

	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	switch {
	case errors.As(err, &orderErr):
		status = http.StatusUnprocessableEntity
		resp.Fields = orderErr.Fields
	case errors.Is(err, terminal.ErrSubmitInFlight):
		status = http.StatusConflict
	case errors.Is(err, terminal.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, simexchange.ErrUnauthorized), errors.As(err, &apiErr):
		status = http.StatusBadGateway
	case isValidationError(err):
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Warn("Request failed")
	}
	s.writeJSON(w, status, resp)
}

func isValidationError(err error) bool {
	for _, target := range []error{
		terminal.ErrInvalidQuantity,
		terminal.ErrInvalidLeverage,
		terminal.ErrInvalidSide,
		terminal.ErrPriceUnavailable,
		terminal.ErrInsufficientMargin,
		terminal.ErrInsufficientBalance,
		terminal.ErrUnsupportedSymbol,
		terminal.ErrSymbolRequired,
		terminal.ErrIntervalRequired,
		terminal.ErrInvalidInterval,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
