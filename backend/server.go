// Package backend serves the presence function that registry clients call.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"peerpresence/logging"
	"peerpresence/metrics"
	"peerpresence/models"
	"peerpresence/registry"
	"peerpresence/storage"
)

const (
	maxRequestBodySize = 1 << 20
	readHeaderTimeout  = 5 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Store is the persistence the backend needs.
type Store interface {
	UpsertPeer(ctx context.Context, upsert storage.PeerUpsert) (models.Peer, error)
	ListPeers(ctx context.Context, peerID string) ([]models.Peer, error)
	MarkDisconnected(ctx context.Context, peerID string) (models.Peer, error)
}

// Options configures the backend server.
type Options struct {
	Store     Store
	Function  string
	APIKey    string
	RateLimit float64
	RateBurst int
	Logger    *zap.Logger
}

// Server routes function invocations to the store.
type Server struct {
	store    Store
	function string
	apiKey   string
	limiters *clientLimiters
	log      *zap.Logger
	router   *mux.Router
}

type invocation struct {
	Action string          `json:"action"`
	Peer   json.RawMessage `json:"peer"`
}

type peerPayload struct {
	PeerID     string `json:"peer_id"`
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
	Status     string `json:"status"`
}

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// NewServer validates options and builds the router.
func NewServer(options Options) (*Server, error) {
	if options.Store == nil {
		return nil, errors.New("backend store is required")
	}
	function := strings.Trim(strings.TrimSpace(options.Function), "/")
	if function == "" {
		function = registry.DefaultFunctionName
	}

	s := &Server{
		store:    options.Store,
		function: function,
		apiKey:   strings.TrimSpace(options.APIKey),
		limiters: newClientLimiters(options.RateLimit, options.RateBurst),
		log:      logging.OrNop(options.Logger),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc(registry.FunctionsPathPrefix+"{function}", s.handleInvoke).Methods(http.MethodPost)
	s.router = r

	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("presence backend listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("function", s.function),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve presence backend: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown presence backend: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve presence backend: %w", err)
	}
	s.log.Info("presence backend stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	action := "unknown"
	status, body := s.invoke(r, &action)
	metrics.BackendRequests.WithLabelValues(action, strconv.Itoa(status)).Inc()
	writeJSON(w, status, body)
}

func (s *Server) invoke(r *http.Request, action *string) (int, any) {
	if !s.limiters.allow(clientKey(r)) {
		metrics.BackendRateLimited.Inc()
		s.log.Warn("request rate limited", zap.String("client", clientKey(r)))
		return http.StatusTooManyRequests, errorBody("rate limit exceeded")
	}
	if mux.Vars(r)["function"] != s.function {
		return http.StatusNotFound, errorBody("function not found")
	}
	if !s.authorized(r) {
		return http.StatusUnauthorized, errorBody("invalid api key")
	}

	var req invocation
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return http.StatusBadRequest, errorBody("read request body")
	}
	if len(raw) > maxRequestBodySize {
		return http.StatusRequestEntityTooLarge, errorBody("request body too large")
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return http.StatusBadRequest, errorBody("malformed request body")
	}
	*action = req.Action

	var (
		result any
		opErr  error
	)
	switch req.Action {
	case registry.ActionRegister:
		result, opErr = s.register(r.Context(), req.Peer)
	case registry.ActionDiscover:
		result, opErr = s.discover(r.Context(), req.Peer)
	case registry.ActionDisconnect:
		result, opErr = s.disconnect(r.Context(), req.Peer)
	default:
		*action = "unknown"
		return http.StatusBadRequest, errorBody(fmt.Sprintf("unknown action %q", req.Action))
	}

	if opErr != nil {
		var apiErr *apiError
		if errors.As(opErr, &apiErr) {
			return apiErr.status, errorBody(apiErr.message)
		}
		s.log.Error("presence function failed", zap.String("action", req.Action), zap.Error(opErr))
		return http.StatusInternalServerError, errorBody("internal error")
	}
	return http.StatusOK, result
}

func (s *Server) register(ctx context.Context, raw json.RawMessage) (any, error) {
	payload, err := decodePeerPayload(raw)
	if err != nil {
		return nil, err
	}
	if payload.PeerID == "" {
		return nil, badRequest("peer_id is required")
	}

	status := models.StatusConnected
	if strings.TrimSpace(payload.Status) != "" {
		status = models.ParseStatus(payload.Status)
	}

	peer, err := s.store.UpsertPeer(ctx, storage.PeerUpsert{
		PeerID:     payload.PeerID,
		Name:       payload.Name,
		DeviceType: payload.DeviceType,
		Status:     status,
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("peer registered", zap.String("peer_id", peer.PeerID), zap.String("status", string(peer.Status)))
	return map[string]models.Peer{"peer": peer}, nil
}

func (s *Server) discover(ctx context.Context, raw json.RawMessage) (any, error) {
	filter := ""
	if hasPayload(raw) {
		payload, err := decodePeerPayload(raw)
		if err != nil {
			return nil, err
		}
		filter = payload.PeerID
	}

	peers, err := s.store.ListPeers(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string][]models.Peer{"peers": peers}, nil
}

func (s *Server) disconnect(ctx context.Context, raw json.RawMessage) (any, error) {
	payload, err := decodePeerPayload(raw)
	if err != nil {
		return nil, err
	}
	if payload.PeerID == "" {
		return nil, badRequest("peer_id is required")
	}

	peer, err := s.store.MarkDisconnected(ctx, payload.PeerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &apiError{status: http.StatusNotFound, message: "peer not found"}
		}
		return nil, err
	}
	s.log.Debug("peer disconnected", zap.String("peer_id", peer.PeerID))
	return map[string]models.Peer{"peer": peer}, nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	if r.Header.Get("apikey") == s.apiKey {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.apiKey
}

func hasPayload(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

func decodePeerPayload(raw json.RawMessage) (peerPayload, error) {
	if !hasPayload(raw) {
		return peerPayload{}, badRequest("peer payload is required")
	}
	var payload peerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return peerPayload{}, badRequest("malformed peer payload")
	}
	payload.PeerID = strings.TrimSpace(payload.PeerID)
	return payload, nil
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
