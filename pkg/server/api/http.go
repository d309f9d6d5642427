// Package api provides the HTTP and WebSocket serving surface over the
// aggregation coordinator: the feed-values endpoints consumed by the
// voting client, health/readiness probes and read-only statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/coordinator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

// FeedID identifies one feed in request and response bodies.
type FeedID struct {
	Category uint8  `json:"category"`
	Name     string `json:"name"`
}

// Key converts a wire feed id to the domain key.
func (f FeedID) Key() feed.Key {
	return feed.NewKey(feed.Category(f.Category), f.Name)
}

// FeedValuesRequest is the body of the feed-values endpoints. An empty
// feed list means every configured feed.
type FeedValuesRequest struct {
	Feeds []FeedID `json:"feeds"`
}

// FeedValue is one fused price in a response.
type FeedValue struct {
	Feed           FeedID    `json:"feed"`
	Value          string    `json:"value"`
	Timestamp      time.Time `json:"timestamp"`
	Sources        []string  `json:"sources"`
	Confidence     float64   `json:"confidence"`
	ConsensusScore float64   `json:"consensusScore"`
}

// FeedValuesResponse is the body returned by the feed-values endpoints.
// Feeds that were requested but unavailable are absent from Data.
type FeedValuesResponse struct {
	VotingRoundID uint32      `json:"votingRoundId,omitempty"`
	Data          []FeedValue `json:"data"`
}

// StatsResponse aggregates the coordinator's read-only introspection.
type StatsResponse struct {
	Ready       bool                       `json:"ready"`
	Readiness   coordinator.ReadinessStats `json:"readiness"`
	Cache       cache.Stats                `json:"cache"`
	Aggregation aggregator.Stats           `json:"aggregation"`
	Gate        feed.GateStats             `json:"gate"`
	Sources     []coordinator.SourceStatus `json:"sources"`
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	coord    *coordinator.Coordinator
	server   *http.Server
	logger   *logging.Logger
	wsServer *WebSocketServer // Optional WebSocket server for streaming
}

// NewServer creates a new HTTP API server over a coordinator.
func NewServer(addr string, coord *coordinator.Coordinator, logger *logging.Logger) *Server {
	return &Server{
		addr:   addr,
		coord:  coord,
		logger: logger,
	}
}

// SetWebSocketServer sets the WebSocket server for streaming updates.
func (s *Server) SetWebSocketServer(ws *WebSocketServer) {
	s.wsServer = ws
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /feed-values", s.handleFeedValues)
	mux.HandleFunc("POST /feed-values/{votingRoundID}", s.handleRoundFeedValues)
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth handles the /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()
	defer func() {
		metrics.RecordHTTPRequest("/health", "200", time.Since(start))
	}()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports warm-up progress; 503 until the latch has tripped
// so load balancers keep traffic away from a cold provider.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()
	stats := s.coord.ReadinessStats()
	status := http.StatusOK
	if !stats.Ready {
		status = http.StatusServiceUnavailable
	}
	defer func() {
		metrics.RecordHTTPRequest("/ready", fmt.Sprint(status), time.Since(start))
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// handleStats handles the /stats endpoint.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()
	defer func() {
		metrics.RecordHTTPRequest("/stats", "200", time.Since(start))
	}()

	s.sendJSON(w, StatsResponse{
		Ready:       s.coord.Ready(),
		Readiness:   s.coord.ReadinessStats(),
		Cache:       s.coord.CacheStats(),
		Aggregation: s.coord.AggregationStats(),
		Gate:        s.coord.GateStats(),
		Sources:     s.coord.SourceStatuses(),
	})
}

// handleFeedValues handles POST /feed-values: current fused values.
func (s *Server) handleFeedValues(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "200"
	defer func() {
		metrics.RecordHTTPRequest("/feed-values", status, time.Since(start))
	}()

	keys, ok := s.requestedKeys(w, r, &status)
	if !ok {
		return
	}

	values, err := s.coord.GetCurrentPrices(r.Context(), keys)
	if err != nil {
		status = "503"
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	s.respondValues(w, 0, keys, values)
}

// handleRoundFeedValues handles POST /feed-values/{votingRoundID}:
// values pinned to one voting round.
func (s *Server) handleRoundFeedValues(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "200"
	defer func() {
		metrics.RecordHTTPRequest("/feed-values/round", status, time.Since(start))
	}()

	round, err := feed.ParseRoundID(r.PathValue("votingRoundID"))
	if err != nil {
		status = "400"
		http.Error(w, "invalid voting round id", http.StatusBadRequest)
		return
	}

	keys, ok := s.requestedKeys(w, r, &status)
	if !ok {
		return
	}

	values, err := s.coord.GetRoundPrices(r.Context(), round, keys)
	if err != nil {
		status = "503"
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	s.respondValues(w, round, keys, values)
}

// requestedKeys decodes the request body into feed keys. An empty or
// absent feed list expands to every configured feed.
func (s *Server) requestedKeys(w http.ResponseWriter, r *http.Request, status *string) ([]feed.Key, bool) {
	var req FeedValuesRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			*status = "400"
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return nil, false
		}
	}

	if len(req.Feeds) == 0 {
		return s.coord.Feeds(), true
	}

	keys := make([]feed.Key, 0, len(req.Feeds))
	for _, f := range req.Feeds {
		key := f.Key()
		if !s.coord.KnownFeed(key) {
			s.logger.Debug("Request named unknown feed", "feed", key.String())
			continue
		}
		keys = append(keys, key)
	}
	return keys, true
}

// respondValues renders a batch result in request order and streams it
// to any connected WebSocket clients.
func (s *Server) respondValues(w http.ResponseWriter, round uint32, keys []feed.Key, values map[feed.Key]feed.AggregatedPrice) {
	data := make([]FeedValue, 0, len(values))
	fused := make([]feed.AggregatedPrice, 0, len(values))
	for _, key := range keys {
		v, ok := values[key]
		if !ok {
			continue
		}
		data = append(data, FeedValue{
			Feed:           FeedID{Category: uint8(key.Category), Name: key.Symbol},
			Value:          v.Price.String(),
			Timestamp:      v.Timestamp,
			Sources:        v.Sources,
			Confidence:     v.Confidence,
			ConsensusScore: v.ConsensusScore,
		})
		fused = append(fused, v)
	}

	if s.wsServer != nil && len(fused) > 0 {
		s.wsServer.SendUpdate(fused)
	}

	s.sendJSON(w, FeedValuesResponse{VotingRoundID: round, Data: data})
}

// sendJSON sends a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
