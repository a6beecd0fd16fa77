// Package api implements component H: the worker's HTTP surface — a
// liveness probe, Prometheus exposition, the inbound internode handler,
// the authenticated check-mutation endpoint, and the metrics read paths.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/internode"
	"github.com/Gioppix/uptime-monitor/internal/metrics"
	"github.com/Gioppix/uptime-monitor/internal/region"
	"github.com/Gioppix/uptime-monitor/internal/store"
	"github.com/Gioppix/uptime-monitor/pkg/log"
	"github.com/Gioppix/uptime-monitor/pkg/telemetry"
)

// Server is the worker's HTTP surface, wiring handlers onto a single
// *http.ServeMux (the teacher's pkg/api.HealthServer idiom).
type Server struct {
	mux *http.ServeMux

	store         *store.Store
	reader        *metrics.Reader
	sharedSecret  string
	ringSize      int
	bucketVersion int16
	replicaID     string
	gitSHA        string
	onMutation    func(checkID uuid.UUID)
	startedAt     time.Time
}

// New wires every endpoint. onMutation is invoked after a check upsert so
// the caller can trigger an internode broadcast without this package
// depending on internode.Broadcaster directly. replicaID and gitSHA are
// surfaced read-only on /healthz (spec.md §6's workers_metadata fields).
func New(st *store.Store, reader *metrics.Reader, internodeHandler *internode.Handler, sharedSecret string, ringSize int, bucketVersion int16, replicaID, gitSHA string, onMutation func(checkID uuid.UUID)) *Server {
	s := &Server{
		mux:           http.NewServeMux(),
		store:         st,
		reader:        reader,
		sharedSecret:  sharedSecret,
		ringSize:      ringSize,
		bucketVersion: bucketVersion,
		replicaID:     replicaID,
		gitSHA:        gitSHA,
		onMutation:    onMutation,
		startedAt:     time.Now(),
	}

	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.Handle("/metrics", telemetry.Handler())
	s.mux.Handle("/internal", internodeHandler)
	s.mux.HandleFunc("/internal/checks", s.requireAuth(s.upsertCheckHandler))
	s.mux.HandleFunc("/api/checks/", s.checksRouter)

	return s
}

// Handler returns the composed http.Handler for embedding in an
// *http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec float64   `json:"uptime_seconds"`
	ReplicaID string    `json:"replica_id"`
	GitSHA    string    `json:"git_sha"`
}

// healthHandler is a liveness-only check: if the process can answer HTTP
// at all, it reports healthy. No readiness state (store reachability, range
// ownership) is reported, here or on /metrics; there is no second endpoint,
// since this worker has no leader election to report on.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		UptimeSec: time.Since(s.startedAt).Seconds(),
		ReplicaID: s.replicaID,
		GitSHA:    s.gitSHA,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, prefix)
		if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(token), []byte(s.sharedSecret)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type upsertCheckRequest struct {
	CheckID               uuid.UUID         `json:"check_id"`
	Region                string            `json:"region"`
	CheckName             string            `json:"name"`
	URL                   string            `json:"url"`
	HTTPMethod            string            `json:"http_method"`
	CheckFrequencySeconds int               `json:"check_frequency_seconds"`
	TimeoutSeconds        int               `json:"timeout_seconds"`
	ExpectedStatusCode    int               `json:"expected_status_code"`
	RequestHeaders        map[string]string `json:"request_headers"`
	RequestBody           *string           `json:"request_body"`
	IsEnabled             bool              `json:"is_enabled"`
}

// upsertCheckHandler implements POST /internal/checks: the control-plane
// write path for component D/E's authoritative check rows. Authenticated
// with the same shared secret as the internode broadcast, since both are
// trusted-operator/trusted-peer surfaces (spec.md §7).
func (s *Server) upsertCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req upsertCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.CheckID == uuid.Nil {
		req.CheckID = uuid.New()
	}

	reg, err := region.Parse(req.Region)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CheckFrequencySeconds <= 0 {
		http.Error(w, "check_frequency_seconds must be positive", http.StatusBadRequest)
		return
	}

	check := domain.ServiceCheck{
		CheckID:               req.CheckID,
		Region:                reg,
		CheckName:             req.CheckName,
		URL:                   req.URL,
		HTTPMethod:            domain.Method(req.HTTPMethod),
		CheckFrequencySeconds: req.CheckFrequencySeconds,
		TimeoutSeconds:        req.TimeoutSeconds,
		ExpectedStatusCode:    req.ExpectedStatusCode,
		RequestHeaders:        req.RequestHeaders,
		RequestBody:           req.RequestBody,
		IsEnabled:             req.IsEnabled,
		CreatedAt:             time.Now(),
	}

	if err := s.store.UpsertCheck(r.Context(), s.bucketVersion, s.ringSize, check); err != nil {
		log.WithCheckID(check.CheckID.String()).Error().Err(err).Msg("check upsert failed")
		http.Error(w, "upsert failed", http.StatusInternalServerError)
		return
	}

	if s.onMutation != nil {
		s.onMutation(check.CheckID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"check_id": check.CheckID.String()})
}

// checksRouter dispatches GET /api/checks/{id}/metrics and
// /api/checks/{id}/metrics/graph.
func (s *Server) checksRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/checks/")
	switch {
	case strings.HasSuffix(path, "/metrics/graph"):
		s.graphMetricsHandler(w, r, strings.TrimSuffix(path, "/metrics/graph"))
	case strings.HasSuffix(path, "/metrics"):
		s.rangeMetricsHandler(w, r, strings.TrimSuffix(path, "/metrics"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func parseTimeParam(q string) (time.Time, error) {
	if q == "" {
		return time.Time{}, errors.New("missing time parameter")
	}
	return time.Parse(time.RFC3339, q)
}

func (s *Server) rangeMetricsHandler(w http.ResponseWriter, r *http.Request, idStr string) {
	timer := telemetry.NewTimer()
	defer timer.ObserveDurationVec(telemetry.MetricsQueryDuration, "range")

	checkID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid check id", http.StatusBadRequest)
		return
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}

	regions := region.All
	if rs := r.URL.Query().Get("regions"); rs != "" {
		regions = nil
		for _, part := range strings.Split(rs, ",") {
			reg, err := region.Parse(strings.TrimSpace(part))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			regions = append(regions, reg)
		}
	}

	result, err := s.reader.RangeMetrics(r.Context(), checkID, regions, from, to)
	if err != nil {
		if errors.Is(err, metrics.ErrInvalidRange) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.WithCheckID(checkID.String()).Error().Err(err).Msg("range metrics query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) graphMetricsHandler(w http.ResponseWriter, r *http.Request, idStr string) {
	timer := telemetry.NewTimer()
	defer timer.ObserveDurationVec(telemetry.MetricsQueryDuration, "graph")

	checkID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid check id", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	reg, err := region.Parse(q.Get("region"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}

	granularity := domain.GranularityHourly
	if g := q.Get("granularity"); g == "daily" {
		granularity = domain.GranularityDaily
	}

	buckets, err := s.reader.GraphMetrics(r.Context(), checkID, reg, from, to, granularity)
	if err != nil {
		if errors.Is(err, metrics.ErrInvalidRange) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.WithCheckID(checkID.String()).Error().Err(err).Msg("graph metrics query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(buckets)
}

// Run starts the HTTP server on addr, blocking until ctx is cancelled, at
// which point it shuts down with a bounded grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
