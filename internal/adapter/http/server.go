package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/pipeline"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/store"
)

const maxBodyBytes = 64 << 10

// Submitter accepts report submissions.
type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (string, error)
}

// Reader serves the query endpoints.
type Reader interface {
	GetReport(ctx context.Context, id string) (domain.Report, error)
	ListReports(ctx context.Context, q domain.Query) ([]domain.Report, error)
	GetHotspot(ctx context.Context, id string) (domain.Hotspot, error)
	ListHotspots(ctx context.Context, f store.HotspotFilter) ([]domain.Hotspot, error)
	ListAlertTasks(ctx context.Context, f store.TaskFilter) ([]domain.AlertTask, error)
}

// Server exposes the ingestion API, read-only queries, and the health,
// readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	submitter  Submitter
	reader     Reader
	logger     *slog.Logger
}

// NewServer creates an HTTP server with the report, hotspot and alert routes
// plus /healthz, /readyz, and /metrics.
func NewServer(addr string, submitter Submitter, reader Reader, ready sharedobs.ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		submitter: submitter,
		reader:    reader,
		logger:    logger,
	}

	mux.HandleFunc("POST /reports", s.handleSubmit)
	mux.HandleFunc("GET /reports", s.handleListReports)
	mux.HandleFunc("GET /reports/{id}", s.handleGetReport)
	mux.HandleFunc("GET /hotspots", s.handleListHotspots)
	mux.HandleFunc("GET /hotspots/{id}", s.handleGetHotspot)
	mux.HandleFunc("GET /alerts", s.handleListAlerts)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type fieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type errorBody struct {
	Error  string       `json:"error"`
	Fields []fieldError `json:"fields,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub domain.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&sub); err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "malformed JSON body: " + err.Error()})
		return
	}

	id, err := s.submitter.Submit(r.Context(), sub)
	switch {
	case err == nil:
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id})
	case domain.IsValidation(err):
		body := errorBody{Error: "validation failed"}
		for _, ve := range domain.ValidationErrors(err) {
			body.Fields = append(body.Fields, fieldError{Field: ve.Field, Reason: ve.Reason})
		}
		sharedobs.WriteJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, pipeline.ErrStopped):
		sharedobs.WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		sharedobs.WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: "pipeline busy, retry later"})
	default:
		s.internalError(w, "submit report", err)
	}
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reader.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, "get report", err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	reports, err := s.reader.ListReports(r.Context(), q)
	if err != nil {
		s.internalError(w, "list reports", err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, nonNil(reports))
}

func (s *Server) handleGetHotspot(w http.ResponseWriter, r *http.Request) {
	h, err := s.reader.GetHotspot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, "get hotspot", err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, h)
}

func (s *Server) handleListHotspots(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	f := store.HotspotFilter{Query: q}
	for _, v := range splitParam(r, "state") {
		st := domain.HotspotState(v)
		switch st {
		case domain.StateForming, domain.StateActive, domain.StateEscalated, domain.StateResolved:
			f.States = append(f.States, st)
		default:
			sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown state %q", v)})
			return
		}
	}
	hotspots, err := s.reader.ListHotspots(r.Context(), f)
	if err != nil {
		s.internalError(w, "list hotspots", err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, nonNil(hotspots))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	f := store.TaskFilter{HotspotID: r.URL.Query().Get("hotspot_id"), Query: q}
	for _, v := range splitParam(r, "state") {
		st := domain.DeliveryState(v)
		switch st {
		case domain.DeliveryPending, domain.DeliverySent, domain.DeliveryFailed, domain.DeliveryExhausted:
			f.States = append(f.States, st)
		default:
			sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown state %q", v)})
			return
		}
	}
	tasks, err := s.reader.ListAlertTasks(r.Context(), f)
	if err != nil {
		s.internalError(w, "list alert tasks", err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) lookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		sharedobs.WriteJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	s.internalError(w, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	sharedobs.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

// parseQuery reads hazard_type, from, to and limit. Times are RFC 3339.
func parseQuery(r *http.Request) (domain.Query, error) {
	v := r.URL.Query()
	var q domain.Query
	if h := v.Get("hazard_type"); h != "" {
		ht, ok := domain.ParseHazardType(h)
		if !ok {
			return q, fmt.Errorf("unknown hazard_type %q", h)
		}
		q.HazardType = ht
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, fmt.Errorf("invalid %s: expected RFC 3339", p.name)
		}
		*p.dst = t.UTC()
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New("invalid limit")
		}
		q.Limit = n
	}
	return q, nil
}

func splitParam(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
