// Package httpserver exposes the generic CRUD routes derived from the table
// registry, plus the health and change-feed endpoints.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/wayfare/wayfare/errs"
	"github.com/wayfare/wayfare/internal/feed"
	"github.com/wayfare/wayfare/internal/registry"
	"github.com/wayfare/wayfare/internal/store"
	"github.com/wayfare/wayfare/internal/telemetry"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	apiPrefix   = "/api/"
	healthPath  = "/api/health"
	changesPath = "/api/changes"

	healthPingTimeout = 2 * time.Second

	requestIDHeader = "X-Request-ID"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options wires the router's collaborators.
type Options struct {
	Store          store.RecordStore
	Backend        string
	Feed           *feed.Broadcaster
	Logger         *log.Logger
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

type httpServer struct {
	store          store.RecordStore
	backend        string
	feed           *feed.Broadcaster
	logger         *log.Logger
	requestTimeout time.Duration

	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewHandler derives the five CRUD routes for every registry table and mounts
// the health and change-feed endpoints.
func NewHandler(opts Options) http.Handler {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	server := &httpServer{
		store:          opts.Store,
		backend:        opts.Backend,
		feed:           opts.Feed,
		logger:         opts.Logger,
		requestTimeout: timeout,
	}
	server.initMetrics()

	mux := http.NewServeMux()
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	if server.feed != nil {
		mux.Handle(changesPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.streamChanges,
		}))
	}
	for _, table := range registry.Tables() {
		base := apiPrefix + table.Name
		mux.Handle(base, server.collectionHandler(table))
		mux.Handle(base+"/", server.recordHandler(table))
	}
	// Anything else under /api/ is a table the registry does not know.
	mux.Handle(apiPrefix, http.HandlerFunc(server.unknownTable))

	handler := http.Handler(mux)
	if opts.RateLimitRPS > 0 {
		handler = withRateLimit(handler, rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst)
	}
	handler = withRequestID(handler)
	return withCORS(handler)
}

func (s *httpServer) initMetrics() {
	meter := otel.Meter("server.http")
	if counter, err := meter.Int64Counter("wayfare_http_requests_total",
		metric.WithDescription("Total CRUD requests served"),
		metric.WithUnit("{request}")); err == nil {
		s.requestCounter = counter
	}
	if hist, err := meter.Float64Histogram("wayfare_http_request_duration_seconds",
		metric.WithDescription("CRUD request latency"),
		metric.WithUnit("s")); err == nil {
		s.requestDuration = hist
	}
}

func (s *httpServer) recordMetrics(ctx context.Context, table, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = string(errs.KindOf(err))
	}
	attrs := metric.WithAttributes(telemetry.OperationAttributes(table, operation, result)...)
	if s.requestCounter != nil {
		s.requestCounter.Add(ctx, 1, attrs)
	}
	if s.requestDuration != nil {
		s.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) collectionHandler(table registry.Table) http.Handler {
	return s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
			s.listRecords(w, r, table)
		},
		http.MethodPost: func(w http.ResponseWriter, r *http.Request) {
			s.createRecord(w, r, table)
		},
	})
}

func (s *httpServer) recordHandler(table registry.Table) http.Handler {
	prefix := apiPrefix + table.Name + "/"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
		if rest == "" {
			writeErr(w, errs.New(errs.KindInvalidInput, errs.WithTable(table.Name),
				errs.WithMessage("record id required")))
			return
		}
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			writeErr(w, errs.New(errs.KindInvalidInput, errs.WithTable(table.Name),
				errs.WithMessage(fmt.Sprintf("invalid record id %q", rest))))
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.getRecord(w, r, table, id)
		case http.MethodPut:
			s.updateRecord(w, r, table, id)
		case http.MethodDelete:
			s.deleteRecord(w, r, table, id)
		default:
			methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPut)
		}
	})
}

func (s *httpServer) listRecords(w http.ResponseWriter, r *http.Request, table registry.Table) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	start := time.Now()

	records, err := s.store.List(ctx, table.Name)
	s.recordMetrics(r.Context(), table.Name, "list", start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *httpServer) getRecord(w http.ResponseWriter, r *http.Request, table registry.Table, id int64) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	start := time.Now()

	record, err := s.store.Get(ctx, table.Name, id)
	s.recordMetrics(r.Context(), table.Name, "get", start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	// A missing record is a null result, not a failure.
	if record == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *httpServer) createRecord(w http.ResponseWriter, r *http.Request, table registry.Table) {
	fields, err := decodeFields(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := table.ValidateFields(fields); err != nil {
		writeErr(w, err)
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()
	start := time.Now()

	record, err := s.store.Create(ctx, table.Name, fields)
	s.recordMetrics(r.Context(), table.Name, "create", start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.publish(feed.Event{Table: table.Name, Op: feed.OpCreated, ID: record.ID()})
	writeJSON(w, http.StatusCreated, record)
}

func (s *httpServer) updateRecord(w http.ResponseWriter, r *http.Request, table registry.Table, id int64) {
	fields, err := decodeFields(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := table.ValidateFields(fields); err != nil {
		writeErr(w, err)
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()
	start := time.Now()

	record, err := s.store.Update(ctx, table.Name, id, fields)
	s.recordMetrics(r.Context(), table.Name, "update", start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.publish(feed.Event{Table: table.Name, Op: feed.OpUpdated, ID: id})
	writeJSON(w, http.StatusOK, record)
}

func (s *httpServer) deleteRecord(w http.ResponseWriter, r *http.Request, table registry.Table, id int64) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	start := time.Now()

	err := s.store.Delete(ctx, table.Name, id)
	s.recordMetrics(r.Context(), table.Name, "delete", start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.publish(feed.Event{Table: table.Name, Op: feed.OpDeleted, ID: id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "table": table.Name, "id": id})
}

func (s *httpServer) unknownTable(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, apiPrefix), "/")
	name, _, _ := strings.Cut(rest, "/")
	writeErr(w, errs.UnknownTable(name))
}

// health reports process liveness plus store reachability. The endpoint
// answers 200 whenever the process is up; an unreachable store degrades the
// status body instead of failing the request.
func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	start := time.Now()
	status := "ok"
	message := "storefront api ready"
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		message = fmt.Sprintf("record store unreachable: %v", err)
		if s.logger != nil {
			s.logger.Printf("health: store ping failed: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"message":    message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"backend":    s.backend,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// streamChanges upgrades the connection and forwards mutation events until
// the client disconnects.
func (s *httpServer) streamChanges(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := r.Context()
	events, cancel := s.feed.Subscribe(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *httpServer) publish(ev feed.Event) {
	if s.feed != nil {
		s.feed.Publish(ev)
	}
}

// opContext bounds every store operation so a stalled backend cannot hang the
// request forever.
func (s *httpServer) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.requestTimeout)
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var fields map[string]any
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&fields); err != nil {
		if isRequestTooLarge(err) {
			return nil, errs.New(errs.KindInvalidInput,
				errs.WithHTTP(http.StatusRequestEntityTooLarge),
				errs.WithMessage("request body too large"))
		}
		return nil, errs.New(errs.KindInvalidInput,
			errs.WithMessage("request body must be a JSON object"), errs.WithCause(err))
	}
	if fields == nil {
		return nil, errs.New(errs.KindInvalidInput,
			errs.WithMessage("request body must be a JSON object"))
	}
	return fields, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"status": "error",
		"kind":   string(errs.KindInvalidInput),
		"error":  "method not allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeErr renders an error envelope, surfacing the store diagnostic instead
// of swallowing it.
func writeErr(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	message := err.Error()
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope != nil && envelope.Message != "" {
		message = envelope.Message
	}
	writeJSON(w, errs.StatusOf(err), map[string]string{
		"status": "error",
		"kind":   string(kind),
		"error":  message,
	})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func withRequestID(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		handler.ServeHTTP(w, r)
	})
}

func withRateLimit(handler http.Handler, limit rate.Limit, burst int) http.Handler {
	if burst <= 0 {
		burst = int(limit)
		if burst <= 0 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(limit, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"status": "error",
				"kind":   string(errs.KindUnavailable),
				"error":  "rate limit exceeded",
			})
			return
		}
		handler.ServeHTTP(w, r)
	})
}
