// Package sinkserver serves an adapters.Sink over the JSON/HTTP protocol
// spoken by adapters.HTTPSink.
package sinkserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/Tap30/beacon-go/adapters"
)

// maxBodyBytes caps a single request body.
const maxBodyBytes = 1 << 20

// Response is the body of every non-query reply.
type Response struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	// Written is the number of records stored by a write.
	Written int `json:"written,omitempty"`
}

// Options configures a Server.
type Options struct {
	Sink   adapters.Sink
	Logger slog.Logger

	// APIKey, when set, must be presented in APIKeyHeader on every
	// collection request.
	APIKey       string
	APIKeyHeader string

	// RateLimit is the number of collection requests a single IP may make
	// per RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration

	// Registry receives the server metrics and is exposed on /metrics. Nil
	// means a fresh registry.
	Registry *prometheus.Registry
}

// Server routes sink requests to the wrapped Sink.
type Server struct {
	sink      adapters.Sink
	log       slog.Logger
	apiKey    string
	keyHeader string
	limit     int
	window    time.Duration
	registry  *prometheus.Registry

	recordsWritten *prometheus.CounterVec
	queries        *prometheus.CounterVec
	rejected       *prometheus.CounterVec
}

// New creates a Server and registers its metrics.
func New(opts Options) *Server {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = adapters.DefaultAPIKeyHeader
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(opts.Registry)
	return &Server{
		sink:      opts.Sink,
		log:       opts.Logger,
		apiKey:    opts.APIKey,
		keyHeader: opts.APIKeyHeader,
		limit:     opts.RateLimit,
		window:    opts.RateWindow,
		registry:  opts.Registry,
		recordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "sink",
			Name:      "records_written_total",
			Help:      "Records stored, by collection and operation.",
		}, []string{"collection", "operation"}),
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "sink",
			Name:      "queries_total",
			Help:      "Queries served, by collection.",
		}, []string{"collection"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "sink",
			Name:      "requests_rejected_total",
			Help:      "Requests refused before reaching the sink, by reason.",
		}, []string{"reason"}),
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", s.keyHeader},
		}),
	)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		write(rw, http.StatusOK, Response{Message: "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1/collections/{collection}", func(r chi.Router) {
		if s.limit > 0 {
			r.Use(httprate.Limit(
				s.limit,
				s.window,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(rw http.ResponseWriter, r *http.Request) {
					s.rejected.WithLabelValues("rate_limited").Inc()
					write(rw, http.StatusTooManyRequests, Response{
						Message: "Rate limit exceeded. Please try again later.",
					})
				}),
			))
		}
		r.Use(s.requireAPIKey, s.requireCollection)
		r.Post("/records", s.insertRecords)
		r.Put("/records", s.upsertRecord)
		r.Post("/query", s.query)
	})
	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get(s.keyHeader) != s.apiKey {
			s.rejected.WithLabelValues("unauthorized").Inc()
			write(rw, http.StatusUnauthorized, Response{
				Message: "Missing or invalid API key.",
			})
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) requireCollection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !adapters.IsValidIdentifier(chi.URLParam(r, "collection")) {
			s.badRequest(rw, r, "Invalid collection name.", nil)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) insertRecords(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := chi.URLParam(r, "collection")

	var req adapters.InsertRequest
	if !s.read(rw, r, &req) {
		return
	}
	if err := s.sink.InsertMany(ctx, collection, req.Records); err != nil {
		s.internalError(rw, r, "insert records", err)
		return
	}
	s.recordsWritten.WithLabelValues(collection, "insert").Add(float64(len(req.Records)))
	s.log.Debug(ctx, "inserted records",
		slog.F("collection", collection),
		slog.F("count", len(req.Records)),
	)
	write(rw, http.StatusOK, Response{Message: "inserted", Written: len(req.Records)})
}

func (s *Server) upsertRecord(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := chi.URLParam(r, "collection")
	onConflict := r.URL.Query().Get("on_conflict")
	if !adapters.IsValidIdentifier(onConflict) {
		s.badRequest(rw, r, "Invalid on_conflict field.", nil)
		return
	}

	var req adapters.UpsertRequest
	if !s.read(rw, r, &req) {
		return
	}
	if req.Record == nil {
		s.badRequest(rw, r, "Missing record.", nil)
		return
	}
	if _, ok := req.Record[onConflict]; !ok {
		s.badRequest(rw, r, "Record has no value for the conflict field.", nil)
		return
	}
	if err := s.sink.Upsert(ctx, collection, req.Record, onConflict); err != nil {
		s.internalError(rw, r, "upsert record", err)
		return
	}
	s.recordsWritten.WithLabelValues(collection, "upsert").Inc()
	write(rw, http.StatusOK, Response{Message: "upserted", Written: 1})
}

func (s *Server) query(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := chi.URLParam(r, "collection")

	var q adapters.Query
	if !s.read(rw, r, &q) {
		return
	}
	// The path names the collection.
	q.Collection = collection
	if err := q.Validate(); err != nil {
		s.badRequest(rw, r, "Invalid query.", err)
		return
	}
	res, err := s.sink.Select(ctx, q)
	if err != nil {
		s.internalError(rw, r, "select records", err)
		return
	}
	if res.Rows == nil {
		res.Rows = []adapters.Record{}
	}
	s.queries.WithLabelValues(collection).Inc()
	write(rw, http.StatusOK, res)
}

func (s *Server) read(rw http.ResponseWriter, r *http.Request, value any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err := dec.Decode(value); err != nil {
		var tooLarge *http.MaxBytesError
		if xerrors.As(err, &tooLarge) {
			s.rejected.WithLabelValues("too_large").Inc()
			write(rw, http.StatusRequestEntityTooLarge, Response{
				Message: "Request body too large.",
			})
			return false
		}
		s.badRequest(rw, r, "Invalid JSON body.", err)
		return false
	}
	return true
}

func (s *Server) badRequest(rw http.ResponseWriter, r *http.Request, msg string, err error) {
	s.rejected.WithLabelValues("bad_request").Inc()
	resp := Response{Message: msg}
	if err != nil {
		resp.Detail = err.Error()
	}
	write(rw, http.StatusBadRequest, resp)
}

func (s *Server) internalError(rw http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(r.Context(), "sink request failed",
		slog.F("op", op),
		slog.F("collection", chi.URLParam(r, "collection")),
		slog.Error(err),
	)
	write(rw, http.StatusInternalServerError, Response{
		Message: "Internal error.",
		Detail:  op,
	})
}

func write(rw http.ResponseWriter, status int, response any) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(response); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}
