package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-npu/internal/npu"
	"github.com/23skdu/longbow-npu/internal/option"
)

const contentTypeCBOR = "application/cbor"

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "npurelay_request_duration_seconds",
	Help:    "Time spent serving admin requests",
	Buckets: prometheus.DefBuckets,
}, []string{"handler"})

var tracer = otel.Tracer("npurelay-server")

// Server is the relay's admin surface over one NPU context.
type Server struct {
	npu *npu.Context
	sem *semaphore.Weighted
}

// NewServer wraps c. maxConcurrent bounds datasets being enqueued at once
// across every ingestion path.
func NewServer(c *npu.Context, maxConcurrent int) *Server {
	return &Server{
		npu: c,
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Routes returns the admin mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/options", s.handleOptions)
	mux.HandleFunc("/fallbacks", s.handleFallbacks)
	mux.HandleFunc("/channels", s.handleChannels)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleOptions returns the option snapshot on GET. POST applies a list of
// settings in order and stops at the first failure.
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleOptions")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("options").Observe(time.Since(start).Seconds())
	}()

	switch r.Method {
	case http.MethodGet:
		writeBody(w, r, s.npu.Options.Snapshot())
	case http.MethodPost, http.MethodPut:
		var settings []option.Setting
		if err := readBody(r, &settings); err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (decode): %v", err), http.StatusBadRequest)
			return
		}
		span.SetAttributes(attribute.Int("setting_count", len(settings)))
		if err := s.npu.Options.Apply(settings); err != nil {
			span.RecordError(err)
			status := http.StatusBadRequest
			if errors.Is(err, option.ErrUnknownOption) {
				status = http.StatusNotFound
			}
			log.Warn().Err(err).Msg("Rejected option update")
			http.Error(w, err.Error(), status)
			return
		}
		log.Info().Int("count", len(settings)).Msg("Applied option update")
		writeBody(w, r, s.npu.Options.Snapshot())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFallbacks lists operators that have been served by the host
// fallback at least once.
func (s *Server) handleFallbacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeBody(w, r, s.npu.Fallback.Advisories())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeBody(w, r, s.npu.Channels())
}

func isCBOR(contentType string) bool {
	return strings.HasPrefix(contentType, contentTypeCBOR)
}

func readBody(r *http.Request, v any) error {
	if isCBOR(r.Header.Get("Content-Type")) {
		return cbor.NewDecoder(r.Body).Decode(v)
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// writeBody encodes v as CBOR when the client accepts it and JSON otherwise.
func writeBody(w http.ResponseWriter, r *http.Request, v any) {
	var (
		data []byte
		err  error
	)
	if strings.Contains(r.Header.Get("Accept"), contentTypeCBOR) {
		w.Header().Set("Content-Type", contentTypeCBOR)
		data, err = cbor.Marshal(v)
	} else {
		w.Header().Set("Content-Type", "application/json")
		data, err = json.Marshal(v)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
