package ingest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/cors"

	"github.com/dalebradshaw/healthsync/internal/adapters/remote"
	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// HandlerOptions configures the HTTP surface of the ingest server.
type HandlerOptions struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	MetricsPath    string
	// Metrics is mounted on MetricsPath when set.
	Metrics http.Handler
	// Ready reports backend health for /healthz.
	Ready func(*http.Request) error
}

// NewHandler exposes the ingest and register routes with CORS applied.
func NewHandler(svc *Service, obs ports.Observability, opts HandlerOptions) http.Handler {
	h := &handler{svc: svc, obs: obs, maxBody: opts.MaxBodyBytes}
	if h.maxBody <= 0 {
		h.maxBody = 8 << 20
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+remote.IngestPath, h.ingest)
	mux.HandleFunc("POST "+remote.RegisterPath, h.register)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, opts.Metrics)
	}

	return newCORS(opts.AllowedOrigins).Handler(mux)
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Content-Encoding", remote.HeaderIdempotencyKey},
	})
}

type handler struct {
	svc     *Service
	obs     ports.Observability
	maxBody int64
}

func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	var p domain.IngestPayload
	if status, err := h.decode(w, r, &p); err != nil {
		h.obs.IncCounter(ports.MetricIngestRejected, 1)
		writeError(w, status, err.Error())
		return
	}
	if p.Samples == nil {
		h.obs.IncCounter(ports.MetricIngestRejected, 1)
		writeError(w, http.StatusBadRequest, "invalid payload: samples must be an array")
		return
	}

	res, err := h.svc.Ingest(r.Context(), bearer(r), p)
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case errors.Is(err, ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"userId"`
		DeviceName string `json:"deviceName"`
	}
	if status, err := h.decode(w, r, &req); err != nil {
		writeError(w, status, err.Error())
		return
	}
	reg, err := h.svc.Register(r.Context(), req.UserID, req.DeviceName)
	switch {
	case errors.Is(err, ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "missing userId")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// decode reads a size-limited, optionally zstd-encoded JSON body.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, out any) (int, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}

	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case remote.EncodingZstd:
		if raw, err = remote.Decompress(raw); err != nil {
			return http.StatusBadRequest, fmt.Errorf("zstd body: %w", err)
		}
		if int64(len(raw)) > h.maxBody {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("decoded body exceeds %d bytes", h.maxBody)
		}
	default:
		return http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content encoding %q", enc)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return http.StatusBadRequest, errors.New("invalid payload")
	}
	return 0, nil
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
