package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

const (
	IngestPath   = "/api/health/ingest"
	RegisterPath = "/api/devices/register"

	HeaderIdempotencyKey = "Idempotency-Key"
)

// HTTPSink delivers upload batches to the ingest endpoint as one JSON request.
type HTTPSink struct {
	baseURL  string
	client   *http.Client
	compress bool
}

type Option func(*HTTPSink)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPSink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithCompression zstd-encodes request bodies.
func WithCompression(on bool) Option {
	return func(s *HTTPSink) { s.compress = on }
}

func NewHTTPSink(baseURL string, opts ...Option) *HTTPSink {
	s := &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Deliver(ctx context.Context, creds domain.Credentials, batch *domain.UploadBatch) (domain.IngestResult, error) {
	if !creds.Complete() {
		return domain.IngestResult{}, fmt.Errorf("%w: %w: missing device credentials", ports.ErrProtocol, ports.ErrUnauthorized)
	}
	payload := domain.IngestPayload{
		UserID:    creds.UserID,
		DeviceID:  creds.DeviceID,
		Samples:   batch.Samples,
		Deletions: batch.Deletions,
	}
	if payload.Samples == nil {
		payload.Samples = []domain.Sample{}
	}
	if payload.Deletions == nil {
		payload.Deletions = []domain.DeletionRef{}
	}

	var out domain.IngestResult
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	header.Set(HeaderIdempotencyKey, batch.ID)
	if err := s.post(ctx, IngestPath, header, payload, &out); err != nil {
		return domain.IngestResult{}, err
	}
	if !out.OK {
		return out, fmt.Errorf("%w: ingest answered ok=false", ports.ErrDelivery)
	}
	return out, nil
}

// RegisterDevice asks the backend for a new device credential bound to userID.
func (s *HTTPSink) RegisterDevice(ctx context.Context, userID, deviceName string) (domain.Credentials, error) {
	req := struct {
		UserID     string `json:"userId"`
		DeviceName string `json:"deviceName,omitempty"`
	}{UserID: userID, DeviceName: deviceName}

	var resp struct {
		DeviceID   string `json:"deviceId"`
		Token      string `json:"token"`
		DeviceName string `json:"deviceName"`
	}
	if err := s.post(ctx, RegisterPath, http.Header{}, req, &resp); err != nil {
		return domain.Credentials{}, err
	}
	if resp.DeviceID == "" || resp.Token == "" {
		return domain.Credentials{}, fmt.Errorf("%w: registration response missing deviceId or token", ports.ErrProtocol)
	}
	return domain.Credentials{UserID: userID, DeviceID: resp.DeviceID, Token: resp.Token}, nil
}

func (s *HTTPSink) post(ctx context.Context, path string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ports.ErrProtocol, err)
	}
	if s.compress {
		body = Compress(body)
		header.Set("Content-Encoding", EncodingZstd)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrProtocol, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrDelivery, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ports.ErrDelivery, err)
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ports.ErrDelivery, err)
	}
	return nil
}

// StatusError carries the HTTP status and server message of a failed call.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	se := &StatusError{Code: code, Message: serverMessage(body)}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Join(ports.ErrProtocol, ports.ErrUnauthorized, se)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return errors.Join(ports.ErrProtocol, se)
	default:
		return errors.Join(ports.ErrDelivery, se)
	}
}

func serverMessage(body []byte) string {
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Error != "" {
		return msg.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var _ ports.RemoteSink = (*HTTPSink)(nil)
