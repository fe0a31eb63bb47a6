package ingest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

var (
	// ErrInvalidPayload marks a request body the server cannot apply.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnauthorized covers unknown devices, foreign devices and bad tokens.
	ErrUnauthorized = errors.New("unauthorized")
)

// DefaultDeviceName is used when registration omits a name.
const DefaultDeviceName = "iPhone"

const tokenBytes = 24

// Registration is returned once, at device registration. The token is never
// stored in clear.
type Registration struct {
	DeviceID   string `json:"deviceId"`
	Token      string `json:"token"`
	DeviceName string `json:"deviceName"`
}

// Service authenticates devices and applies ingest payloads.
type Service struct {
	repo      ports.IngestRepository
	devices   ports.DeviceRepository
	obs       ports.Observability
	txTimeout time.Duration
	now       func() time.Time
}

type ServiceOption func(*Service)

// WithTxTimeout bounds each Apply call.
func WithTxTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.txTimeout = d }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo ports.IngestRepository, devices ports.DeviceRepository, obs ports.Observability, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, devices: devices, obs: obs, txTimeout: 20 * time.Second, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Ingest authenticates the device then applies every upsert and deletion of
// the payload atomically.
func (s *Service) Ingest(ctx context.Context, token string, p domain.IngestPayload) (domain.IngestResult, error) {
	if p.UserID == "" || p.DeviceID == "" || token == "" {
		return s.reject(fmt.Errorf("%w: missing auth or identifiers", ErrUnauthorized))
	}
	if err := s.authenticate(ctx, p.UserID, p.DeviceID, token); err != nil {
		return s.reject(err)
	}

	samples := make([]domain.Sample, len(p.Samples))
	for i, smp := range p.Samples {
		if !smp.Stream.Known() {
			return s.reject(fmt.Errorf("%w: samples[%d]: unknown type %q", ErrInvalidPayload, i, smp.Stream))
		}
		if err := smp.Validate(); err != nil {
			return s.reject(fmt.Errorf("%w: samples[%d]: %v", ErrInvalidPayload, i, err))
		}
		if smp.Identity == "" {
			smp.Identity = uuid.NewString()
		}
		samples[i] = smp
	}
	for i, d := range p.Deletions {
		if d.Identity == "" || d.Stream == "" {
			return s.reject(fmt.Errorf("%w: deletes[%d]: uuid and type are required", ErrInvalidPayload, i))
		}
	}

	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}
	start := s.now()
	res, err := s.repo.Apply(ctx, p.UserID, p.DeviceID, samples, p.Deletions)
	s.obs.ObserveLatency(ports.MetricIngestLatency, s.now().Sub(start).Seconds())
	if err != nil {
		s.obs.LogError("ingest_apply_failed", err,
			ports.Field{Key: "device", Value: p.DeviceID},
			ports.Field{Key: "samples", Value: len(samples)})
		return domain.IngestResult{}, err
	}

	s.obs.IncCounter(ports.MetricIngestedSamples, float64(res.Inserted+res.Updated))
	s.obs.LogInfo("ingest_applied",
		ports.Field{Key: "user", Value: p.UserID},
		ports.Field{Key: "device", Value: p.DeviceID},
		ports.Field{Key: "inserted", Value: res.Inserted},
		ports.Field{Key: "updated", Value: res.Updated},
		ports.Field{Key: "deleted", Value: res.Deleted})
	return res, nil
}

func (s *Service) authenticate(ctx context.Context, userID, deviceID, token string) error {
	dev, err := s.devices.FindDevice(ctx, deviceID)
	if errors.Is(err, ports.ErrDeviceNotFound) {
		return fmt.Errorf("%w: device not found", ErrUnauthorized)
	}
	if err != nil {
		return err
	}
	if dev.UserID != userID {
		return fmt.Errorf("%w: device not found", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(dev.SecretHash)) != 1 {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return nil
}

func (s *Service) reject(err error) (domain.IngestResult, error) {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidPayload) {
		s.obs.IncCounter(ports.MetricIngestRejected, 1)
	}
	return domain.IngestResult{}, err
}

// Register creates a device for userID and returns its one-time token.
func (s *Service) Register(ctx context.Context, userID, deviceName string) (Registration, error) {
	if userID == "" {
		return Registration{}, fmt.Errorf("%w: missing userId", ErrInvalidPayload)
	}
	if deviceName == "" {
		deviceName = DefaultDeviceName
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Registration{}, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	dev := domain.Device{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       deviceName,
		SecretHash: HashToken(token),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.devices.CreateDevice(ctx, dev); err != nil {
		return Registration{}, err
	}
	s.obs.LogInfo("device_registered",
		ports.Field{Key: "user", Value: userID},
		ports.Field{Key: "device", Value: dev.ID},
		ports.Field{Key: "name", Value: deviceName})
	return Registration{DeviceID: dev.ID, Token: token, DeviceName: deviceName}, nil
}

// HashToken is the stored form of a device token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
