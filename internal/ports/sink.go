package ports

import (
	"context"
	"errors"

	"github.com/dalebradshaw/healthsync/internal/domain"
)

var (
	// ErrDelivery marks recoverable delivery failures (network, timeout, 5xx).
	ErrDelivery = errors.New("remote sink: delivery failed")
	// ErrProtocol marks payloads or credentials the remote sink refused.
	ErrProtocol = errors.New("remote sink: request rejected")
	// ErrUnauthorized is wrapped together with ErrProtocol for auth failures.
	ErrUnauthorized = errors.New("remote sink: unauthorized")
)

// RemoteSink delivers one batch as a single all-or-nothing bulk upsert.
type RemoteSink interface {
	Deliver(ctx context.Context, creds domain.Credentials, batch *domain.UploadBatch) (domain.IngestResult, error)
	Name() string
}

// IngestRepository is the backend side of the remote sink.
type IngestRepository interface {
	// Apply upserts samples by (identity, stream) and deletes deletions by
	// (identity, stream, user) inside one transaction.
	Apply(ctx context.Context, userID, deviceID string, samples []domain.Sample, deletions []domain.DeletionRef) (domain.IngestResult, error)
}

// DeviceRepository stores registered devices.
type DeviceRepository interface {
	CreateDevice(ctx context.Context, d domain.Device) error
	FindDevice(ctx context.Context, id string) (domain.Device, error)
}

// ErrDeviceNotFound is returned by DeviceRepository.FindDevice.
var ErrDeviceNotFound = errors.New("device not found")
