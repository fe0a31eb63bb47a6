package domain

import "time"

// UploadBatch is the unit that is persisted, delivered and retried as a whole.
// Everything except the attempt bookkeeping is immutable once enqueued.
type UploadBatch struct {
	ID             string                     `msgpack:"id"`
	Samples        []Sample                   `msgpack:"samples"`
	Deletions      []DeletionRef              `msgpack:"deletions,omitempty"`
	PendingCursors map[StreamType]CursorToken `msgpack:"cursors,omitempty"`
	CreatedAt      time.Time                  `msgpack:"created_at"`
	Attempts       int                        `msgpack:"attempts"`
	LastAttemptAt  time.Time                  `msgpack:"last_attempt_at,omitempty"`
	LastError      string                     `msgpack:"last_error,omitempty"`
}

// Empty reports whether the batch carries nothing to deliver.
func (b *UploadBatch) Empty() bool {
	return b == nil || (len(b.Samples) == 0 && len(b.Deletions) == 0)
}

// Streams lists every stream touched by the batch's pending cursors.
func (b *UploadBatch) Streams() []StreamType {
	if b == nil || len(b.PendingCursors) == 0 {
		return nil
	}
	out := make([]StreamType, 0, len(b.PendingCursors))
	for st := range b.PendingCursors {
		out = append(out, st)
	}
	return out
}

// Credentials bind remote sink calls to a registered device.
type Credentials struct {
	UserID   string `json:"userId" msgpack:"user_id" yaml:"user_id"`
	DeviceID string `json:"deviceId" msgpack:"device_id" yaml:"device_id"`
	Token    string `json:"token" msgpack:"token" yaml:"token"`
}

// Complete reports whether all fields needed for an ingest call are present.
func (c Credentials) Complete() bool {
	return c.UserID != "" && c.DeviceID != "" && c.Token != ""
}

// IngestPayload is the body of a bulk upsert call.
type IngestPayload struct {
	UserID    string        `json:"userId"`
	DeviceID  string        `json:"deviceId"`
	Samples   []Sample      `json:"samples"`
	Deletions []DeletionRef `json:"deletes"`
}

// IngestResult reports what the backend applied for one payload.
type IngestResult struct {
	OK       bool `json:"ok"`
	Inserted int  `json:"inserted"`
	Updated  int  `json:"updated"`
	Deleted  int  `json:"deleted"`
}

// Device is a registered uploader as known by the ingest backend.
type Device struct {
	ID         string
	UserID     string
	Name       string
	SecretHash string
	CreatedAt  time.Time
}
