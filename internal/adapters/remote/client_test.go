package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

var creds = domain.Credentials{UserID: "u1", DeviceID: "d1", Token: "secret"}

func testBatch() *domain.UploadBatch {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &domain.UploadBatch{
		ID: "01HZX",
		Samples: []domain.Sample{{
			Identity: "s1", Stream: domain.StreamHeartRate, Unit: "count/min",
			Start: start, End: start, Value: domain.Number(61),
		}},
		Deletions: []domain.DeletionRef{{Identity: "old", Stream: domain.StreamHeartRate}},
	}
}

func TestDeliverSendsPayload(t *testing.T) {
	var got domain.IngestPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, IngestPath, r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "01HZX", r.Header.Get(HeaderIdempotencyKey))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"inserted":1,"deleted":1}`))
	}))
	defer srv.Close()

	res, err := NewHTTPSink(srv.URL+"/").Deliver(context.Background(), creds, testBatch())
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Deleted)

	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "d1", got.DeviceID)
	require.Len(t, got.Samples, 1)
	require.Equal(t, "s1", got.Samples[0].Identity)
	v, ok := got.Samples[0].Value.Float()
	require.True(t, ok)
	require.Equal(t, 61.0, v)
	require.Equal(t, "old", got.Deletions[0].Identity)
}

func TestDeliverCompressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, EncodingZstd, r.Header.Get("Content-Encoding"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		plain, err := Decompress(raw)
		require.NoError(t, err)
		var p domain.IngestPayload
		require.NoError(t, json.Unmarshal(plain, &p))
		require.Len(t, p.Samples, 1)
		_, _ = w.Write([]byte(`{"ok":true,"inserted":1}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSink(srv.URL, WithCompression(true)).Deliver(context.Background(), creds, testBatch())
	require.NoError(t, err)
}

func TestDeliverStatusMapping(t *testing.T) {
	cases := []struct {
		code         int
		protocol     bool
		unauthorized bool
	}{
		{http.StatusBadRequest, true, false},
		{http.StatusUnauthorized, true, true},
		{http.StatusForbidden, true, true},
		{http.StatusRequestEntityTooLarge, true, false},
		{http.StatusInternalServerError, false, false},
		{http.StatusServiceUnavailable, false, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewHTTPSink(srv.URL).Deliver(context.Background(), creds, testBatch())
			require.Error(t, err)
			require.Equal(t, tc.protocol, errors.Is(err, ports.ErrProtocol))
			require.Equal(t, !tc.protocol, errors.Is(err, ports.ErrDelivery))
			require.Equal(t, tc.unauthorized, errors.Is(err, ports.ErrUnauthorized))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.code, se.Code)
			require.Equal(t, "nope", se.Message)
		})
	}
}

func TestDeliverNetworkFailureIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPSink(url).Deliver(context.Background(), creds, testBatch())
	require.ErrorIs(t, err, ports.ErrDelivery)
}

func TestDeliverTimeoutIsRecoverable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPSink(srv.URL).Deliver(ctx, creds, testBatch())
	require.ErrorIs(t, err, ports.ErrDelivery)
}

func TestDeliverWithoutCredentials(t *testing.T) {
	_, err := NewHTTPSink("http://127.0.0.1:1").Deliver(context.Background(), domain.Credentials{}, testBatch())
	require.ErrorIs(t, err, ports.ErrUnauthorized)
	require.ErrorIs(t, err, ports.ErrProtocol)
}

func TestRegisterDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, RegisterPath, r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "u1", req["userId"])
		require.Equal(t, "iPhone", req["deviceName"])
		_, _ = w.Write([]byte(`{"deviceId":"dev-9","token":"tok","deviceName":"iPhone"}`))
	}))
	defer srv.Close()

	got, err := NewHTTPSink(srv.URL).RegisterDevice(context.Background(), "u1", "iPhone")
	require.NoError(t, err)
	require.Equal(t, domain.Credentials{UserID: "u1", DeviceID: "dev-9", Token: "tok"}, got)
}
