package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/dispatch"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

func testChannel(url string) *Channel {
	return NewChannel("sms", url, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestChannel_Send(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "task-9", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	msg := dispatch.Message{TaskID: "task-9", HotspotID: "hs-1", HazardType: domain.HazardFlood, Severity: domain.SeverityHigh, Body: "flood warning"}
	require.NoError(t, testChannel(srv.URL).Send(context.Background(), "sub-1", msg))

	assert.Equal(t, "sms", got.Channel)
	assert.Equal(t, "sub-1", got.SubscriberID)
	assert.Equal(t, msg, got.Message)
}

func TestChannel_Send_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "carrier down\n")
	}))
	defer srv.Close()

	err := testChannel(srv.URL).Send(context.Background(), "sub-1", dispatch.Message{TaskID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502: carrier down")
}

func TestChannel_Send_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := testChannel(srv.URL).Send(ctx, "sub-1", dispatch.Message{TaskID: "t"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
