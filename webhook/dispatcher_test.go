package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type matterEvent struct {
	Event    string `json:"event"`
	TenantID string `json:"tenantId"`
	MatterID string `json:"matterId"`
}

func TestDeliverSignsAndPosts(t *testing.T) {
	const secret = "wh-secret-1"

	var gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher()
	event := matterEvent{Event: "matter.updated", TenantID: "firm-1", MatterID: "m-77"}
	require.NoError(t, d.Deliver(context.Background(), srv.URL, event, secret))

	// Receiver-side verification of the signature.
	want := Sign(secret, gotBody)
	assert.True(t, hmac.Equal([]byte(want), []byte(gotSignature)))

	var decoded matterEvent
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, event, decoded)
}

func TestDeliverRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher()
	err := d.Deliver(context.Background(), srv.URL, matterEvent{}, "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDeliverTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := NewDispatcher(WithTimeout(100 * time.Millisecond))

	start := time.Now()
	err := d.Deliver(context.Background(), srv.URL, matterEvent{}, "s")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout is a hard ceiling")
}

func TestDeliverSingleAttempt(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher()
	require.Error(t, d.Deliver(context.Background(), srv.URL, matterEvent{}, "s"))
	assert.Equal(t, 1, attempts, "failed deliveries are not retried here")
}

func TestDeliverValidation(t *testing.T) {
	d := NewDispatcher()
	assert.Error(t, d.Deliver(context.Background(), "", matterEvent{}, "s"))
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"event":"matter.updated"}`)
	assert.Equal(t, Sign("secret", body), Sign("secret", body))
	assert.NotEqual(t, Sign("secret", body), Sign("other", body))
}
