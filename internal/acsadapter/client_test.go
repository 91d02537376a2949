package acsadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accessevents "dorm-access/internal/accessevents/domain"
)

func withFixedSigner(now time.Time, nonce string) Option {
	return func(o *clientOptions) {
		o.signerNow = func() time.Time { return now }
		o.signerNonces = func() string { return nonce }
	}
}

func TestStringToSign_Layout(t *testing.T) {
	got := StringToSign("post", "application/json", "application/json", "k1", "n1", "1700000000000", "/artemis/api/acs/v2/door/events")
	require.Equal(t, "POST\napplication/json\napplication/json\nx-ca-key:k1\nx-ca-nonce:n1\nx-ca-timestamp:1700000000000\n/artemis/api/acs/v2/door/events", got)
}

func TestSigner_HeadersFreshPerRequest(t *testing.T) {
	signer := NewSigner("k1", "s1")
	first := signer.Headers(http.MethodPost, mediaJSON, mediaJSON, "/p")
	second := signer.Headers(http.MethodPost, mediaJSON, mediaJSON, "/p")
	require.NotEqual(t, first[HeaderNonce], second[HeaderNonce])
	require.Equal(t, "k1", first[HeaderKey])
	require.Equal(t, signedHeaderList, first[HeaderSignatureHeaders])

	want := signer.Sign(StringToSign(http.MethodPost, mediaJSON, mediaJSON, "k1", first[HeaderNonce], first[HeaderTimestamp], "/p"))
	require.Equal(t, want, first[HeaderSignature])
}

func TestClientFetchEvents_SignsAndMaps(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var captured eventsRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultEventsPath, r.URL.Path)
		assert.Equal(t, "app-key", r.Header.Get(HeaderKey))
		assert.Equal(t, "nonce-1", r.Header.Get(HeaderNonce))
		assert.Equal(t, "1772359200000", r.Header.Get(HeaderTimestamp))

		expected := NewSigner("app-key", "app-secret").Sign(StringToSign(
			http.MethodPost, mediaJSON, mediaJSON, "app-key", "nonce-1", "1772359200000", DefaultEventsPath))
		assert.Equal(t, expected, r.Header.Get(HeaderSignature))

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))
		_, _ = io.WriteString(w, `{"code":"0","msg":"success","data":{"total":1,"pageNo":1,"pageSize":100,"list":[
			{"eventId":"evt-1","eventTime":"2026-03-01T18:00:07.000+08:00","personId":"p1","personName":"Li Wei",
			 "doorIndexCode":"D1","doorName":"North Gate","devIndexCode":"dev-1","devName":"Turnstile 1","eventType":196893}
		]}}`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "app-key", "app-secret", withFixedSigner(now, "nonce-1"), WithLocation(time.UTC))
	require.NoError(t, err)

	result, err := client.FetchEvents(context.Background(), accessevents.FetchRequest{
		DoorIDs:   []string{"D1", "D2"},
		EventType: accessevents.EventTypeFacePass,
		Start:     now.Add(-5 * time.Minute),
		End:       now,
		PageNo:    1,
		PageSize:  100,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.Total)
	require.NotEmpty(t, result.Raw)
	require.Len(t, result.Events, 1)

	evt := result.Events[0]
	require.Equal(t, "evt-1", evt.ExternalID)
	require.Equal(t, time.Date(2026, 3, 1, 10, 0, 7, 0, time.UTC), evt.OccurredAt)
	require.Equal(t, "D1", evt.DoorID)
	require.Equal(t, "Turnstile 1", evt.DeviceName)
	require.Equal(t, "face_auth_pass", evt.EventTypeName)

	require.Equal(t, []string{"D1", "D2"}, captured.DoorIndexCodes)
	require.Equal(t, []int{accessevents.EventTypeFacePass}, captured.EventTypes)
	require.Equal(t, "2026-03-01T09:55:00.000+00:00", captured.StartTime)
	require.Equal(t, "2026-03-01T10:00:00.000+00:00", captured.EndTime)
}

func TestClientFetchEvents_NonZeroCodeIsUnsuccessful(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":"0x02401003","msg":"door not found","data":{}}`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "k", "s")
	require.NoError(t, err)
	result, err := client.FetchEvents(context.Background(), accessevents.FetchRequest{DoorIDs: []string{"D1"}, EventType: 7, PageNo: 1, PageSize: 10})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "door not found", result.Message)
}

func TestClientFetchEvents_SignatureRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "k", "s")
	require.NoError(t, err)
	_, err = client.FetchEvents(context.Background(), accessevents.FetchRequest{PageNo: 1, PageSize: 10})
	require.ErrorIs(t, err, ErrSignatureRejected)
}

func TestClientFetchEvents_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "k", "s", WithBreaker(2, time.Minute), WithRateLimit(1000, 10))
	require.NoError(t, err)
	req := accessevents.FetchRequest{PageNo: 1, PageSize: 10}
	for i := 0; i < 2; i++ {
		_, err := client.FetchEvents(context.Background(), req)
		require.Error(t, err)
	}
	_, err = client.FetchEvents(context.Background(), req)
	require.True(t, errors.Is(err, gobreaker.ErrOpenState))
	require.Equal(t, int32(2), hits.Load())
}

func TestClientFetchEvents_RateLimitHonoursContext(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", "k", "s", WithRateLimit(0.001, 1))
	require.NoError(t, err)
	client.limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.FetchEvents(ctx, accessevents.FetchRequest{})
	require.Error(t, err)
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("", "k", "s")
	require.Error(t, err)
	_, err = NewClient("http://x", "", "s")
	require.Error(t, err)
}
