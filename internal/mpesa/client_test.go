package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaraja struct {
	tokenCalls int32
	pushStatus int
	pushBody   string
	pushDelay  time.Duration

	mu       sync.Mutex
	lastPush stkPushBody
}

func (f *fakeDaraja) last() stkPushBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPush
}

func (f *fakeDaraja) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var body stkPushBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.lastPush = body
		f.mu.Unlock()
		if f.pushDelay > 0 {
			time.Sleep(f.pushDelay)
		}
		w.WriteHeader(f.pushStatus)
		w.Write([]byte(f.pushBody))
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, timeout time.Duration) *Client {
	c := NewClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "pk",
		CallbackURL:    "https://example.test/cb",
		Timeout:        timeout,
	}, nil)
	c.now = func() time.Time { return time.Date(2025, 12, 1, 9, 30, 0, 0, time.UTC) }
	return c
}

const acceptedBody = `{
  "MerchantRequestID": "29115-34620561-1",
  "CheckoutRequestID": "ws_CO_191220191020363925",
  "ResponseCode": "0",
  "ResponseDescription": "Success. Request accepted for processing",
  "CustomerMessage": "Success. Request accepted for processing"
}`

func TestSTKPushAccepted(t *testing.T) {
	fake := &fakeDaraja{pushStatus: http.StatusOK, pushBody: acceptedBody}
	c := newTestClient(fake.server(t), time.Second)

	resp, err := c.STKPush(context.Background(), STKPushRequest{
		Phone:            "254712345678",
		Amount:           5000,
		AccountReference: "EVT-20251201-0001",
		Description:      "Booking EVT-20251201-0001",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", resp.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", resp.MerchantRequestID)

	push := fake.last()
	assert.Equal(t, "20251201093000", push.Timestamp)
	assert.Equal(t, Password("174379", "pk", "20251201093000"), push.Password)
	assert.Equal(t, "CustomerPayBillOnline", push.TransactionType)
	assert.Equal(t, "254712345678", push.PartyA)
	assert.Equal(t, "EVT-20251201", push.AccountReference)
	assert.Len(t, push.TransactionDesc, 13)
	assert.Equal(t, int64(5000), push.Amount)
}

func TestAccessTokenIsCached(t *testing.T) {
	fake := &fakeDaraja{pushStatus: http.StatusOK, pushBody: acceptedBody}
	c := newTestClient(fake.server(t), time.Second)

	for i := 0; i < 3; i++ {
		_, err := c.AccessToken(context.Background())
		require.NoError(t, err)
	}
	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 1})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokenCalls))
}

func TestSTKPushRejected(t *testing.T) {
	fake := &fakeDaraja{
		pushStatus: http.StatusBadRequest,
		pushBody:   `{"requestId":"1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`,
	}
	c := newTestClient(fake.server(t), time.Second)

	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 1})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "400.002.02", apiErr.Code)
	assert.True(t, apiErr.Definitive())
}

func TestSTKPushNonZeroResponseCode(t *testing.T) {
	fake := &fakeDaraja{pushStatus: http.StatusOK, pushBody: `{"ResponseCode":"1","ResponseDescription":"Rejected"}`}
	c := newTestClient(fake.server(t), time.Second)

	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 1})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Definitive())
	assert.Equal(t, "Rejected", apiErr.Message)
}

func TestSTKPushServerErrorIsNotDefinitive(t *testing.T) {
	fake := &fakeDaraja{pushStatus: http.StatusServiceUnavailable, pushBody: "upstream down"}
	c := newTestClient(fake.server(t), time.Second)

	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 1})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.False(t, apiErr.Definitive())
}

func TestSTKPushTimeout(t *testing.T) {
	fake := &fakeDaraja{pushStatus: http.StatusOK, pushBody: acceptedBody, pushDelay: 200 * time.Millisecond}
	c := newTestClient(fake.server(t), 50*time.Millisecond)

	// warm the token so only the push can time out
	_ = c.cache.SetToken(context.Background(), c.tokenCacheName(), "tok-1", time.Minute)

	_, err := c.STKPush(context.Background(), STKPushRequest{Phone: "254712345678", Amount: 1})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestAccessTokenFailure(t *testing.T) {
	fake := &fakeDaraja{}
	srv := fake.server(t)
	c := NewClient(Config{BaseURL: srv.URL, ConsumerKey: "bad", ConsumerSecret: "creds"}, nil)

	_, err := c.AccessToken(context.Background())

	var tokErr *TokenError
	require.True(t, errors.As(err, &tokErr))
}

func TestQuerySTKStillProcessing(t *testing.T) {
	fake := &fakeDaraja{}
	c := newTestClient(fake.server(t), time.Second)

	_, err := c.QuerySTK(context.Background(), "ws_CO_1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeStillProcessing, apiErr.Code)
}
