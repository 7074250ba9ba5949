// Package mpesa talks to the Safaricom Daraja API: OAuth tokens, STK push
// initiation, STK status queries and callback decoding.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"booking-service/internal/util"

	"go.uber.org/zap"
)

const (
	timestampLayout = "20060102150405"

	tokenPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"

	maxAccountReference = 12
	maxTransactionDesc  = 13

	// tokens are refreshed this long before the gateway expires them
	tokenSafetyMargin = 60 * time.Second

	// CodeStillProcessing is returned by the status query while the payer
	// has not answered the prompt yet
	CodeStillProcessing = "500.001.1001"
)

// TokenCache shares access tokens between requests and instances
type TokenCache interface {
	GetToken(ctx context.Context, name string) (string, bool, error)
	SetToken(ctx context.Context, name, token string, ttl time.Duration) error
}

// Config holds gateway credentials
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
	Location       *time.Location
}

// Client is a Daraja API client
type Client struct {
	cfg    Config
	http   *http.Client
	cache  TokenCache
	logger *zap.Logger
	now    func() time.Time
}

// APIError is a response the gateway produced on purpose: an error body or
// a non-zero ResponseCode.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa: http %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// Definitive reports whether the gateway refused the request for good. 5xx
// answers are not treated as final since the push may still have gone out.
func (e *APIError) Definitive() bool {
	return e.StatusCode < http.StatusInternalServerError
}

// TokenError wraps a failure to obtain an access token. It never means the
// payment itself was rejected.
type TokenError struct {
	Err error
}

func (e *TokenError) Error() string {
	return "mpesa: access token: " + e.Err.Error()
}

func (e *TokenError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a timeout talking to the gateway
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewClient creates a gateway client. A nil cache keeps tokens in memory.
func NewClient(cfg Config, cache TokenCache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cache == nil {
		cache = NewMemoryTokenCache()
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

func (c *Client) tokenCacheName() string {
	return "mpesa:" + c.cfg.ShortCode
}

// AccessToken returns a valid OAuth token, fetching one when the cache has
// none
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if token, ok, err := c.cache.GetToken(ctx, c.tokenCacheName()); err != nil {
		c.logger.Warn("Token cache read failed, fetching new token", zap.Error(err))
	} else if ok {
		return token, nil
	}

	token, ttl, err := c.fetchToken(ctx)
	if err != nil {
		return "", &TokenError{Err: err}
	}

	if err := c.cache.SetToken(ctx, c.tokenCacheName(), token, ttl); err != nil {
		c.logger.Warn("Token cache write failed", zap.Error(err))
	}
	return token, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	var out struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := c.do(req, "token", &out); err != nil {
		return "", 0, err
	}
	if out.AccessToken == "" {
		return "", 0, errors.New("empty access token")
	}

	ttl := time.Hour
	if secs, err := out.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > 2*tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}
	return out.AccessToken, ttl, nil
}

// STKPushRequest is one payment prompt
type STKPushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// STKPushResponse is the synchronous acceptance of a push
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// Password derives the per-request password from shortcode, passkey and
// timestamp
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// STKPush asks the gateway to prompt the payer's phone
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	ctx, span := util.StartSpan(ctx, "mpesa.STKPush")
	defer span.End()

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().In(c.cfg.Location).Format(timestampLayout)
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            in.Amount,
		PartyA:            in.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       in.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(in.AccountReference, maxAccountReference),
		TransactionDesc:   truncate(in.Description, maxTransactionDesc),
	}

	req, err := c.jsonRequest(ctx, stkPushPath, token, body)
	if err != nil {
		return nil, err
	}

	var out STKPushResponse
	if err := c.do(req, "stk_push", &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, &APIError{StatusCode: http.StatusOK, Code: out.ResponseCode, Message: out.ResponseDescription}
	}
	if out.CheckoutRequestID == "" {
		return nil, errors.New("mpesa: acceptance without checkout request id")
	}

	c.logger.Info("STK push accepted",
		zap.String("merchant_request_id", out.MerchantRequestID),
		zap.String("checkout_request_id", out.CheckoutRequestID))
	return &out, nil
}

// STKQueryResponse is the gateway's view of an STK push
type STKQueryResponse struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResultCode          *ResultCode `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
}

// Final returns the result code when the gateway gave a definitive answer.
// An unaccepted query or a missing code is not final.
func (r *STKQueryResponse) Final() (int, bool) {
	if r.ResponseCode != "0" || r.ResultCode == nil {
		return 0, false
	}
	return int(*r.ResultCode), true
}

// QuerySTK asks the gateway for the result of a push. While the payer has
// not answered, the gateway returns an APIError with CodeStillProcessing.
func (c *Client) QuerySTK(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	ctx, span := util.StartSpan(ctx, "mpesa.QuerySTK")
	defer span.End()

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().In(c.cfg.Location).Format(timestampLayout)
	body := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	req, err := c.jsonRequest(ctx, stkQueryPath, token, body)
	if err != nil {
		return nil, err
	}

	var out STKQueryResponse
	if err := c.do(req, "stk_query", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) jsonRequest(ctx context.Context, path, token string, body interface{}) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// do sends req and decodes a 2xx body into out. Non-2xx answers become
// *APIError.
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	util.GatewayRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("mpesa %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mpesa %s read failed: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(raw, &body) == nil && body.ErrorCode != "" {
			apiErr.Code = body.ErrorCode
			apiErr.Message = body.ErrorMessage
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mpesa %s decode failed: %w", op, err)
	}
	return nil
}
