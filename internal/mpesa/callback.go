package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"booking-service/internal/models"
)

// Result codes the gateway reports for an STK push
const (
	ResultSuccess         = 0
	ResultCancelledByUser = 1032
)

// ErrMalformedCallback is returned for payloads without a checkout id or
// a result code
var ErrMalformedCallback = errors.New("malformed stk callback")

// ResultCode accepts both the numeric form used in callbacks and the
// string form used by the status query API. Fields hold a *ResultCode so
// an absent or null code stays nil instead of reading as success.
type ResultCode int

func (c *ResultCode) UnmarshalJSON(b []byte) error {
	n, err := strconv.Atoi(strings.Trim(string(b), `"`))
	if err != nil {
		return fmt.Errorf("invalid result code %s", b)
	}
	*c = ResultCode(n)
	return nil
}

type callbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback is the asynchronous result of one STK push
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *ResultCode       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseCallback decodes a callback body
func ParseCallback(body []byte) (*STKCallback, error) {
	var env callbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.STKCallback
	if cb == nil || strings.TrimSpace(cb.CheckoutRequestID) == "" || cb.ResultCode == nil {
		return nil, ErrMalformedCallback
	}
	return cb, nil
}

func (cb *STKCallback) item(name string) (string, bool) {
	if cb.CallbackMetadata == nil {
		return "", false
	}
	for _, it := range cb.CallbackMetadata.Item {
		if strings.EqualFold(it.Name, name) && len(it.Value) > 0 {
			return strings.Trim(string(it.Value), `"`), true
		}
	}
	return "", false
}

// Receipt returns the gateway receipt number, if present
func (cb *STKCallback) Receipt() string {
	v, _ := cb.item("MpesaReceiptNumber")
	return v
}

// Amount returns the paid amount in whole units
func (cb *STKCallback) Amount() (int64, bool) {
	v, ok := cb.item("Amount")
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// PaidAt returns the transaction time, interpreted in loc
func (cb *STKCallback) PaidAt(loc *time.Location) (time.Time, bool) {
	v, ok := cb.item("TransactionDate")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timestampLayout, v, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Outcome maps a parsed callback to a terminal payment state. now is used
// for paid_at when the gateway omits TransactionDate.
func (cb *STKCallback) Outcome(loc *time.Location, now time.Time) models.PaymentOutcome {
	out := models.PaymentOutcome{
		Status:     StatusForResult(int(*cb.ResultCode)),
		ResultDesc: cb.ResultDesc,
	}
	if out.Status == models.PaymentStatusCompleted {
		out.Receipt = cb.Receipt()
		paid, ok := cb.PaidAt(loc)
		if !ok {
			paid = now
		}
		out.PaidAt = &paid
	}
	return out
}

// StatusForResult maps a gateway result code to a terminal payment status
func StatusForResult(code int) string {
	switch code {
	case ResultSuccess:
		return models.PaymentStatusCompleted
	case ResultCancelledByUser:
		return models.PaymentStatusCancelled
	default:
		return models.PaymentStatusFailed
	}
}
