package mpesa

import (
	"encoding/json"
	"testing"
	"time"

	"booking-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 5000.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseSuccessCallback(t *testing.T) {
	cb, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", cb.CheckoutRequestID)
	assert.Equal(t, "NLJ7RT61SV", cb.Receipt())

	amount, ok := cb.Amount()
	assert.True(t, ok)
	assert.Equal(t, int64(5000), amount)

	eat := time.FixedZone("EAT", 3*60*60)
	out := cb.Outcome(eat, time.Now())
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)
	assert.Equal(t, "NLJ7RT61SV", out.Receipt)
	require.NotNil(t, out.PaidAt)
	assert.True(t, out.PaidAt.Equal(time.Date(2019, 12, 19, 10, 21, 15, 0, eat)))
}

func TestParseCancelledCallback(t *testing.T) {
	cb, err := ParseCallback([]byte(cancelledCallback))
	require.NoError(t, err)

	out := cb.Outcome(time.UTC, time.Now())
	assert.Equal(t, models.PaymentStatusCancelled, out.Status)
	assert.Empty(t, out.Receipt)
	assert.Nil(t, out.PaidAt)
	assert.Equal(t, "Request cancelled by user", out.ResultDesc)
}

func TestParseCallbackMalformed(t *testing.T) {
	for _, body := range []string{
		"",
		"not json",
		`{"Body": {}}`,
		`{"Body": {"stkCallback": {"ResultCode": 0}}}`,
		`{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_1"}}}`,
		`{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_1", "ResultCode": null}}}`,
		`{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_1", "ResultCode": ""}}}`,
	} {
		_, err := ParseCallback([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedCallback, body)
	}
}

func TestStatusForResult(t *testing.T) {
	assert.Equal(t, models.PaymentStatusCompleted, StatusForResult(0))
	assert.Equal(t, models.PaymentStatusCancelled, StatusForResult(1032))
	assert.Equal(t, models.PaymentStatusFailed, StatusForResult(1037))
	assert.Equal(t, models.PaymentStatusFailed, StatusForResult(2001))
}

func TestResultCodeAcceptsStrings(t *testing.T) {
	var c ResultCode
	require.NoError(t, c.UnmarshalJSON([]byte(`"1032"`)))
	assert.Equal(t, ResultCode(1032), c)
	assert.Error(t, c.UnmarshalJSON([]byte(`"abc"`)))
	assert.Error(t, c.UnmarshalJSON([]byte(`""`)))
}

func TestQueryResponseFinal(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		code  int
		final bool
	}{
		{"cancelled", `{"ResponseCode":"0","ResultCode":"1032"}`, ResultCancelledByUser, true},
		{"success", `{"ResponseCode":"0","ResultCode":"0"}`, ResultSuccess, true},
		{"missing code", `{"ResponseCode":"0"}`, 0, false},
		{"null code", `{"ResponseCode":"0","ResultCode":null}`, 0, false},
		{"query not accepted", `{"ResponseCode":"1","ResultCode":"0"}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r STKQueryResponse
			require.NoError(t, json.Unmarshal([]byte(tt.body), &r))
			code, final := r.Final()
			assert.Equal(t, tt.final, final)
			assert.Equal(t, tt.code, code)
		})
	}
}
