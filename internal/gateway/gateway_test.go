package gateway

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"id":"inv_1","status":"paid"}`)
	sig := SignHMAC("s3cret", body)

	assert.True(t, VerifyHMAC("s3cret", body, sig))
	assert.True(t, VerifyHMAC("s3cret", body, " "+sig+"\n"))
	assert.False(t, VerifyHMAC("other", body, sig))
	assert.False(t, VerifyHMAC("s3cret", append(body, ' '), sig))
	assert.False(t, VerifyHMAC("s3cret", body, "zz"))
	assert.False(t, VerifyHMAC("s3cret", body, ""))
	assert.False(t, VerifyHMAC("", body, SignHMAC("", body)))
}

func TestCheckResponse(t *testing.T) {
	ok := &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader(""))}
	require.NoError(t, CheckResponse("card", "create session", ok))

	bad := &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader("upstream down\n"))}
	err := CheckResponse("card", "create session", bad)

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadGateway, gwErr.StatusCode)
	assert.Equal(t, "card: create session: status 502: upstream down", err.Error())
}

func TestPaymentSettles(t *testing.T) {
	tests := []struct {
		name string
		pay  Payment
		want bool
	}{
		{"exact", Payment{Amount: decimal.RequireFromString("274.00"), Currency: "usd"}, true},
		{"no currency reported", Payment{Amount: decimal.NewFromInt(274)}, true},
		{"underpaid", Payment{Amount: decimal.NewFromInt(183), Currency: "USD"}, false},
		{"fractional", Payment{Amount: decimal.RequireFromString("274.01"), Currency: "USD"}, false},
		{"other currency", Payment{Amount: decimal.NewFromInt(274), Currency: "EUR"}, false},
		{"no amount", Payment{Currency: "USD"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pay.Settles(274, "USD"))
		})
	}
}

type stubGateway struct{ Gateway }

func (stubGateway) Name() string { return "stub" }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubGateway{})

	g, ok := r.Lookup("stub")
	require.True(t, ok)
	assert.Equal(t, "stub", g.Name())

	_, ok = r.Lookup("card")
	assert.False(t, ok)
	assert.Equal(t, []string{"stub"}, r.Names())
}
