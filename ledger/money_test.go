package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/ledger"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "10", want: "10.00"},
		{in: "10.5", want: "10.50"},
		{in: " 0.01 ", want: "0.01"},
		{in: "6.000", want: "6.00"},
		{in: "0.005", wantErr: true},
		{in: "ten", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := ledger.ParseMoney(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.String())
		})
	}
}

func TestMoney_ArithmeticIsExact(t *testing.T) {
	// GIVEN: Amounts that are inexact in binary floating point
	// WHEN: Adding 0.10 ten times
	// THEN: The result is exactly 1.00

	sum := ledger.Money{}
	for i := 0; i < 10; i++ {
		sum = sum.Add(ledger.MustMoney("0.10"))
	}
	assert.True(t, sum.Equal(ledger.MustMoney("1.00")))
	assert.Equal(t, int64(100), sum.Cents())
	assert.Equal(t, "-2.00", ledger.MustMoney("10").Sub(ledger.MustMoney("12")).String())
}

func TestMoney_Cents_RoundTrip(t *testing.T) {
	m := ledger.MoneyFromCents(1234)
	assert.Equal(t, "12.34", m.String())
	assert.Equal(t, int64(1234), m.Cents())
}

func TestMoney_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Price ledger.Money `json:"price"`
	}{ledger.MustMoney("4.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"4.50"}`, string(b))

	var v struct {
		A ledger.Money `json:"a"`
		B ledger.Money `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1.25","b":3}`), &v))
	assert.Equal(t, "1.25", v.A.String())
	assert.Equal(t, "3.00", v.B.String())

	assert.Error(t, json.Unmarshal([]byte(`{"a":"1.255"}`), &v))
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ledger.ValidateAmount(ledger.MinAmount))
	assert.NoError(t, ledger.ValidateAmount(ledger.MaxAmount))
	assert.ErrorIs(t, ledger.ValidateAmount(ledger.Money{}), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, ledger.ValidateAmount(ledger.MustMoney("-1")), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, ledger.ValidateAmount(ledger.MaxAmount.Add(ledger.MinAmount)), ledger.ErrInvalidAmount)
}
