package bridge

import (
	"fmt"

	"aedzpay/internal/amount"

	"github.com/shopspring/decimal"
)

// ReceiveEstimate is the USD amount the user ends up with once gas and relayer
// fees are taken off. Unparseable fee fields count as zero.
func ReceiveEstimate(amountUSD decimal.Decimal, fees Fees) decimal.Decimal {
	out := amountUSD.Sub(usd(fees.Gas)).Sub(usd(fees.Relayer))
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// TotalFeesUSD is gas plus relayer fee in USD.
func TotalFeesUSD(fees Fees) decimal.Decimal {
	return usd(fees.Gas).Add(usd(fees.Relayer))
}

// ReceiveMessage renders the estimate for display.
func ReceiveMessage(amountUSD decimal.Decimal, fees Fees) string {
	return fmt.Sprintf("You'll receive ≈ %s", amount.FormatUSD(ReceiveEstimate(amountUSD, fees)))
}

func usd(f Fee) decimal.Decimal {
	if f.AmountUSD == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(f.AmountUSD)
	if err != nil {
		return decimal.Zero
	}
	return d
}
