package escrow

import (
	"math/big"
	"time"
)

// MonthlyWindow is the look-back used for the monthly spend figure.
const MonthlyWindow = 30 * 24 * time.Hour

// SpendSummary holds spend totals in raw token units.
type SpendSummary struct {
	Total   *big.Int
	Monthly *big.Int
	Count   int
}

// AggregateSpend sums all proofs into Total and those with a timestamp within
// MonthlyWindow of now into Monthly. The result does not depend on proof order.
func AggregateSpend(proofs []SpendProof, now time.Time) SpendSummary {
	cutoff := now.Add(-MonthlyWindow)
	sum := SpendSummary{Total: new(big.Int), Monthly: new(big.Int)}

	for _, p := range proofs {
		if p.SpentAmount == nil {
			continue
		}
		sum.Total.Add(sum.Total, p.SpentAmount)
		if !p.Timestamp.Before(cutoff) {
			sum.Monthly.Add(sum.Monthly, p.SpentAmount)
		}
		sum.Count++
	}
	return sum
}
