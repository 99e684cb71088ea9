package ledger

import "github.com/shopspring/decimal"

// Overview categories.
const (
	CategoryFundWallet   = "Fund Wallet"
	CategoryFundCard     = "Fund Card"
	CategoryWithdrawal   = "Withdrawal"
	CategoryCardSpending = "Card Spending"
)

// Category counts every entry that belongs to it but sums only completed ones.
type Category struct {
	Type   string          `json:"type"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Breakdown groups the ledger into the four overview categories, always in
// the same order.
func (l *Ledger) Breakdown() []Category {
	cats := []Category{
		{Type: CategoryFundWallet, Amount: decimal.Zero},
		{Type: CategoryFundCard, Amount: decimal.Zero},
		{Type: CategoryWithdrawal, Amount: decimal.Zero},
		{Type: CategoryCardSpending, Amount: decimal.Zero},
	}
	for _, e := range l.List() {
		idx := categoryOf(e)
		if idx < 0 {
			continue
		}
		cats[idx].Count++
		if e.Status == StatusCompleted {
			cats[idx].Amount = cats[idx].Amount.Add(e.Amount)
		}
	}
	return cats
}

func categoryOf(e Entry) int {
	switch {
	case e.Type == TypeFunding && e.From == External, e.Type == TypeBridge:
		return 0
	case e.Type == TypeFunding && e.From == Wallet, e.Type == TypeDeposit:
		return 1
	case e.Type == TypeWithdraw:
		return 2
	case e.Type == TypeSpend:
		return 3
	default:
		return -1
	}
}
