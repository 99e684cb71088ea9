package account

import (
	"context"

	"aedzpay/internal/ledger"
	"aedzpay/internal/notify"

	"github.com/shopspring/decimal"
)

// HandlePush reacts to a backend push event: an external deposit is added to
// the ledger and every event triggers a balance refresh.
func (s *Service) HandlePush(ctx context.Context, ev notify.Event) {
	switch ev.Type {
	case notify.EventDepositSuccess:
		amt, err := decimal.NewFromString(ev.Amount)
		if err != nil {
			amt = decimal.Zero
		}
		rec := s.ledger.Record(ledger.Entry{
			Type:    ledger.TypeFunding,
			Amount:  amt,
			From:    ledger.External,
			To:      ledger.Wallet,
			Network: s.cfg.Network,
		})
		_, _ = s.ledger.Complete(rec.ID, ev.TxHash)
		s.logger.Info("deposit received", "amount", ev.Amount, "tx", ev.TxHash)
	case notify.EventBalanceUpdate:
	default:
		s.logger.Debug("ignoring push event", "type", ev.Type)
		return
	}
	s.Refresh(ctx)
}
