// Package ledger applies customer payments to outstanding credits and
// records sales.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

// Allocation is one payment applied to one credit.
type Allocation struct {
	Customer      string          `json:"customer"`
	Credit        string          `json:"credit"`
	Payment       string          `json:"payment"`
	CreditPayment string          `json:"credit_payment"`
	Amount        decimal.Decimal `json:"amount"`
	Fulfilled     bool            `json:"fulfilled"`
}

// Hook observes every committed allocation.
type Hook func(ctx context.Context, a Allocation)

// Ledger writes customer money movements to the store.
type Ledger struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	// Hook, when set, is called after commit for each touched credit.
	Hook Hook
}

// New creates a ledger over s.
func New(s store.Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: s, logger: logger.Named("ledger"), now: time.Now}
}

// Allocate pays amount against the customer's open credits in the order they
// were added. Each credit is paid off in full while the amount lasts; the
// credit that exhausts it is paid partially and the rest are left alone. Any
// amount beyond the total outstanding is dropped.
//
// An unknown customer is a no-op.
func (l *Ledger) Allocate(ctx context.Context, customerID string, amount decimal.Decimal, method, note string) ([]Allocation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("allocate %s: %w", amount, errs.ErrInvalidAmount)
	}

	var (
		out      []Allocation
		leftover decimal.Decimal
	)
	err := l.store.Write(ctx, func(ctx context.Context) error {
		customer, err := store.Get[*model.Customer](ctx, l.store, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			l.logger.Debug("allocate for unknown customer", zap.String("customer", customerID))
			return nil
		}

		now := l.now().UTC()
		remaining := amount
		for _, id := range customer.Credits {
			if !remaining.IsPositive() {
				break
			}
			credit, err := store.Get[*model.Credit](ctx, l.store, id)
			if err != nil {
				return err
			}
			if credit == nil || credit.Fulfilled {
				continue
			}

			var paid decimal.Decimal
			if delta := remaining.Sub(credit.AmountLeft); !delta.IsNegative() {
				paid = credit.AmountLeft
				credit.AmountLeft = decimal.Zero
				credit.Fulfilled = true
				remaining = delta
			} else {
				paid = remaining
				credit.AmountLeft = delta.Abs()
				remaining = decimal.Zero
			}
			credit.AmountPaid = credit.AmountPaid.Add(paid)

			a, err := l.recordPayment(ctx, customer.ID, credit, paid, method, note, now)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		leftover = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}

	if leftover.IsPositive() {
		l.logger.Warn("payment exceeds outstanding credit",
			zap.String("customer", customerID), zap.String("unallocated", leftover.String()))
	}
	for _, a := range out {
		l.logger.Info("credit paid",
			zap.String("customer", a.Customer),
			zap.String("credit", a.Credit),
			zap.String("amount", a.Amount.String()),
			zap.Bool("fulfilled", a.Fulfilled),
		)
		if l.Hook != nil {
			l.Hook(ctx, a)
		}
	}
	return out, nil
}

func (l *Ledger) recordPayment(ctx context.Context, customerID string, credit *model.Credit, paid decimal.Decimal, method, note string, now time.Time) (Allocation, error) {
	payment := &model.Payment{
		ID:        uuid.NewString(),
		Customer:  customerID,
		Amount:    paid,
		Method:    method,
		Type:      model.PaymentCredit,
		Note:      note,
		CreatedAt: now,
	}
	link := &model.CreditPayment{
		ID:         uuid.NewString(),
		Credit:     credit.ID,
		Payment:    payment.ID,
		AmountPaid: paid,
		CreatedAt:  now,
	}
	if err := l.store.Create(ctx, credit, store.ModeAll); err != nil {
		return Allocation{}, fmt.Errorf("update credit %s: %w", credit.ID, err)
	}
	for _, obj := range []model.Object{payment, link} {
		if err := l.store.Create(ctx, obj, store.ModeNever); err != nil {
			return Allocation{}, fmt.Errorf("record payment on credit %s: %w", credit.ID, err)
		}
	}
	return Allocation{
		Customer:      customerID,
		Credit:        credit.ID,
		Payment:       payment.ID,
		CreditPayment: link.ID,
		Amount:        paid,
		Fulfilled:     credit.Fulfilled,
	}, nil
}

// Outstanding returns the customer's open credits and their total balance.
func (l *Ledger) Outstanding(ctx context.Context, customerID string) (decimal.Decimal, []*model.Credit, error) {
	customer, err := store.Get[*model.Customer](ctx, l.store, customerID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if customer == nil {
		return decimal.Zero, nil, fmt.Errorf("customer %s: %w", customerID, errs.ErrNotFound)
	}
	total := decimal.Zero
	var open []*model.Credit
	for _, id := range customer.Credits {
		c, err := store.Get[*model.Credit](ctx, l.store, id)
		if err != nil {
			return decimal.Zero, nil, err
		}
		if c == nil || c.Fulfilled {
			continue
		}
		total = total.Add(c.AmountLeft)
		open = append(open, c)
	}
	return total, open, nil
}
