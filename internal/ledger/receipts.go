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

// Sale describes a receipt to record.
type Sale struct {
	Customer   string              `json:"customer,omitempty"`
	Items      []model.ReceiptItem `json:"items"`
	AmountPaid decimal.Decimal     `json:"amount_paid"`
	Method     string              `json:"method"`
	DueDate    *time.Time          `json:"due_date,omitempty"`
}

// CreateReceipt records a sale. The paid part becomes a receipt payment and
// the unpaid part a credit owed by the customer.
func (l *Ledger) CreateReceipt(ctx context.Context, sale Sale) (*model.Receipt, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("receipt without items: %w", errs.ErrInvalidAmount)
	}
	total := decimal.Zero
	for _, it := range sale.Items {
		if it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("item %q: %w", it.Name, errs.ErrInvalidAmount)
		}
		total = total.Add(it.Total())
	}
	if sale.AmountPaid.IsNegative() || sale.AmountPaid.GreaterThan(total) {
		return nil, fmt.Errorf("paid %s of %s: %w", sale.AmountPaid, total, errs.ErrInvalidAmount)
	}

	now := l.now().UTC()
	receipt := &model.Receipt{
		ID:           uuid.NewString(),
		Customer:     sale.Customer,
		Items:        sale.Items,
		TotalAmount:  total,
		AmountPaid:   sale.AmountPaid,
		CreditAmount: total.Sub(sale.AmountPaid),
		DueDate:      sale.DueDate,
		CreatedAt:    now,
	}

	err := l.store.Write(ctx, func(ctx context.Context) error {
		var customer *model.Customer
		if sale.Customer != "" {
			var err error
			if customer, err = store.Get[*model.Customer](ctx, l.store, sale.Customer); err != nil {
				return err
			}
		}
		if receipt.CreditAmount.IsPositive() && customer == nil {
			return fmt.Errorf("credit sale needs a customer %q: %w", sale.Customer, errs.ErrNotFound)
		}

		if err := l.store.Create(ctx, receipt, store.ModeNever); err != nil {
			return err
		}
		if receipt.AmountPaid.IsPositive() {
			payment := &model.Payment{
				ID:        uuid.NewString(),
				Customer:  sale.Customer,
				Amount:    receipt.AmountPaid,
				Method:    sale.Method,
				Type:      model.PaymentReceipt,
				Note:      receipt.ID,
				CreatedAt: now,
			}
			if err := l.store.Create(ctx, payment, store.ModeNever); err != nil {
				return err
			}
		}
		if !receipt.CreditAmount.IsPositive() {
			return nil
		}

		credit := &model.Credit{
			ID:         uuid.NewString(),
			Customer:   customer.ID,
			Receipt:    receipt.ID,
			AmountLeft: receipt.CreditAmount,
			AmountPaid: decimal.Zero,
			DueDate:    sale.DueDate,
			CreatedAt:  now,
		}
		if err := l.store.Create(ctx, credit, store.ModeNever); err != nil {
			return err
		}
		customer.Credits = append(customer.Credits, credit.ID)
		return l.store.Create(ctx, customer, store.ModeAll)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("receipt created",
		zap.String("receipt", receipt.ID),
		zap.String("total", total.String()),
		zap.String("credit", receipt.CreditAmount.String()),
	)
	return receipt, nil
}

// CancelReceipt marks a receipt cancelled and withdraws its credit. A credit
// that has already received payments cannot be withdrawn.
func (l *Ledger) CancelReceipt(ctx context.Context, id, reason string) (*model.Receipt, error) {
	var receipt *model.Receipt
	err := l.store.Write(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = store.Get[*model.Receipt](ctx, l.store, id)
		if err != nil {
			return err
		}
		if receipt == nil {
			return fmt.Errorf("receipt %s: %w", id, errs.ErrNotFound)
		}
		if receipt.IsCancelled {
			return nil
		}

		credits, err := store.All[*model.Credit](ctx, l.store)
		if err != nil {
			return err
		}
		for _, c := range store.Filter(credits, func(c *model.Credit) bool { return c.Receipt == id }) {
			if c.AmountPaid.IsPositive() {
				return fmt.Errorf("receipt %s credit %s has payments: %w", id, c.ID, errs.ErrConflict)
			}
			if err := l.withdrawCredit(ctx, c); err != nil {
				return err
			}
		}

		receipt.IsCancelled = true
		receipt.CancellationReason = reason
		return l.store.Create(ctx, receipt, store.ModeAll)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (l *Ledger) withdrawCredit(ctx context.Context, c *model.Credit) error {
	customer, err := store.Get[*model.Customer](ctx, l.store, c.Customer)
	if err != nil {
		return err
	}
	if customer != nil {
		kept := customer.Credits[:0]
		for _, id := range customer.Credits {
			if id != c.ID {
				kept = append(kept, id)
			}
		}
		customer.Credits = kept
		if err := l.store.Create(ctx, customer, store.ModeAll); err != nil {
			return err
		}
	}
	return l.store.Delete(ctx, model.SchemaCredit, c.ID)
}
