package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

// CreateCustomer registers a customer with no credits. Mobile numbers are
// unique across customers.
func (l *Ledger) CreateCustomer(ctx context.Context, name, mobile string) (*model.Customer, error) {
	name, mobile = strings.TrimSpace(name), strings.TrimSpace(mobile)
	if name == "" || mobile == "" {
		return nil, fmt.Errorf("customer needs a name and a mobile: %w", errs.ErrInvalidInput)
	}

	c := &model.Customer{ID: uuid.NewString(), Name: name, Mobile: mobile, Credits: []string{}}
	err := l.store.Write(ctx, func(ctx context.Context) error {
		all, err := store.All[*model.Customer](ctx, l.store)
		if err != nil {
			return err
		}
		if taken := store.Filter(all, func(o *model.Customer) bool { return o.Mobile == mobile }); len(taken) > 0 {
			return fmt.Errorf("customer with mobile %s: %w", mobile, errs.ErrAlreadyExists)
		}
		return l.store.Create(ctx, c, store.ModeNever)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("customer created", zap.String("customer", c.ID))
	return c, nil
}
