package energosbyt

import (
	"context"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
)

const trashPlugin = "trashProxy"

// TrashAccount serves Moscow waste collection accounts. These accounts have
// no meters.
type TrashAccount struct {
	*baseAccount
}

var _ AccountHandler = (*TrashAccount)(nil)

// NewTrashAccount is the Constructor for TrashAccount.
func NewTrashAccount(c *Client, acc types.Account) AccountHandler {
	return &TrashAccount{baseAccount: newBaseAccount(c, acc, trashPlugin)}
}

func (a *TrashAccount) FetchMeters(context.Context) ([]*Meter, error) {
	return nil, ErrNotSupported
}

func (a *TrashAccount) FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error) {
	var rows []chargeDetailRow
	if err := a.proxy(ctx, "AbonentChargeDetail", a.rangeFields(start, end), &rows); err != nil {
		return nil, err
	}
	invoices, err := groupChargeDetail(a.Account().Code, rows, a.Account().Provider.Location())
	if err != nil {
		return nil, &BackendError{Query: "AbonentChargeDetail", Message: err.Error()}
	}
	return invoices, nil
}

func (a *TrashAccount) FetchPayments(ctx context.Context, start, end time.Time) ([]types.Payment, error) {
	var rows []paymentRow
	if err := a.proxy(ctx, "AbonentPays", a.rangeFields(start, end), &rows); err != nil {
		return nil, err
	}
	payments, err := convertPayments(a.Account().Code, rows, a.Account().Provider.Location())
	if err != nil {
		return nil, &BackendError{Query: "AbonentPays", Message: err.Error()}
	}
	return payments, nil
}

// FetchCurrentBalance returns sm_balance as is, it is already positive for
// an overpayment.
func (a *TrashAccount) FetchCurrentBalance(ctx context.Context) (float64, error) {
	return a.fetchBalance(ctx, "AbonentCurrentBalance", "sm_balance", false)
}

func (a *TrashAccount) FetchRemainingSubmissionDays(context.Context) (*int, error) {
	return nil, nil
}
