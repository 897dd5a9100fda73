package server

import (
	"context"
	"time"

	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/poller"
	"github.com/lkcomu/lkcomu/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockPoller struct {
	mock.Mock
}

var _ Poller = (*mockPoller)(nil)

func (m *mockPoller) Accounts() []types.Account {
	args := m.Called()
	return args.Get(0).([]types.Account)
}

func (m *mockPoller) Entities(kind types.EntityKind) []types.Entity {
	args := m.Called(kind)
	return args.Get(0).([]types.Entity)
}

func (m *mockPoller) Unsupported() []poller.UnsupportedAccount {
	args := m.Called()
	if len(args) > 0 {
		return args.Get(0).([]poller.UnsupportedAccount)
	}
	return nil
}

func (m *mockPoller) Handler(accountCode string) (energosbyt.AccountHandler, bool) {
	args := m.Called(accountCode)
	h, _ := args.Get(0).(energosbyt.AccountHandler)
	return h, args.Bool(1)
}

func (m *mockPoller) ProfileID() string {
	return "tomsk-user@example.com"
}

func (m *mockPoller) Refresh(ctx context.Context, kind types.EntityKind) error {
	args := m.Called(ctx, kind)
	return args.Error(0)
}

func (m *mockPoller) RefreshAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockIndications struct {
	mock.Mock
}

var _ Indications = (*mockIndications)(nil)

func (m *mockIndications) PushIndications(ctx context.Context, key string, call types.IndicationsCall) (types.IndicationsEvent, error) {
	args := m.Called(ctx, key, call)
	return args.Get(0).(types.IndicationsEvent), args.Error(1)
}

func (m *mockIndications) CalculateIndications(ctx context.Context, key string, call types.IndicationsCall) (types.IndicationsEvent, error) {
	args := m.Called(ctx, key, call)
	return args.Get(0).(types.IndicationsEvent), args.Error(1)
}

type mockAccount struct {
	mock.Mock
	account types.Account
}

var _ energosbyt.AccountHandler = (*mockAccount)(nil)

func (m *mockAccount) Account() types.Account {
	return m.account
}

func (m *mockAccount) FetchMeters(ctx context.Context) ([]*energosbyt.Meter, error) {
	args := m.Called(ctx)
	meters, _ := args.Get(0).([]*energosbyt.Meter)
	return meters, args.Error(1)
}

func (m *mockAccount) FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error) {
	args := m.Called(ctx, start, end)
	invoices, _ := args.Get(0).([]types.Invoice)
	return invoices, args.Error(1)
}

func (m *mockAccount) FetchPayments(ctx context.Context, start, end time.Time) ([]types.Payment, error) {
	args := m.Called(ctx, start, end)
	payments, _ := args.Get(0).([]types.Payment)
	return payments, args.Error(1)
}

func (m *mockAccount) FetchCurrentBalance(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockAccount) FetchRemainingSubmissionDays(ctx context.Context) (*int, error) {
	args := m.Called(ctx)
	days, _ := args.Get(0).(*int)
	return days, args.Error(1)
}
