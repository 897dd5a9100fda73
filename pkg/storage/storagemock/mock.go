package storagemock

import (
	"context"
	"time"

	"github.com/lkcomu/lkcomu/pkg/storage"
	"github.com/lkcomu/lkcomu/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) InsertEvent(ctx context.Context, profileID string, event types.IndicationsEvent) error {
	args := m.Called(ctx, profileID, event)
	return args.Error(0)
}

func (m *MockDatabase) GetEventHistory(ctx context.Context, profileID string, start, end time.Time) ([]types.StoredEvent, error) {
	args := m.Called(ctx, profileID, start, end)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.([]types.StoredEvent), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertBalance(ctx context.Context, profileID string, balance types.Balance) error {
	args := m.Called(ctx, profileID, balance)
	return args.Error(0)
}

func (m *MockDatabase) GetBalanceHistory(ctx context.Context, profileID, accountCode string, start, end time.Time) ([]types.Balance, error) {
	args := m.Called(ctx, profileID, accountCode, start, end)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.([]types.Balance), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
