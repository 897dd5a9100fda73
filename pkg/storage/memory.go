package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
)

// Memory is a Database that keeps everything in process. It is used when
// persistence is disabled.
type Memory struct {
	mu       sync.Mutex
	events   map[string]map[string]types.StoredEvent
	balances map[string]map[string]types.Balance
}

var _ Database = (*Memory)(nil)

// NewMemory returns an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{
		events:   make(map[string]map[string]types.StoredEvent),
		balances: make(map[string]map[string]types.Balance),
	}
}

func (m *Memory) InsertEvent(_ context.Context, profileID string, event types.IndicationsEvent) error {
	if profileID == "" {
		return ErrEmptyProfileID
	}
	se := storedEvent(event)
	key := eventDocID(se.Data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events[profileID] == nil {
		m.events[profileID] = make(map[string]types.StoredEvent)
	}
	if _, ok := m.events[profileID][key]; !ok {
		m.events[profileID][key] = restoreEvent(se)
	}
	return nil
}

func (m *Memory) GetEventHistory(_ context.Context, profileID string, start, end time.Time) ([]types.StoredEvent, error) {
	if profileID == "" {
		return nil, ErrEmptyProfileID
	}
	lo, hi := timeKey(start), timeKey(end)

	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.events[profileID] {
		if k >= lo && k < hi {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	events := make([]types.StoredEvent, 0, len(keys))
	for _, k := range keys {
		events = append(events, m.events[profileID][k])
	}
	return events, nil
}

func (m *Memory) UpsertBalance(_ context.Context, profileID string, balance types.Balance) error {
	if profileID == "" {
		return ErrEmptyProfileID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[profileID] == nil {
		m.balances[profileID] = make(map[string]types.Balance)
	}
	m.balances[profileID][balanceDocID(balance)] = balance
	return nil
}

func (m *Memory) GetBalanceHistory(_ context.Context, profileID, accountCode string, start, end time.Time) ([]types.Balance, error) {
	if profileID == "" {
		return nil, ErrEmptyProfileID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var balances []types.Balance
	for _, b := range m.balances[profileID] {
		if b.AccountCode != accountCode || b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		balances = append(balances, b)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Timestamp.Before(balances[j].Timestamp) })
	return balances, nil
}

func (m *Memory) Close() error {
	return nil
}
