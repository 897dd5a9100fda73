package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/types"
)

var ErrEmptyProfileID = errors.New("profileID cannot be empty")

// Database persists the indications event history and the balance history of
// a portal profile.
type Database interface {
	// Events
	InsertEvent(ctx context.Context, profileID string, event types.IndicationsEvent) error
	GetEventHistory(ctx context.Context, profileID string, start, end time.Time) ([]types.StoredEvent, error)

	// Balances
	// UpsertBalance replaces the balance recorded for the same account and
	// timestamp.
	UpsertBalance(ctx context.Context, profileID string, balance types.Balance) error
	GetBalanceHistory(ctx context.Context, profileID, accountCode string, start, end time.Time) ([]types.Balance, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: firestore, sqlite, none)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		case "none":
			p.Database = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// eventDocID orders lexicographically by time and stays unique per event.
func eventDocID(event types.IndicationsEvent) string {
	return timeKey(event.Timestamp) + "_" + event.ID
}

const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

// timeKey is a fixed width UTC timestamp usable for range queries on keys.
func timeKey(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}

func balanceDocID(b types.Balance) string {
	return b.AccountCode + "_" + timeKey(b.Timestamp)
}

func storedEvent(event types.IndicationsEvent) types.StoredEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return types.StoredEvent{
		ID:        event.ID,
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Data:      event,
	}
}

// restoreEvent copies the wrapper metadata back onto the payload, which does
// not serialize it.
func restoreEvent(se types.StoredEvent) types.StoredEvent {
	se.Data.ID = se.ID
	se.Data.Type = se.Type
	se.Data.Timestamp = se.Timestamp
	return se
}
