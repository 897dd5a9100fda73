package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Every
// record is a document holding the JSON encoded value next to its timestamp.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project ID is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(profileID, name string) (*firestore.CollectionRef, error) {
	if profileID == "" {
		return nil, ErrEmptyProfileID
	}
	return f.client.Collection("profiles").Doc(profileID).Collection(name), nil
}

// InsertEvent adds an event to the "events" collection. The document ID
// starts with the event time so ID range queries follow time order. Inserting
// the same event twice is a no-op.
func (f *FirestoreProvider) InsertEvent(ctx context.Context, profileID string, event types.IndicationsEvent) error {
	se := storedEvent(event)
	jsonBytes, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	coll, err := f.getCollection(profileID, "events")
	if err != nil {
		return err
	}
	_, err = coll.Doc(eventDocID(se.Data)).Create(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": se.Timestamp,
		"type":      se.Type,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetEventHistory returns the events in [start, end) oldest first.
func (f *FirestoreProvider) GetEventHistory(ctx context.Context, profileID string, start, end time.Time) ([]types.StoredEvent, error) {
	coll, err := f.getCollection(profileID, "events")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(timeKey(start))).
		Where(firestore.DocumentID, "<", coll.Doc(timeKey(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var events []types.StoredEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate events: %w", err)
		}
		var se types.StoredEvent
		if err := decodeJSONField(ctx, doc, &se); err != nil {
			continue
		}
		events = append(events, restoreEvent(se))
	}
	return events, nil
}

// UpsertBalance writes the balance under "<account>_<time>" so a repeat
// write for the same moment overwrites it.
func (f *FirestoreProvider) UpsertBalance(ctx context.Context, profileID string, balance types.Balance) error {
	jsonBytes, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	coll, err := f.getCollection(profileID, "balances")
	if err != nil {
		return err
	}
	_, err = coll.Doc(balanceDocID(balance)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": balance.Timestamp,
		"account":   balance.AccountCode,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

// GetBalanceHistory returns one account's balances in [start, end) oldest
// first.
func (f *FirestoreProvider) GetBalanceHistory(ctx context.Context, profileID, accountCode string, start, end time.Time) ([]types.Balance, error) {
	coll, err := f.getCollection(profileID, "balances")
	if err != nil {
		return nil, err
	}
	startID := balanceDocID(types.Balance{AccountCode: accountCode, Timestamp: start})
	endID := balanceDocID(types.Balance{AccountCode: accountCode, Timestamp: end})
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startID)).
		Where(firestore.DocumentID, "<", coll.Doc(endID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var balances []types.Balance
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate balances: %w", err)
		}
		var b types.Balance
		if err := decodeJSONField(ctx, doc, &b); err != nil {
			continue
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// decodeJSONField unmarshals the document's "json" field. Broken documents
// are logged so the caller can skip them.
func decodeJSONField(ctx context.Context, doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID))
		return err
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("'json' field is not a string")
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
		return err
	}
	return nil
}
