package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/storage"
	"github.com/lkcomu/lkcomu/pkg/types"
)

func main() {
	s := storage.Configured()
	profileID := lflag.String("profile-id", "tomsk-user@example.com", "Profile to seed")
	accountCode := lflag.String("account", "7012345678", "Account code to seed")
	meterCode := lflag.String("meter", "0123", "Meter code to seed")
	days := lflag.Duration("window", 90*24*time.Hour, "How far back to seed")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()
	start := types.TruncateDay(now.Add(-*days))

	// daily balance that drifts into debt and is reset by a payment
	// on the 5th of every month
	balance := 150.0
	var balances int
	for t := start; t.Before(now); t = t.Add(24 * time.Hour) {
		if t.Day() == 5 {
			balance += 600 + rng.Float64()*100
		}
		balance -= 15 + rng.Float64()*10
		b := types.Balance{
			AccountCode: *accountCode,
			Amount:      math.Round(balance*100) / 100,
			Timestamp:   t.Add(12 * time.Hour),
		}
		if err := s.UpsertBalance(ctx, *profileID, b); err != nil {
			fmt.Fprintf(os.Stderr, "failed to upsert balance: %v\n", err)
			os.Exit(1)
		}
		balances++
	}

	// one successful submission per month with a failed attempt before it
	last := []float64{12000, 5400}
	var events int
	for t := start; t.Before(now); t = t.AddDate(0, 1, 0) {
		at := time.Date(t.Year(), t.Month(), 20, 10, 0, 0, 0, t.Location())
		if at.After(now) {
			break
		}
		next := []float64{last[0] + 150 + math.Round(rng.Float64()*50), last[1] + 60 + math.Round(rng.Float64()*20)}

		failed := fmt.Sprintf("API error: indication %v is lower than the previous one", last[0]-10)
		ok := "Indications submitted successfully"
		for _, e := range []struct {
			at      time.Time
			values  []float64
			success bool
			comment string
		}{
			{at, []float64{last[0] - 10, next[1]}, false, failed},
			{at.Add(5 * time.Minute), next, true, ok},
		} {
			event := types.IndicationsEvent{
				ID:              uuid.NewString(),
				Type:            types.EventPushResult,
				Timestamp:       e.at,
				EntityID:        "meter_" + *accountCode + "_" + *meterCode,
				MeterCode:       *meterCode,
				CallParams:      types.IndicationsCall{Indications: e.values},
				Success:         e.success,
				Indications:     e.values,
				IndicationsDict: types.IndicationsDict(e.values),
				Comment:         &e.comment,
			}
			if err := s.InsertEvent(ctx, *profileID, event); err != nil {
				fmt.Fprintf(os.Stderr, "failed to insert event: %v\n", err)
				os.Exit(1)
			}
			events++
		}
		last = next
	}

	fmt.Printf("seeded %d balances and %d events for %s\n", balances, events, *profileID)
}
