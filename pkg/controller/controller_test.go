package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/energosbyt/energosbyttest"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/storage/storagemock"
	"github.com/lkcomu/lkcomu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

const (
	testProfileID = "tomsk-user@example.com"
	testMeterKey  = "meter_7012345678_0123"
)

type meterIndex map[string]*energosbyt.Meter

func (m meterIndex) Meter(key string) (*energosbyt.Meter, bool) {
	meter, ok := m[key]
	return meter, ok
}

func (meterIndex) ProfileID() string {
	return testProfileID
}

type firedEvent struct {
	Type string
	Data map[string]any
}

type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

type recordingNotifier struct {
	mu       sync.Mutex
	err      error
	events   []firedEvent
	services []serviceCall
}

func (r *recordingNotifier) FireEvent(_ context.Context, eventType string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, firedEvent{Type: eventType, Data: data})
	return r.err
}

func (r *recordingNotifier) CallService(_ context.Context, domain, service string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, serviceCall{Domain: domain, Service: service, Data: data})
	return r.err
}

var equipment = []map[string]any{
	{
		"id_counter": 555, "nm_counter": "0123", "nm_model": "СЕ 102",
		"nn_zone": 1, "nm_zone": "день", "vl_last_ind": 120, "dt_last_ind": "2026-09-21",
		"nn_ind_receive_start": 15, "nn_ind_receive_end": 26,
	},
	{
		"id_counter": 555, "nm_counter": "0123", "nm_model": "СЕ 102",
		"nn_zone": 2, "nm_zone": "ночь", "vl_last_ind": 45, "dt_last_ind": "2026-09-21",
		"nn_ind_receive_start": 15, "nn_ind_receive_end": 26,
	},
}

// tomskMeters serves a two zone tomsk meter whose submission window is open
// on the 16th.
func tomskMeters(t *testing.T) (*energosbyttest.Gateway, meterIndex) {
	gw := energosbyttest.NewGateway(t)
	gw.Handle("AbonentEquipment", equipment)
	gw.Handle("IndicationIsFloat", []map[string]any{{"pr_float": 0}})
	gw.Handle("AbonentSaveIndication", []map[string]any{{"kd_result": 1000, "nm_result": "Показания приняты"}})
	gw.Handle("AbonentCalcCharge", []map[string]any{{"kd_result": 1000, "nm_result": "Расчёт выполнен", "sm_charge": "512,40", "dt_period": "2026-10-01"}})

	now := time.Date(2026, time.October, 16, 12, 0, 0, 0, types.ProviderTomsk.Location())
	client := energosbyt.NewClient(energosbyt.ClientConfig{
		BaseURL:           gw.URL(),
		Username:          "user@example.com",
		Password:          "secret",
		RequestsPerSecond: 1000,
		Now:               func() time.Time { return now },
	})
	acc := types.Account{
		Code:            "7012345678",
		Provider:        types.ProviderTomsk,
		ServiceType:     types.ServiceTypeElectricity,
		ProviderPayload: `{"id":7}`,
	}
	meters, err := energosbyt.NewSmorodinaAccount(client, acc).FetchMeters(context.Background())
	require.NoError(t, err)
	require.Len(t, meters, 1)
	return gw, meterIndex{testMeterKey: meters[0]}
}

func TestPushIndications(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		gw, meters := tomskMeters(t)
		db := &storagemock.MockDatabase{}
		db.On("InsertEvent", mock.Anything, testProfileID, mock.MatchedBy(func(e types.IndicationsEvent) bool {
			return e.Type == types.EventPushResult && e.Success && e.ID != ""
		})).Return(nil).Once()
		n := &recordingNotifier{}
		c := NewController(meters, db, n)

		event, err := c.PushIndications(ctx, testMeterKey, types.IndicationsCall{Indications: []float64{125, 50}})
		require.NoError(t, err)
		assert.True(t, event.Success)
		assert.Equal(t, testMeterKey, event.EntityID)
		assert.Equal(t, "0123", event.MeterCode)
		assert.Equal(t, []float64{125, 50}, event.Indications)
		assert.Equal(t, map[string]float64{"t1": 125, "t2": 50}, event.IndicationsDict)
		require.NotNil(t, event.Comment)
		assert.Equal(t, "Indications submitted successfully", *event.Comment)

		require.Len(t, n.events, 1)
		assert.Equal(t, types.EventPushResult, n.events[0].Type)
		assert.Equal(t, "0123", n.events[0].Data["meter_code"])
		assert.Equal(t, true, n.events[0].Data["success"])
		assert.Empty(t, n.services)

		require.Len(t, gw.CallsNamed("AbonentSaveIndication"), 1)
		db.AssertExpectations(t)
	})

	t.Run("Threshold Error With Notification", func(t *testing.T) {
		gw, meters := tomskMeters(t)
		db := &storagemock.MockDatabase{}
		db.On("InsertEvent", mock.Anything, testProfileID, mock.Anything).Return(nil).Once()
		n := &recordingNotifier{}
		c := NewController(meters, db, n)

		event, err := c.PushIndications(ctx, testMeterKey, types.IndicationsCall{
			Indications:  []float64{100, 50},
			Notification: true,
		})
		var te *energosbyt.IndicationsThresholdError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "t1", te.ZoneID)
		assert.False(t, event.Success)
		require.NotNil(t, event.Comment)
		assert.True(t, strings.HasPrefix(*event.Comment, "API error: "), *event.Comment)
		assert.Empty(t, gw.CallsNamed("AbonentSaveIndication"))

		require.Len(t, n.services, 1)
		call := n.services[0]
		assert.Equal(t, "persistent_notification", call.Domain)
		assert.Equal(t, "create", call.Service)
		assert.Equal(t, "Передача показаний - №0123", call.Data["title"])
		assert.Equal(t, "lkcomu_interrao_push_result_0123", call.Data["notification_id"])
		assert.Equal(t, *event.Comment, call.Data["message"])
		db.AssertExpectations(t)
	})

	t.Run("Notification Overrides", func(t *testing.T) {
		_, meters := tomskMeters(t)
		db := &storagemock.MockDatabase{}
		db.On("InsertEvent", mock.Anything, testProfileID, mock.Anything).Return(nil)
		n := &recordingNotifier{}
		c := NewController(meters, db, n)

		_, err := c.PushIndications(ctx, testMeterKey, types.IndicationsCall{
			Indications: []float64{125, 50},
			Notification: map[string]any{
				"title":   "Счётчик {meter_code}: {success}",
				"message": "{comment} {unknown}",
			},
		})
		require.NoError(t, err)
		require.Len(t, n.services, 1)
		data := n.services[0].Data
		assert.Equal(t, "Счётчик 0123: true", data["title"])
		assert.Equal(t, "Indications submitted successfully {unknown}", data["message"])
		assert.Equal(t, "lkcomu_interrao_push_result_0123", data["notification_id"])
	})

	t.Run("Incremental", func(t *testing.T) {
		gw, meters := tomskMeters(t)
		db := &storagemock.MockDatabase{}
		db.On("InsertEvent", mock.Anything, testProfileID, mock.Anything).Return(nil)
		c := NewController(meters, db, &recordingNotifier{})

		event, err := c.PushIndications(ctx, testMeterKey, types.IndicationsCall{
			Indications: []float64{5, 5},
			Incremental: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []float64{125, 50}, event.Indications)
		assert.True(t, event.CallParams.Incremental)
		calls := gw.CallsNamed("AbonentSaveIndication")
		require.Len(t, calls, 1)
		assert.Equal(t, "125", calls[0].Form.Get("vl_t1"))
		assert.Equal(t, "50", calls[0].Form.Get("vl_t2"))
	})

	t.Run("Publish Failures Do Not Fail The Call", func(t *testing.T) {
		_, meters := tomskMeters(t)
		db := &storagemock.MockDatabase{}
		db.On("InsertEvent", mock.Anything, testProfileID, mock.Anything).Return(errors.New("disk full"))
		n := &recordingNotifier{err: errors.New("home assistant down")}
		c := NewController(meters, db, n)

		event, err := c.PushIndications(ctx, testMeterKey, types.IndicationsCall{Indications: []float64{125, 50}, Notification: true})
		require.NoError(t, err)
		assert.True(t, event.Success)
		assert.Len(t, n.events, 1)
		assert.Len(t, n.services, 1)
	})

	t.Run("Unknown Meter", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		n := &recordingNotifier{}
		c := NewController(meterIndex{}, db, n)

		_, err := c.PushIndications(ctx, "meter_1_2", types.IndicationsCall{Indications: []float64{1}})
		assert.ErrorIs(t, err, ErrMeterNotFound)
		assert.Empty(t, n.events)
		db.AssertExpectations(t)
	})
}

func TestCalculateIndications(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		gw, meters := tomskMeters(t)
		db := &storagemock.MockDatabase{}
		db.On("InsertEvent", mock.Anything, testProfileID, mock.MatchedBy(func(e types.IndicationsEvent) bool {
			return e.Type == types.EventCalculationResult
		})).Return(nil).Once()
		n := &recordingNotifier{}
		c := NewController(meters, db, n)

		event, err := c.CalculateIndications(ctx, testMeterKey, types.IndicationsCall{Indications: []float64{125.7, 50}})
		require.NoError(t, err)
		assert.True(t, event.Success)
		require.NotNil(t, event.Charged)
		assert.InDelta(t, 512.4, *event.Charged, 0.0001)
		assert.Equal(t, "2026-10-01", event.Period)
		require.NotNil(t, event.Correct)
		assert.True(t, *event.Correct)
		// integer meters are truncated before sending
		assert.Equal(t, []float64{125, 50}, event.Indications)
		require.NotNil(t, event.Comment)
		assert.Equal(t, "Successful calculation", *event.Comment)

		require.Len(t, n.events, 1)
		assert.Equal(t, types.EventCalculationResult, n.events[0].Type)
		assert.InDelta(t, 512.4, n.events[0].Data["charged"], 0.0001)
		assert.Empty(t, gw.CallsNamed("AbonentSaveIndication"))
		db.AssertExpectations(t)
	})

	t.Run("Count Error", func(t *testing.T) {
		_, meters := tomskMeters(t)
		db := &storagemock.MockDatabase{}
		db.On("InsertEvent", mock.Anything, testProfileID, mock.Anything).Return(nil)
		n := &recordingNotifier{}
		c := NewController(meters, db, n)

		event, err := c.CalculateIndications(ctx, testMeterKey, types.IndicationsCall{Indications: []float64{125}, Notification: true})
		var ce *energosbyt.IndicationsCountError
		require.ErrorAs(t, err, &ce)
		assert.False(t, event.Success)
		assert.Nil(t, event.Charged)
		require.NotNil(t, event.Comment)
		assert.True(t, strings.HasPrefix(*event.Comment, "Error: "))
		require.Len(t, n.services, 1)
		assert.Equal(t, "Подсчёт показаний - №0123", n.services[0].Data["title"])
		assert.Equal(t, "lkcomu_interrao_calculation_result_0123", n.services[0].Data["notification_id"])
	})
}
