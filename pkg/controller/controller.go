package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lkcomu/lkcomu/pkg/config"
	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/metrics"
	"github.com/lkcomu/lkcomu/pkg/storage"
	"github.com/lkcomu/lkcomu/pkg/types"
)

// ErrMeterNotFound is returned when no meter entity has the given key.
var ErrMeterNotFound = errors.New("meter not found")

const (
	pushTitle        = "Передача показаний"
	calculationTitle = "Подсчёт показаний"

	pushSuccessComment        = "Indications submitted successfully"
	calculationSuccessComment = "Successful calculation"
)

var (
	htmlTagRE     = regexp.MustCompile(`<[^<]+?>`)
	multiSpacesRE = regexp.MustCompile(`\s{2,}`)
)

// Notifier publishes results to the home automation side.
type Notifier interface {
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Meters resolves meter entity keys to live meters for the active profile.
type Meters interface {
	Meter(key string) (*energosbyt.Meter, bool)
	ProfileID() string
}

// Controller runs indications submissions and calculations and publishes
// their outcome.
type Controller struct {
	meters   Meters
	db       storage.Database
	notifier Notifier
	now      func() time.Time
}

// NewController creates a new Controller.
func NewController(meters Meters, db storage.Database, notifier Notifier) *Controller {
	return &Controller{
		meters:   meters,
		db:       db,
		notifier: notifier,
		now:      time.Now,
	}
}

func submitOptions(call types.IndicationsCall) energosbyt.SubmitOptions {
	return energosbyt.SubmitOptions{
		IgnorePeriod:      call.IgnorePeriod,
		IgnoreIndications: call.IgnoreIndications,
		Incremental:       call.Incremental,
	}
}

func (c *Controller) meter(ctx context.Context, key string) (*energosbyt.Meter, context.Context, error) {
	m, ok := c.meters.Meter(key)
	if !ok {
		return nil, ctx, fmt.Errorf("%w: %s", ErrMeterNotFound, key)
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(
		slog.String("meterKey", key),
		slog.String("meterCode", m.Code()),
	))
	return m, ctx, nil
}

func (c *Controller) newEvent(eventType, key string, m *energosbyt.Meter, call types.IndicationsCall) types.IndicationsEvent {
	values := m.ResolveIndications(call.Indications, call.Incremental)
	return types.IndicationsEvent{
		ID:              uuid.NewString(),
		Type:            eventType,
		Timestamp:       c.now(),
		EntityID:        key,
		MeterCode:       m.Code(),
		CallParams:      call,
		Indications:     values,
		IndicationsDict: types.IndicationsDict(values),
	}
}

// PushIndications validates and submits readings for the meter. The returned
// event is always populated once the meter is found, the error carries the
// typed failure.
func (c *Controller) PushIndications(ctx context.Context, key string, call types.IndicationsCall) (types.IndicationsEvent, error) {
	m, ctx, err := c.meter(ctx, key)
	if err != nil {
		return types.IndicationsEvent{}, err
	}
	if !m.Submittable() {
		return types.IndicationsEvent{}, fmt.Errorf("meter %s does not support indications submission: %w", m.Code(), energosbyt.ErrNotSupported)
	}
	log.Ctx(ctx).InfoContext(ctx, "begin handling indications submission")

	event := c.newEvent(types.EventPushResult, key, m, call)
	backendComment, err := m.SubmitIndications(ctx, call.Indications, submitOptions(call))
	var comment string
	if err != nil {
		comment = "API error: " + err.Error()
	} else {
		event.Success = true
		comment = pushSuccessComment
		log.Ctx(ctx).DebugContext(ctx, "backend accepted indications", slog.String("comment", backendComment))
	}
	event.Comment = &comment
	metrics.ObserveIndications("push", event.Success)

	c.publish(ctx, event, call, pushTitle)
	log.Ctx(ctx).InfoContext(ctx, "end handling indications submission")
	return event, err
}

// CalculateIndications runs the dry-run charge calculation for the meter.
func (c *Controller) CalculateIndications(ctx context.Context, key string, call types.IndicationsCall) (types.IndicationsEvent, error) {
	m, ctx, err := c.meter(ctx, key)
	if err != nil {
		return types.IndicationsEvent{}, err
	}
	if !m.Submittable() {
		return types.IndicationsEvent{}, fmt.Errorf("meter %s does not support indications calculation: %w", m.Code(), energosbyt.ErrNotSupported)
	}
	log.Ctx(ctx).InfoContext(ctx, "begin handling indications calculation")

	event := c.newEvent(types.EventCalculationResult, key, m, call)
	calc, err := m.CalculateIndications(ctx, call.Indications, submitOptions(call))
	var comment string
	if err != nil {
		comment = "Error: " + err.Error()
	} else {
		event.Success = true
		event.Charged = types.Float64(calc.Charged)
		event.Indications = calc.Indications
		event.IndicationsDict = types.IndicationsDict(calc.Indications)
		if !calc.Period.IsZero() {
			event.Period = calc.Period.Format(time.DateOnly)
		}
		comment = calculationSuccessComment
	}
	correct := event.Success
	event.Correct = &correct
	event.Comment = &comment
	metrics.ObserveIndications("calculate", event.Success)

	c.publish(ctx, event, call, calculationTitle)
	log.Ctx(ctx).InfoContext(ctx, "end handling indications calculation")
	return event, err
}

// publish logs, stores and fires the event and creates the notification when
// the call asked for one. Failures here never change the call's outcome.
func (c *Controller) publish(ctx context.Context, event types.IndicationsEvent, call types.IndicationsCall, title string) {
	message := "Response comment not provided"
	if event.Comment != nil {
		message = *event.Comment
	}
	logged := multiSpacesRE.ReplaceAllString(htmlTagRE.ReplaceAllString("Response comment: "+message, ""), " ")
	if event.Success {
		log.Ctx(ctx).InfoContext(ctx, logged)
	} else {
		log.Ctx(ctx).ErrorContext(ctx, logged)
	}

	if err := c.db.InsertEvent(ctx, c.meters.ProfileID(), event); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store indications event", slog.Any("error", err))
	}

	data := event.Data()
	if err := c.notifier.FireEvent(ctx, event.Type, data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fire indications event", slog.String("eventType", event.Type), slog.Any("error", err))
	}

	overrides, ok := call.NotificationOverrides()
	if !ok {
		return
	}
	payload := notificationPayload(event, title, message, overrides, data)
	if err := c.notifier.CallService(ctx, "persistent_notification", "create", payload); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create notification", slog.Any("error", err))
	}
}

func notificationPayload(event types.IndicationsEvent, title, message string, overrides map[string]string, data map[string]any) map[string]any {
	payload := map[string]any{
		"title":           title + " - №" + event.MeterCode,
		"notification_id": event.Type + "_" + event.MeterCode,
		"message":         message,
	}
	if len(overrides) == 0 {
		return payload
	}
	vars := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			vars[k] = "None"
			continue
		}
		vars[k] = strings.TrimSpace(fmt.Sprint(v))
	}
	for k, v := range overrides {
		payload[k] = config.FormatName(v, vars)
	}
	return payload
}
