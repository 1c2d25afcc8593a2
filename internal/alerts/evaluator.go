package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/decoder"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/internal/store"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sunlink_alert_transitions_total",
	Help: "Alert transitions produced by evaluation, by alert type and kind.",
}, []string{"alert_type", "kind"})

var unevaluatedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sunlink_alert_unevaluated_readings_total",
	Help: "Readings skipped by alert evaluation because their data type is unknown.",
})

// SilentDevices lists devices whose last heartbeat predates a cutoff.
type SilentDevices interface {
	ListSilentSince(ctx context.Context, cutoff time.Time) ([]identity.Device, error)
}

// Evaluator turns readings and heartbeat recency into alert transitions.
type Evaluator struct {
	store        *AlertStore
	rules        ruleTable
	offlineAfter time.Duration
	devices      SilentDevices
	bus          plugin.EventBus
	logger       *zap.Logger
	now          func() time.Time
	locks        keyLock
}

// NewEvaluator creates an Evaluator. devices may be nil, which disables the
// offline sweep.
func NewEvaluator(s *AlertStore, cfg AlertsConfig, devices SilentDevices, bus plugin.EventBus, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:        s,
		rules:        buildRules(cfg),
		offlineAfter: cfg.OfflineAfter,
		devices:      devices,
		bus:          bus,
		logger:       logger,
		now:          time.Now,
	}
}

// Evaluate applies the rule table to one stored reading. Readings of an
// unknown data type are skipped with a warning; that is never an error.
func (e *Evaluator) Evaluate(ctx context.Context, r Reading) ([]Transition, error) {
	q, ok := ParseQuantity(r.DataType)
	if !ok {
		unevaluatedTotal.Inc()
		e.logger.Warn("no alert rules for data type",
			zap.String("device_id", r.DeviceID),
			zap.String("data_type", r.DataType),
		)
		return nil, nil
	}

	var out []Transition
	collect := func(t *Transition, err error) error {
		if err != nil {
			return err
		}
		if t != nil {
			out = append(out, *t)
		}
		return nil
	}

	meta := map[string]any{"data_type": string(q), "quality": string(r.Quality)}
	if r.SlaveID != 0 {
		meta["slave_id"] = r.SlaveID
	}
	if r.RegisterLabel != "" {
		meta["register_label"] = r.RegisterLabel
	}

	switch r.Quality {
	case decoder.Bad:
		msg := fmt.Sprintf("bad %s reading", q)
		if r.RegisterLabel != "" {
			msg = fmt.Sprintf("bad %s reading from register %s", q, r.RegisterLabel)
		}
		err := collect(e.trigger(ctx, r.DeviceID, commErrorRule, msg, meta, r.Timestamp))
		return out, err
	case decoder.Stale:
		return out, nil
	}

	if err := collect(e.resolve(ctx, r.DeviceID, CommunicationError, SystemActor)); err != nil {
		return out, err
	}
	for _, rl := range e.rules[q] {
		var err error
		if rl.breached(r.Value) {
			m := make(map[string]any, len(meta)+2)
			for k, v := range meta {
				m[k] = v
			}
			m["value"] = r.Value
			m["threshold"] = rl.threshold
			err = collect(e.trigger(ctx, r.DeviceID, rl, rl.message(q, r.Value, r.Unit), m, r.Timestamp))
		} else {
			err = collect(e.resolve(ctx, r.DeviceID, rl.typ, SystemActor))
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// trigger opens an alert or bumps the open one of the same type.
func (e *Evaluator) trigger(ctx context.Context, deviceID string, rl rule, msg string, meta map[string]any, at time.Time) (*Transition, error) {
	unlock := e.locks.lock(deviceID, rl.typ)
	defer unlock()

	now := e.now().UTC()
	if at.IsZero() {
		at = now
	}

	for attempt := 0; attempt < 2; attempt++ {
		open, err := e.store.GetOpen(ctx, deviceID, rl.typ)
		if err != nil {
			return nil, err
		}
		if open != nil {
			if err := e.store.Bump(ctx, open.ID, msg, meta, at.UTC()); err != nil {
				return nil, err
			}
			open.Occurrences++
			open.TriggeredAt = at.UTC()
			open.LastTriggeredAt = at.UTC()
			open.Message = msg
			open.Metadata = meta
			transitionsTotal.WithLabelValues(string(rl.typ), string(Updated)).Inc()
			return &Transition{Kind: Updated, Alert: open}, nil
		}

		a := &Alert{
			ID:              uuid.New().String(),
			DeviceID:        deviceID,
			Type:            rl.typ,
			Severity:        rl.severity,
			Status:          StatusActive,
			Title:           rl.title,
			Message:         msg,
			TriggeredAt:     at.UTC(),
			LastTriggeredAt: at.UTC(),
			Occurrences:     1,
			Metadata:        meta,
		}
		err = e.store.Insert(ctx, a)
		if store.IsUniqueViolation(err) {
			// Another process opened it first; bump that one instead.
			continue
		}
		if err != nil {
			return nil, err
		}

		transitionsTotal.WithLabelValues(string(rl.typ), string(Triggered)).Inc()
		e.logger.Warn("alert triggered",
			zap.String("alert_id", a.ID),
			zap.String("device_id", deviceID),
			zap.String("alert_type", string(rl.typ)),
			zap.String("severity", string(rl.severity)),
		)
		e.publish(ctx, TopicAlertTriggered, a)
		return &Transition{Kind: Triggered, Alert: a}, nil
	}
	return nil, apperr.Transient("open alert changed concurrently", nil)
}

// resolve closes the open alert of a type, if any.
func (e *Evaluator) resolve(ctx context.Context, deviceID string, t Type, by string) (*Transition, error) {
	unlock := e.locks.lock(deviceID, t)
	defer unlock()

	open, err := e.store.GetOpen(ctx, deviceID, t)
	if err != nil || open == nil {
		return nil, err
	}
	now := e.now().UTC()
	changed, err := e.store.Resolve(ctx, open.ID, by, now)
	if err != nil || !changed {
		return nil, err
	}
	open.Status = StatusResolved
	open.ResolvedAt = &now
	open.ResolvedBy = by

	transitionsTotal.WithLabelValues(string(t), string(Resolved)).Inc()
	e.logger.Info("alert resolved",
		zap.String("alert_id", open.ID),
		zap.String("device_id", deviceID),
		zap.String("alert_type", string(t)),
		zap.String("resolved_by", by),
	)
	e.publish(ctx, TopicAlertResolved, open)
	return &Transition{Kind: Resolved, Alert: open}, nil
}

// CheckHeartbeats opens device_offline alerts for devices silent longer
// than the offline threshold.
func (e *Evaluator) CheckHeartbeats(ctx context.Context, now time.Time) ([]Transition, error) {
	if e.devices == nil {
		return nil, nil
	}
	silent, err := e.devices.ListSilentSince(ctx, now.UTC().Add(-e.offlineAfter))
	if err != nil {
		return nil, err
	}
	var out []Transition
	for i := range silent {
		d := &silent[i]
		last := *d.LastHeartbeatAt
		msg := fmt.Sprintf("no heartbeat since %s", last.UTC().Format(time.RFC3339))
		meta := map[string]any{
			"last_heartbeat_at": last.UTC().Format(time.RFC3339),
			"offline_after":     e.offlineAfter.String(),
		}
		t, err := e.trigger(ctx, d.ID, offlineRule, msg, meta, now)
		if err != nil {
			e.logger.Warn("offline alert failed", zap.String("device_id", d.ID), zap.Error(err))
			continue
		}
		// Only new alerts are interesting; an open one is just re-confirmed.
		if t != nil && t.Kind == Triggered {
			out = append(out, *t)
		}
	}
	return out, nil
}

// HeartbeatSeen resolves the device_offline alert of a device, if open.
func (e *Evaluator) HeartbeatSeen(ctx context.Context, deviceID string) (*Transition, error) {
	return e.resolve(ctx, deviceID, DeviceOffline, SystemActor)
}

// Get returns one alert. Unknown IDs are NotFound.
func (e *Evaluator) Get(ctx context.Context, id string) (*Alert, error) {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperr.NotFound("alert %s not found", id)
	}
	return a, nil
}

// List returns alerts matching f, newest first.
func (e *Evaluator) List(ctx context.Context, f Filter) ([]Alert, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("unknown alert status %q", f.Status)
	}
	return e.store.List(ctx, f)
}

// Acknowledge marks an active alert as seen by an operator. Acknowledging
// an already acknowledged alert is a no-op; a resolved one is a conflict.
func (e *Evaluator) Acknowledge(ctx context.Context, id, by string) (*Alert, error) {
	a, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(a.DeviceID, a.Type)
	defer unlock()

	changed, err := e.store.Acknowledge(ctx, id, by, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if a, err = e.Get(ctx, id); err != nil {
		return nil, err
	}
	if !changed {
		if a.Status == StatusResolved {
			return nil, apperr.Conflict("alert %s is already resolved", id)
		}
		return a, nil
	}
	e.publish(ctx, TopicAlertAcknowledged, a)
	return a, nil
}

// Resolve closes an alert on behalf of an operator. Resolving a resolved
// alert is a no-op.
func (e *Evaluator) Resolve(ctx context.Context, id, by string) (*Alert, error) {
	a, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(a.DeviceID, a.Type)
	defer unlock()

	changed, err := e.store.Resolve(ctx, id, by, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if a, err = e.Get(ctx, id); err != nil {
		return nil, err
	}
	if changed {
		transitionsTotal.WithLabelValues(string(a.Type), string(Resolved)).Inc()
		e.publish(ctx, TopicAlertResolved, a)
	}
	return a, nil
}

func (e *Evaluator) publish(ctx context.Context, topic string, a *Alert) {
	if e.bus == nil {
		return
	}
	cp := *a
	e.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "alerts",
		Timestamp: e.now(),
		Payload:   &cp,
	})
}
