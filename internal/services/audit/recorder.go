package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/platform/timeouts"
)

// Record outcomes reported to the observer.
const (
	OutcomeRecorded  = "recorded"
	OutcomeDuplicate = "duplicate"
	OutcomeNoop      = "noop"
	OutcomeError     = "error"
)

// RecordObserver receives the outcome of every record attempt.
type RecordObserver interface {
	ObserveRecord(outcome string)
}

// Recorder turns changes into persisted audit logs.
type Recorder struct {
	store     Store
	notifiers []Notifier
	logger    *zap.Logger
	observer  RecordObserver
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
	// notifyTimeout bounds each notifier call.
	notifyTimeout time.Duration
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithNotifiers appends notifiers told about new logs.
func WithNotifiers(notifiers ...Notifier) RecorderOption {
	return func(r *Recorder) { r.notifiers = append(r.notifiers, notifiers...) }
}

// WithLogger sets the recorder logger.
func WithLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver sets the outcome observer.
func WithObserver(observer RecordObserver) RecorderOption {
	return func(r *Recorder) { r.observer = observer }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithNotifyTimeout bounds each notifier call. Non-positive values keep
// timeouts.Notify.
func WithNotifyTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.notifyTimeout = d
		}
	}
}

// NewRecorder builds a recorder over store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/vernite/realtime/internal/services/audit"),
		now:    time.Now,
		newID:  uuid.NewString,

		notifyTimeout: timeouts.Notify,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Recorder) Store() Store { return r.store }

// Record persists change and notifies on success. It is a no-op returning
// created=false when change carries no diffs. Callers that record inside
// their own transaction use Persist and call Notify after commit.
func (r *Recorder) Record(ctx context.Context, change Change) (Log, bool, error) {
	log, created, err := r.Persist(ctx, change)
	if err != nil || !created {
		return log, created, err
	}
	r.Notify(ctx, log)
	return log, true, nil
}

// Persist writes change without notifying. A repeated ChangeKey returns the
// stored log with created=false.
func (r *Recorder) Persist(ctx context.Context, change Change) (Log, bool, error) {
	if err := validateChange(change); err != nil {
		r.observe(OutcomeError)
		return Log{}, false, err
	}
	if len(change.Diffs) == 0 {
		r.observe(OutcomeNoop)
		return Log{}, false, nil
	}

	ctx, span := r.tracer.Start(ctx, "audit.record", trace.WithAttributes(
		attribute.String("audit.entity_type", change.EntityType),
		attribute.String("audit.entity_id", change.EntityID),
		attribute.String("audit.action", string(change.Action)),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeouts.StorageWrite)
	defer cancel()

	key := strings.TrimSpace(change.ChangeKey)
	id := r.newID()
	if key == "" {
		key = id
	}
	log := Log{
		ID:         id,
		ChangeKey:  key,
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		ActorID:    change.ActorID,
		Room:       change.Room,
		Action:     change.Action,
		RecordedAt: r.now().UTC().Truncate(time.Millisecond),
		Diffs:      change.Diffs,
	}

	stored, created, err := r.store.Save(ctx, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save audit log")
		r.observe(OutcomeError)
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			return Log{}, false, err
		}
		return Log{}, false, &StorageError{Op: "save", Err: err}
	}
	if !created {
		r.observe(OutcomeDuplicate)
		r.logger.Debug("audit change already recorded",
			zap.String("change_key", key),
			zap.String("audit_id", stored.ID))
		return stored, false, nil
	}
	r.observe(OutcomeRecorded)
	return stored, true, nil
}

// Notify hands log to every notifier. Failures are logged; the log itself
// is already durable. Each notifier gets its own deadline so one
// unreachable sink cannot stall the caller or starve the others.
func (r *Recorder) Notify(ctx context.Context, log Log) {
	for _, notifier := range r.notifiers {
		if err := r.notifyOne(ctx, notifier, log); err != nil {
			r.logger.Warn("audit notifier failed",
				zap.String("audit_id", log.ID),
				zap.String("entity_type", log.EntityType),
				zap.String("entity_id", log.EntityID),
				zap.Error(err))
		}
	}
}

func (r *Recorder) notifyOne(ctx context.Context, notifier Notifier, log Log) error {
	ctx, cancel := context.WithTimeout(ctx, r.notifyTimeout)
	defer cancel()
	return notifier.Notify(ctx, log)
}

func (r *Recorder) observe(outcome string) {
	if r.observer != nil {
		r.observer.ObserveRecord(outcome)
	}
}

func validateChange(change Change) error {
	switch {
	case strings.TrimSpace(change.EntityType) == "":
		return apperrors.New(apperrors.CodeInvalidArgument, "entity_type is required")
	case strings.TrimSpace(change.EntityID) == "":
		return apperrors.New(apperrors.CodeInvalidArgument, "entity_id is required")
	case !change.Action.Valid():
		return apperrors.New(apperrors.CodeInvalidArgument, "action must be added, updated or removed")
	}
	return nil
}
