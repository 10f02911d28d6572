package attendance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Locker serializes work on a key across callers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MarkedEvent is published after a record is committed.
type MarkedEvent struct {
	RecordID  int64     `json:"record_id"`
	SlotID    int64     `json:"slot_id"`
	StudentID int64     `json:"student_id"`
	Method    Method    `json:"method"`
	At        time.Time `json:"at"`
}

// Notifier publishes marking events. Delivery is best effort.
type Notifier interface {
	PublishMarked(ctx context.Context, evt MarkedEvent) error
}

// MarkStats counts marking outcomes.
type MarkStats interface {
	MarkAttempt(outcome string)
}

// MarkRequest carries a student's proof of presence.
type MarkRequest struct {
	StudentID   int64
	Method      string
	PIN         string
	QRToken     string
	Fingerprint string
	At          time.Time
}

// MarkResult describes a committed record.
type MarkResult struct {
	Record Record
	Slot   Slot
}

// Verifier checks proofs and records attendance.
type Verifier struct {
	slots    *SlotManager
	store    MarkStore
	locker   Locker
	notifier Notifier
	stats    MarkStats
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewVerifier builds a verifier. locker and notifier may be nil.
func NewVerifier(slots *SlotManager, store MarkStore, locker Locker, notifier Notifier, logger zerolog.Logger) *Verifier {
	return &Verifier{
		slots:    slots,
		store:    store,
		locker:   locker,
		notifier: notifier,
		logger:   logger.With().Str("component", "verifier").Logger(),
		tracer:   otel.Tracer("slotattend/internal/attendance/verifier"),
	}
}

// WithStats attaches an outcome counter.
func (v *Verifier) WithStats(stats MarkStats) *Verifier {
	v.stats = stats
	return v
}

// Mark records attendance for req.StudentID against the slot open at req.At.
// Checks run in a fixed order and stop at the first failure: open slot, method, proof,
// duplicate, device.
func (v *Verifier) Mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	ctx, span := v.tracer.Start(ctx, "attendance.mark", trace.WithAttributes(
		attribute.Int64("student.id", req.StudentID),
		attribute.String("method", req.Method),
	))
	defer span.End()

	res, err := v.mark(ctx, req)
	outcome := markOutcome(err)
	if v.stats != nil {
		v.stats.MarkAttempt(outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	switch {
	case err == nil:
		v.logger.Info().
			Int64("record_id", res.Record.ID).
			Int64("slot_id", res.Slot.ID).
			Int64("student_id", req.StudentID).
			Str("method", string(res.Record.Method)).
			Msg("attendance recorded")
	case IsMarkRejection(err) || errors.Is(err, ErrValidation):
		v.logger.Debug().Int64("student_id", req.StudentID).Str("outcome", outcome).Msg("mark rejected")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		v.logger.Error().Err(err).Int64("student_id", req.StudentID).Msg("mark failed")
	}
	return res, err
}

func (v *Verifier) mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	now := req.At
	if now.IsZero() {
		now = v.slots.Now()
	}

	slot, err := v.slots.FindCurrentlyOpenSlot(ctx, now)
	if err != nil {
		return MarkResult{}, err
	}
	if slot == nil {
		return MarkResult{}, ErrNoActiveSession
	}

	method, ok := ParseMethod(req.Method)
	if !ok {
		return MarkResult{}, fmt.Errorf("%w: unknown method %q", ErrValidation, req.Method)
	}
	switch method {
	case MethodPIN:
		if slot.RequirePin && (req.PIN == "" || slot.PinCode == nil || req.PIN != *slot.PinCode) {
			return MarkResult{}, ErrInvalidPin
		}
	case MethodQR:
		if req.QRToken == "" || req.QRToken != slot.QRToken {
			return MarkResult{}, ErrInvalidQRToken
		}
	}

	var fingerprint *string
	if req.Fingerprint != "" {
		fp := req.Fingerprint
		fingerprint = &fp
	}
	rec := Record{
		SlotID:      slot.ID,
		StudentID:   req.StudentID,
		Timestamp:   now,
		Fingerprint: fingerprint,
		Method:      method,
	}
	if err := v.commit(ctx, &rec); err != nil {
		return MarkResult{}, err
	}

	// The slot lock is released by now; publishing never holds up other marks.
	v.publish(ctx, rec)
	return MarkResult{Record: rec, Slot: *slot}, nil
}

// commit runs the duplicate check, device binding and insert under the slot lock.
func (v *Verifier) commit(ctx context.Context, rec *Record) error {
	if v.locker != nil {
		unlock, err := v.locker.Lock(ctx, slotLockKey(rec.SlotID))
		if err != nil {
			return fmt.Errorf("%w: lock slot: %w", ErrStorage, err)
		}
		defer unlock()
	}

	return v.store.InMarkTx(ctx, rec.SlotID, func(tx MarkTx) error {
		exists, err := tx.RecordExists(ctx, rec.SlotID, rec.StudentID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyMarked
		}
		if rec.Fingerprint != nil {
			if err := checkFingerprint(ctx, tx, rec.StudentID, *rec.Fingerprint); err != nil {
				return err
			}
		}
		return tx.InsertRecord(ctx, rec)
	})
}

// checkFingerprint binds fp on first use and rejects a different device afterwards.
func checkFingerprint(ctx context.Context, tx MarkTx, studentID int64, fp string) error {
	student, err := tx.GetUser(ctx, studentID)
	if err != nil {
		return err
	}
	if student.HasFingerprint() {
		if *student.DeviceFingerprint != fp {
			return ErrDeviceMismatch
		}
		return nil
	}
	bound, err := tx.BindFingerprint(ctx, studentID, fp)
	if err != nil {
		return err
	}
	if bound {
		return nil
	}
	// Another request bound a device first.
	student, err = tx.GetUser(ctx, studentID)
	if err != nil {
		return err
	}
	if !student.HasFingerprint() || *student.DeviceFingerprint != fp {
		return ErrDeviceMismatch
	}
	return nil
}

func (v *Verifier) publish(ctx context.Context, rec Record) {
	if v.notifier == nil {
		return
	}
	evt := MarkedEvent{
		RecordID:  rec.ID,
		SlotID:    rec.SlotID,
		StudentID: rec.StudentID,
		Method:    rec.Method,
		At:        rec.Timestamp,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := v.notifier.PublishMarked(ctx, evt); err != nil {
		v.logger.Warn().Err(err).Int64("slot_id", rec.SlotID).Msg("publish attendance.marked")
	}
}

const publishTimeout = time.Second

func slotLockKey(slotID int64) string {
	return "slot:" + strconv.FormatInt(slotID, 10)
}

// Mark outcomes reported to MarkStats.
const (
	OutcomeRecorded        = "recorded"
	OutcomeNoActiveSession = "no_active_session"
	OutcomeInvalidPin      = "invalid_pin"
	OutcomeInvalidQRToken  = "invalid_qr_token"
	OutcomeDeviceMismatch  = "device_mismatch"
	OutcomeAlreadyMarked   = "already_marked"
	OutcomeInvalid         = "invalid"
	OutcomeError           = "error"
)

func markOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeRecorded
	case errors.Is(err, ErrNoActiveSession):
		return OutcomeNoActiveSession
	case errors.Is(err, ErrInvalidPin):
		return OutcomeInvalidPin
	case errors.Is(err, ErrInvalidQRToken):
		return OutcomeInvalidQRToken
	case errors.Is(err, ErrDeviceMismatch):
		return OutcomeDeviceMismatch
	case errors.Is(err, ErrAlreadyMarked):
		return OutcomeAlreadyMarked
	case errors.Is(err, ErrValidation):
		return OutcomeInvalid
	}
	return OutcomeError
}
