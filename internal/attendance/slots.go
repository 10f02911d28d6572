package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SlotStats receives slot lifecycle events. Observability implements it.
type SlotStats interface {
	SlotOpened()
	SlotClosed()
}

type noopSlotStats struct{}

func (noopSlotStats) SlotOpened() {}
func (noopSlotStats) SlotClosed() {}

// SlotManager opens, closes and resolves attendance slots.
type SlotManager struct {
	rooms  RoomStore
	slots  SlotStore
	clock  Clock
	codes  Codes
	stats  SlotStats
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewSlotManager wires a manager over the given stores.
func NewSlotManager(rooms RoomStore, slots SlotStore, clock Clock, logger zerolog.Logger) *SlotManager {
	if clock == nil {
		clock = SystemClock{}
	}
	return &SlotManager{
		rooms:  rooms,
		slots:  slots,
		clock:  clock,
		codes:  RandomCodes,
		stats:  noopSlotStats{},
		logger: logger.With().Str("component", "slot_manager").Logger(),
		tracer: otel.Tracer("slotattend/internal/attendance/slots"),
	}
}

// WithCodes replaces the proof generator.
func (m *SlotManager) WithCodes(codes Codes) *SlotManager {
	m.codes = codes
	return m
}

// WithStats attaches a lifecycle observer.
func (m *SlotManager) WithStats(stats SlotStats) *SlotManager {
	m.stats = stats
	return m
}

// MaxSlotMinutes caps a slot at one day.
const MaxSlotMinutes = 24 * 60

// OpenSlot starts a new slot for roomID lasting durationMinutes from now.
func (m *SlotManager) OpenSlot(ctx context.Context, requester User, roomID int64, durationMinutes int, requirePin bool) (Slot, error) {
	ctx, span := m.tracer.Start(ctx, "slots.open", trace.WithAttributes(
		attribute.Int64("room.id", roomID),
		attribute.Int64("requester.id", requester.ID),
	))
	defer span.End()

	if durationMinutes <= 0 || durationMinutes > MaxSlotMinutes {
		return Slot{}, fmt.Errorf("%w: duration must be between 1 and %d minutes", ErrValidation, MaxSlotMinutes)
	}
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		span.RecordError(err)
		return Slot{}, err
	}
	if !CanManageRoom(requester, room) {
		return Slot{}, fmt.Errorf("%w: only the room owner or an admin can open a slot", ErrForbidden)
	}

	token, err := m.codes.QRToken()
	if err != nil {
		return Slot{}, err
	}
	var pin *string
	if requirePin {
		p, err := m.codes.PIN()
		if err != nil {
			return Slot{}, err
		}
		pin = &p
	}

	now := m.clock.Now()
	slot := Slot{
		RoomID:     room.ID,
		OpenedBy:   requester.ID,
		StartTime:  now,
		EndTime:    now.Add(time.Duration(durationMinutes) * time.Minute),
		IsActive:   true,
		RequirePin: requirePin,
		PinCode:    pin,
		QRToken:    token,
	}
	if !slot.EndTime.After(slot.StartTime) {
		return Slot{}, fmt.Errorf("%w: slot must end after it starts", ErrValidation)
	}
	if err := m.slots.CreateSlot(ctx, &slot); err != nil {
		span.RecordError(err)
		return Slot{}, err
	}

	m.stats.SlotOpened()
	m.logger.Info().
		Int64("slot_id", slot.ID).
		Int64("room_id", room.ID).
		Int64("opened_by", requester.ID).
		Bool("require_pin", requirePin).
		Time("end_time", slot.EndTime).
		Msg("slot opened")
	return slot, nil
}

// CloseSlot deactivates a slot. Closing an already closed slot succeeds.
func (m *SlotManager) CloseSlot(ctx context.Context, requester User, slotID int64) (Slot, error) {
	ctx, span := m.tracer.Start(ctx, "slots.close", trace.WithAttributes(
		attribute.Int64("slot.id", slotID),
		attribute.Int64("requester.id", requester.ID),
	))
	defer span.End()

	slot, err := m.AuthorizeSlot(ctx, requester, slotID)
	if err != nil {
		return Slot{}, err
	}
	if !slot.IsActive {
		return slot, nil
	}
	if err := m.slots.DeactivateSlot(ctx, slot.ID); err != nil {
		span.RecordError(err)
		return Slot{}, err
	}
	slot.IsActive = false

	m.stats.SlotClosed()
	m.logger.Info().Int64("slot_id", slot.ID).Int64("closed_by", requester.ID).Msg("slot closed")
	return slot, nil
}

// AuthorizeSlot loads a slot and checks that requester may manage its room.
func (m *SlotManager) AuthorizeSlot(ctx context.Context, requester User, slotID int64) (Slot, error) {
	slot, err := m.slots.GetSlot(ctx, slotID)
	if err != nil {
		return Slot{}, err
	}
	room, err := m.rooms.GetRoom(ctx, slot.RoomID)
	if err != nil {
		return Slot{}, err
	}
	if !CanManageRoom(requester, room) {
		return Slot{}, fmt.Errorf("%w: only the room owner or an admin can manage this slot", ErrForbidden)
	}
	return slot, nil
}

// FindCurrentlyOpenSlot returns the slot accepting marks at now, or nil when there is none.
// Ties go to the latest start time, then the highest id.
func (m *SlotManager) FindCurrentlyOpenSlot(ctx context.Context, now time.Time) (*Slot, error) {
	candidates, err := m.slots.ListActiveSlots(ctx, now)
	if err != nil {
		return nil, err
	}
	return pickOpenSlot(candidates, now), nil
}

// OpenSlots returns every slot accepting marks at now.
func (m *SlotManager) OpenSlots(ctx context.Context, now time.Time) ([]Slot, error) {
	candidates, err := m.slots.ListActiveSlots(ctx, now)
	if err != nil {
		return nil, err
	}
	open := candidates[:0]
	for _, s := range candidates {
		if s.OpenAt(now) {
			open = append(open, s)
		}
	}
	return open, nil
}

func pickOpenSlot(candidates []Slot, now time.Time) *Slot {
	var best *Slot
	for i := range candidates {
		s := candidates[i]
		if !s.OpenAt(now) {
			continue
		}
		if best == nil || s.StartTime.After(best.StartTime) ||
			(s.StartTime.Equal(best.StartTime) && s.ID > best.ID) {
			best = &s
		}
	}
	return best
}

// Now exposes the manager's clock to callers that need a consistent view.
func (m *SlotManager) Now() time.Time { return m.clock.Now() }

// CountOpen returns how many slots accept marks at now.
func (m *SlotManager) CountOpen(ctx context.Context, now time.Time) (int, error) {
	open, err := m.OpenSlots(ctx, now)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}
