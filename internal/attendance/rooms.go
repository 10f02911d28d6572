package attendance

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

const maxRoomName = 120

// Rooms manages the rooms teachers open slots in.
type Rooms struct {
	rooms  RoomStore
	slots  SlotStore
	clock  Clock
	policy *bluemonday.Policy
	logger zerolog.Logger
}

func NewRooms(rooms RoomStore, slots SlotStore, clock Clock, logger zerolog.Logger) *Rooms {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Rooms{
		rooms:  rooms,
		slots:  slots,
		clock:  clock,
		policy: bluemonday.StrictPolicy(),
		logger: logger.With().Str("component", "rooms").Logger(),
	}
}

// CreateRoom adds a room owned by requester.
func (r *Rooms) CreateRoom(ctx context.Context, requester User, name string) (Room, error) {
	if requester.IsBanned || !requester.IsTeacher() {
		return Room{}, fmt.Errorf("%w: only teachers can create rooms", ErrForbidden)
	}
	clean := strings.TrimSpace(r.policy.Sanitize(name))
	if clean == "" {
		return Room{}, fmt.Errorf("%w: room name is required", ErrValidation)
	}
	if utf8.RuneCountInString(clean) > maxRoomName {
		return Room{}, fmt.Errorf("%w: room name exceeds %d characters", ErrValidation, maxRoomName)
	}

	room := Room{Name: clean, CreatedBy: requester.ID, CreatedAt: r.clock.Now()}
	if err := r.rooms.CreateRoom(ctx, &room); err != nil {
		return Room{}, err
	}
	r.logger.Info().Int64("room_id", room.ID).Int64("created_by", requester.ID).Msg("room created")
	return room, nil
}

// ListRooms returns all rooms, newest first.
func (r *Rooms) ListRooms(ctx context.Context) ([]Room, error) {
	return r.rooms.ListRooms(ctx)
}

// ListSlots returns a room's slots, newest first, to its owner or an admin.
func (r *Rooms) ListSlots(ctx context.Context, requester User, roomID int64) ([]Slot, error) {
	room, err := r.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !CanManageRoom(requester, room) {
		return nil, fmt.Errorf("%w: only the room owner or an admin can list its slots", ErrForbidden)
	}
	return r.slots.ListSlotsByRoom(ctx, room.ID)
}
