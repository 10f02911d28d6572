package attendance

import (
	"context"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC at database precision.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, emailQuery string) ([]User, error)
	SetUserRole(ctx context.Context, id int64, role Role) error
	SetUserBanned(ctx context.Context, id int64, banned bool) error
	ClearFingerprint(ctx context.Context, id int64) error
	CountUsers(ctx context.Context) (UserCounts, error)
}

// RoomStore persists rooms.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, id int64) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
}

// SlotStore persists slots.
type SlotStore interface {
	CreateSlot(ctx context.Context, slot *Slot) error
	GetSlot(ctx context.Context, id int64) (Slot, error)
	DeactivateSlot(ctx context.Context, id int64) error
	// ListActiveSlots returns active slots whose window has not ended at now.
	ListActiveSlots(ctx context.Context, now time.Time) ([]Slot, error)
	ListSlotsByRoom(ctx context.Context, roomID int64) ([]Slot, error)
	CountSlots(ctx context.Context) (int, error)
}

// MarkTx is the view of storage available inside one marking transaction.
type MarkTx interface {
	RecordExists(ctx context.Context, slotID, studentID int64) (bool, error)
	GetUser(ctx context.Context, id int64) (User, error)
	// BindFingerprint sets the fingerprint only if none is bound and reports whether it did.
	BindFingerprint(ctx context.Context, userID int64, fingerprint string) (bool, error)
	InsertRecord(ctx context.Context, rec *Record) error
}

// MarkStore runs fn atomically, serialized per slot. An error from fn rolls everything back.
type MarkStore interface {
	InMarkTx(ctx context.Context, slotID int64, fn func(tx MarkTx) error) error
}

// RecordReader reads records back for reports and student views.
type RecordReader interface {
	ListSlotRecords(ctx context.Context, slotID int64, limit int) ([]RecordView, error)
	CountSlotRecords(ctx context.Context, slotID int64) (int, error)
	ListStudentHistory(ctx context.Context, studentID int64, limit int) ([]HistoryEntry, error)
	CountStudentRecords(ctx context.Context, studentID int64) (int, error)
}

// Store is everything the services need from persistence.
type Store interface {
	UserStore
	RoomStore
	SlotStore
	MarkStore
	RecordReader
}

// UserCounts summarises the user table.
type UserCounts struct {
	Total    int `json:"total_users"`
	Students int `json:"total_students"`
	Teachers int `json:"total_teachers"`
	Admins   int `json:"total_admins"`
	Banned   int `json:"banned_count"`
}
