package attendance

import (
	"strings"
	"time"
)

// Role is the single role a user holds at a time.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// Method is the proof-of-presence method used for a mark.
type Method string

const (
	MethodPIN Method = "pin"
	MethodQR  Method = "qr"
)

// ParseMethod maps a wire value to a Method. An empty value means pin.
func ParseMethod(s string) (Method, bool) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodPIN:
		return MethodPIN, true
	case MethodQR:
		return MethodQR, true
	}
	return "", false
}

// User is an authenticated identity.
type User struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	Role              Role      `json:"role"`
	IsBanned          bool      `json:"is_banned"`
	DeviceFingerprint *string   `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

func (u User) IsAdmin() bool   { return u.Role == RoleAdmin }
func (u User) IsTeacher() bool { return u.Role == RoleTeacher || u.Role == RoleAdmin }

// HasFingerprint reports whether a device is bound to the user.
func (u User) HasFingerprint() bool {
	return u.DeviceFingerprint != nil && *u.DeviceFingerprint != ""
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Room groups slots and is owned by one teacher.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Slot is a time-boxed attendance window for a room.
type Slot struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"room_id"`
	OpenedBy   int64     `json:"opened_by"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	IsActive   bool      `json:"is_active"`
	RequirePin bool      `json:"require_pin"`
	PinCode    *string   `json:"-"`
	QRToken    string    `json:"-"`
}

// OpenAt reports whether the slot accepts marks at now.
func (s Slot) OpenAt(now time.Time) bool {
	return IsOpen(s.IsActive, s.StartTime, s.EndTime, now)
}

// IsOpen derives the effective open state of a slot. Closing always wins over the window.
func IsOpen(isActive bool, start, end, now time.Time) bool {
	if !isActive {
		return false
	}
	return !now.Before(start) && !now.After(end)
}

// Record is an append-only proof-of-presence entry.
type Record struct {
	ID          int64     `json:"id"`
	SlotID      int64     `json:"slot_id"`
	StudentID   int64     `json:"student_id"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint *string   `json:"-"`
	Method      Method    `json:"method"`
}

// RecordView is a record joined with the student it belongs to.
type RecordView struct {
	RecordID     int64
	StudentName  string
	StudentEmail string
	Timestamp    time.Time
	Method       Method
}

// HistoryEntry is a record joined with its slot and room, as shown to the student.
type HistoryEntry struct {
	RecordID  int64     `json:"id"`
	SlotID    int64     `json:"slot_id"`
	RoomName  string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
	Method    Method    `json:"method"`
}
