package attendance

import (
	"context"
	"math"
	"time"
)

// ActiveSlotSummary is what a student sees of the open slot. Proofs are never included.
type ActiveSlotSummary struct {
	SlotID     int64     `json:"slot_id"`
	RoomID     int64     `json:"room_id"`
	Room       string    `json:"room"`
	EndsAt     time.Time `json:"ends_at"`
	RequirePin bool      `json:"require_pin"`
}

// StudentSummary backs the student dashboard.
type StudentSummary struct {
	ActiveSlot     *ActiveSlotSummary `json:"active_slot"`
	TotalSessions  int                `json:"total_sessions"`
	Attended       int                `json:"attended"`
	AttendanceRate float64            `json:"attendance_rate"`
}

// Dashboard serves a student's view of the open slot and their record.
type Dashboard struct {
	slots   *SlotManager
	rooms   RoomStore
	counts  SlotStore
	records RecordReader
}

func NewDashboard(slots *SlotManager, rooms RoomStore, counts SlotStore, records RecordReader) *Dashboard {
	return &Dashboard{slots: slots, rooms: rooms, counts: counts, records: records}
}

// Summary builds the dashboard for student at now.
func (d *Dashboard) Summary(ctx context.Context, student User, now time.Time) (StudentSummary, error) {
	var out StudentSummary
	slot, err := d.slots.FindCurrentlyOpenSlot(ctx, now)
	if err != nil {
		return out, err
	}
	if slot != nil {
		room, err := d.rooms.GetRoom(ctx, slot.RoomID)
		if err != nil {
			return out, err
		}
		out.ActiveSlot = &ActiveSlotSummary{
			SlotID:     slot.ID,
			RoomID:     room.ID,
			Room:       room.Name,
			EndsAt:     slot.EndTime,
			RequirePin: slot.RequirePin,
		}
	}
	if out.TotalSessions, err = d.counts.CountSlots(ctx); err != nil {
		return out, err
	}
	if out.Attended, err = d.records.CountStudentRecords(ctx, student.ID); err != nil {
		return out, err
	}
	out.AttendanceRate = AttendanceRate(out.Attended, out.TotalSessions)
	return out, nil
}

// History lists the student's records, newest first.
func (d *Dashboard) History(ctx context.Context, student User, limit int) ([]HistoryEntry, error) {
	return d.records.ListStudentHistory(ctx, student.ID, limit)
}

// AttendanceRate is attended/total as a percentage rounded to one decimal, 0 when total is 0.
func AttendanceRate(attended, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(attended)/float64(total)*1000) / 10
}
