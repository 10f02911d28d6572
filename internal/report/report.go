// Package report serves the live feed and CSV export of a slot's records.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"slotattend/internal/attendance"
)

// CSVHeader is the first row of every export.
var CSVHeader = []string{"Student Name", "Email", "Timestamp", "Method"}

// FeedRecord is one row of the live feed.
type FeedRecord struct {
	Name      string            `json:"name"`
	Email     string            `json:"email"`
	Timestamp time.Time         `json:"timestamp"`
	Method    attendance.Method `json:"method"`
}

// Feed is the live view of a slot.
type Feed struct {
	SlotID   int64        `json:"slot_id"`
	Records  []FeedRecord `json:"records"`
	Total    int          `json:"total"`
	IsActive bool         `json:"is_active"`
}

// Cache holds recently built feeds. Implementations must tolerate misses.
type Cache interface {
	Get(ctx context.Context, slotID int64) (Feed, bool)
	// Version is read before the feed is built and handed back to Set.
	Version(ctx context.Context, slotID int64) (int64, bool)
	Set(ctx context.Context, feed Feed, version int64, maxTTL time.Duration)
	Invalidate(ctx context.Context, slotID int64) error
}

// Authorizer resolves a slot for a requester who may manage it.
type Authorizer interface {
	AuthorizeSlot(ctx context.Context, requester attendance.User, slotID int64) (attendance.Slot, error)
}

// Service builds reports over stored records.
type Service struct {
	auth    Authorizer
	records attendance.RecordReader
	clock   attendance.Clock
	cache   Cache
	limit   int
	logger  zerolog.Logger
}

func NewService(auth Authorizer, records attendance.RecordReader, clock attendance.Clock, limit int, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = attendance.SystemClock{}
	}
	if limit <= 0 {
		limit = 200
	}
	return &Service{
		auth:    auth,
		records: records,
		clock:   clock,
		limit:   limit,
		logger:  logger.With().Str("component", "report").Logger(),
	}
}

// WithCache enables feed caching.
func (s *Service) WithCache(cache Cache) *Service {
	s.cache = cache
	return s
}

// ListRecords returns up to limit records of a slot, newest first.
func (s *Service) ListRecords(ctx context.Context, requester attendance.User, slotID int64, limit int) ([]attendance.RecordView, error) {
	if _, err := s.auth.AuthorizeSlot(ctx, requester, slotID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	return s.records.ListSlotRecords(ctx, slotID, limit)
}

// Feed returns the live view of a slot. Authorization runs before any cache lookup.
func (s *Service) Feed(ctx context.Context, requester attendance.User, slotID int64) (Feed, error) {
	slot, err := s.auth.AuthorizeSlot(ctx, requester, slotID)
	if err != nil {
		return Feed{}, err
	}
	var version int64
	cacheable := false
	if s.cache != nil {
		if feed, ok := s.cache.Get(ctx, slotID); ok {
			return feed, nil
		}
		version, cacheable = s.cache.Version(ctx, slotID)
	}

	views, err := s.records.ListSlotRecords(ctx, slotID, s.limit)
	if err != nil {
		return Feed{}, err
	}
	total, err := s.records.CountSlotRecords(ctx, slotID)
	if err != nil {
		return Feed{}, err
	}
	now := s.clock.Now()
	feed := Feed{
		SlotID:   slotID,
		Records:  make([]FeedRecord, 0, len(views)),
		Total:    total,
		IsActive: slot.OpenAt(now),
	}
	for _, v := range views {
		feed.Records = append(feed.Records, FeedRecord{
			Name:      v.StudentName,
			Email:     v.StudentEmail,
			Timestamp: v.Timestamp,
			Method:    v.Method,
		})
	}
	if cacheable {
		s.cache.Set(ctx, feed, version, untilWindowChange(slot, now))
	}
	return feed, nil
}

// untilWindowChange is how long is_active stays as computed at now. Zero means it never changes.
func untilWindowChange(slot attendance.Slot, now time.Time) time.Duration {
	if !slot.IsActive {
		return 0
	}
	if now.Before(slot.StartTime) {
		return slot.StartTime.Sub(now)
	}
	// The end instant itself is still open.
	if !now.After(slot.EndTime) {
		return slot.EndTime.Sub(now) + time.Millisecond
	}
	return 0
}

// ExportCSV writes every record of a slot as CSV, newest first.
func (s *Service) ExportCSV(ctx context.Context, requester attendance.User, slotID int64, w io.Writer) error {
	if _, err := s.auth.AuthorizeSlot(ctx, requester, slotID); err != nil {
		return err
	}
	views, err := s.records.ListSlotRecords(ctx, slotID, 0)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, v := range views {
		row := []string{v.StudentName, v.StudentEmail, v.Timestamp.UTC().Format(time.RFC3339), string(v.Method)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	s.logger.Debug().Int64("slot_id", slotID).Int("rows", len(views)).Msg("csv exported")
	return nil
}

// Invalidate drops the cached feed of a slot.
func (s *Service) Invalidate(ctx context.Context, slotID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, slotID)
}

// ExportFilename names the attachment for a slot export.
func ExportFilename(slotID int64) string {
	return fmt.Sprintf("attendance_slot_%d.csv", slotID)
}
