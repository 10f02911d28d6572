package attendance

import (
	"github.com/rs/zerolog"
)

// Options tunes the services built by NewService.
type Options struct {
	Clock    Clock
	Codes    Codes
	Locker   Locker
	Notifier Notifier
	Users    UsersConfig
	Slots    SlotStats
	Marks    MarkStats
}

// Service bundles the attendance services over one store.
type Service struct {
	Slots     *SlotManager
	Verifier  *Verifier
	Rooms     *Rooms
	Users     *Users
	Dashboard *Dashboard
}

// NewService creates a service backed by a store.
func NewService(store Store, logger zerolog.Logger, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	slots := NewSlotManager(store, store, clock, logger)
	if opts.Codes != nil {
		slots.WithCodes(opts.Codes)
	}
	if opts.Slots != nil {
		slots.WithStats(opts.Slots)
	}
	verifier := NewVerifier(slots, store, opts.Locker, opts.Notifier, logger)
	if opts.Marks != nil {
		verifier.WithStats(opts.Marks)
	}
	return &Service{
		Slots:     slots,
		Verifier:  verifier,
		Rooms:     NewRooms(store, store, clock, logger),
		Users:     NewUsers(store, clock, opts.Users, logger),
		Dashboard: NewDashboard(slots, store, store, store),
	}
}
