package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

var validate = validator.New()

// Users provisions identities and carries out admin actions on them.
type Users struct {
	store         UserStore
	clock         Clock
	admins        map[string]struct{}
	allowedDomain string
	policy        *bluemonday.Policy
	logger        zerolog.Logger
}

// UsersConfig holds provisioning rules.
type UsersConfig struct {
	// Admins are emails that are always provisioned as admins.
	Admins []string
	// AllowedDomain restricts sign-in to one email domain when set.
	AllowedDomain string
}

func NewUsers(store UserStore, clock Clock, cfg UsersConfig, logger zerolog.Logger) *Users {
	if clock == nil {
		clock = SystemClock{}
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		if a = NormalizeEmail(a); a != "" {
			admins[a] = struct{}{}
		}
	}
	return &Users{
		store:         store,
		clock:         clock,
		admins:        admins,
		allowedDomain: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.AllowedDomain), "@")),
		policy:        bluemonday.StrictPolicy(),
		logger:        logger.With().Str("component", "users").Logger(),
	}
}

// IsConfiguredAdmin reports whether email is listed as an admin.
func (u *Users) IsConfiguredAdmin(email string) bool {
	_, ok := u.admins[NormalizeEmail(email)]
	return ok
}

// Provision returns the user for email, creating a student on first sight.
// Configured admin emails are promoted to admin.
func (u *Users) Provision(ctx context.Context, email, name string) (User, error) {
	email = NormalizeEmail(email)
	if err := validate.Var(email, "required,email"); err != nil {
		return User{}, fmt.Errorf("%w: invalid email %q", ErrValidation, email)
	}
	if u.allowedDomain != "" && !strings.HasSuffix(email, "@"+u.allowedDomain) {
		return User{}, fmt.Errorf("%w: only %s accounts may sign in", ErrForbidden, u.allowedDomain)
	}

	existing, err := u.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if u.IsConfiguredAdmin(email) && existing.Role != RoleAdmin {
			if err := u.store.SetUserRole(ctx, existing.ID, RoleAdmin); err != nil {
				return User{}, err
			}
			existing.Role = RoleAdmin
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return User{}, err
	}

	display := strings.TrimSpace(u.policy.Sanitize(name))
	if display == "" {
		display = email[:strings.IndexByte(email, '@')]
	}
	user := User{Email: email, Name: display, Role: RoleStudent, CreatedAt: u.clock.Now()}
	if u.IsConfiguredAdmin(email) {
		user.Role = RoleAdmin
	}
	if err := u.store.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost a race with a concurrent sign-in.
			return u.store.GetUserByEmail(ctx, email)
		}
		return User{}, err
	}
	u.logger.Info().Int64("user_id", user.ID).Str("role", string(user.Role)).Msg("user provisioned")
	return user, nil
}

// Get returns a user by id.
func (u *Users) Get(ctx context.Context, id int64) (User, error) {
	return u.store.GetUser(ctx, id)
}

func requireAdmin(requester User) error {
	if requester.IsBanned || !requester.IsAdmin() {
		return fmt.Errorf("%w: admin only", ErrForbidden)
	}
	return nil
}

// Search lists users whose email contains query.
func (u *Users) Search(ctx context.Context, requester User, query string) ([]User, error) {
	if err := requireAdmin(requester); err != nil {
		return nil, err
	}
	return u.store.ListUsers(ctx, query)
}

// SetRole switches a user between student and teacher. Admins cannot be demoted.
func (u *Users) SetRole(ctx context.Context, requester User, id int64, role Role) (User, error) {
	if err := requireAdmin(requester); err != nil {
		return User{}, err
	}
	if role != RoleStudent && role != RoleTeacher {
		return User{}, fmt.Errorf("%w: role must be student or teacher", ErrValidation)
	}
	target, err := u.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if target.IsAdmin() {
		return User{}, fmt.Errorf("%w: admins cannot be demoted", ErrForbidden)
	}
	if target.Role == role {
		return target, nil
	}
	if err := u.store.SetUserRole(ctx, id, role); err != nil {
		return User{}, err
	}
	target.Role = role
	u.logger.Info().Int64("user_id", id).Str("role", string(role)).Int64("by", requester.ID).Msg("role changed")
	return target, nil
}

// SetBanned bans or unbans a user. Admins cannot be banned.
func (u *Users) SetBanned(ctx context.Context, requester User, id int64, banned bool) (User, error) {
	if err := requireAdmin(requester); err != nil {
		return User{}, err
	}
	target, err := u.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if banned && target.IsAdmin() {
		return User{}, fmt.Errorf("%w: admins cannot be banned", ErrForbidden)
	}
	if err := u.store.SetUserBanned(ctx, id, banned); err != nil {
		return User{}, err
	}
	target.IsBanned = banned
	u.logger.Info().Int64("user_id", id).Bool("banned", banned).Int64("by", requester.ID).Msg("ban state changed")
	return target, nil
}

// ResetFingerprint unbinds a user's device.
func (u *Users) ResetFingerprint(ctx context.Context, requester User, id int64) error {
	if err := requireAdmin(requester); err != nil {
		return err
	}
	if err := u.store.ClearFingerprint(ctx, id); err != nil {
		return err
	}
	u.logger.Info().Int64("user_id", id).Int64("by", requester.ID).Msg("fingerprint reset")
	return nil
}

// Stats summarises users for the admin panel.
func (u *Users) Stats(ctx context.Context, requester User) (UserCounts, error) {
	if err := requireAdmin(requester); err != nil {
		return UserCounts{}, err
	}
	return u.store.CountUsers(ctx)
}
