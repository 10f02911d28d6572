package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Repository persists attendance data through database/sql (Postgres via pgx, or SQLite).
type Repository struct {
	db      *sql.DB
	dialect dialect
}

type dialect struct {
	// lockSlot serializes mark transactions per slot; empty when the driver serializes writers itself.
	lockSlot  string
	forUpdate string
}

// NewRepository creates a repo for the given database/sql driver name.
func NewRepository(db *sql.DB, driver string) *Repository {
	d := dialect{}
	if driver == "pgx" {
		d = dialect{
			lockSlot:  `SELECT pg_advisory_xact_lock($1)`,
			forUpdate: ` FOR UPDATE`,
		}
	}
	return &Repository{db: db, dialect: d}
}

var _ Store = (*Repository)(nil)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func notFound(entity string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %w", entity, ErrNotFound)
	}
	return storageErr("get "+entity, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// ---- users ----

const userColumns = `id, email, name, role, is_banned, device_fingerprint, created_at`

func scanUser(row scanner) (User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.IsBanned, &u.DeviceFingerprint, &u.CreatedAt); err != nil {
		return User{}, err
	}
	u.Role = Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func getUser(ctx context.Context, q queryer, id int64, suffix string) (User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`+suffix, id)
	u, err := scanUser(row)
	if err != nil {
		return User{}, notFound("user", err)
	}
	return u, nil
}

// CreateUser inserts a user with a normalised email.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	if u.Role == "" {
		u.Role = RoleStudent
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, name, role, is_banned, device_fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, u.Email, u.Name, string(u.Role), u.IsBanned, u.DeviceFingerprint, u.CreatedAt)
	if err := row.Scan(&u.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: email %s already registered", ErrConflict, u.Email)
		}
		return storageErr("insert user", err)
	}
	return nil
}

// GetUser returns a single user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	return getUser(ctx, r.db, id, "")
}

// GetUserByEmail returns a user by normalised email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
	u, err := scanUser(row)
	if err != nil {
		return User{}, notFound("user", err)
	}
	return u, nil
}

// ListUsers returns users newest first, optionally filtered by an email substring.
func (r *Repository) ListUsers(ctx context.Context, emailQuery string) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	args := []any{}
	if q := NormalizeEmail(emailQuery); q != "" {
		query += ` WHERE email LIKE $1 ESCAPE '\'`
		args = append(args, "%"+escapeLike(q)+"%")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	defer rows.Close()
	var res []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storageErr("scan user", err)
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list users", err)
	}
	return res, nil
}

func (r *Repository) updateUser(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("user %w", ErrNotFound)
	}
	return nil
}

// SetUserRole changes a user's role.
func (r *Repository) SetUserRole(ctx context.Context, id int64, role Role) error {
	return r.updateUser(ctx, "set role", `UPDATE users SET role = $1 WHERE id = $2`, string(role), id)
}

// SetUserBanned bans or unbans a user.
func (r *Repository) SetUserBanned(ctx context.Context, id int64, banned bool) error {
	return r.updateUser(ctx, "set banned", `UPDATE users SET is_banned = $1 WHERE id = $2`, banned, id)
}

// ClearFingerprint unbinds the user's device so the next mark binds a new one.
func (r *Repository) ClearFingerprint(ctx context.Context, id int64) error {
	return r.updateUser(ctx, "clear fingerprint", `UPDATE users SET device_fingerprint = NULL WHERE id = $1`, id)
}

// CountUsers summarises users by role and ban state.
func (r *Repository) CountUsers(ctx context.Context) (UserCounts, error) {
	var c UserCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN role = 'student' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN role = 'teacher' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN role = 'admin' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_banned THEN 1 ELSE 0 END), 0)
		FROM users
	`).Scan(&c.Total, &c.Students, &c.Teachers, &c.Admins, &c.Banned)
	if err != nil {
		return UserCounts{}, storageErr("count users", err)
	}
	return c, nil
}

// ---- rooms ----

// CreateRoom inserts a room.
func (r *Repository) CreateRoom(ctx context.Context, room *Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO rooms (name, created_by, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, room.Name, room.CreatedBy, room.CreatedAt)
	if err := row.Scan(&room.ID); err != nil {
		return storageErr("insert room", err)
	}
	return nil
}

// GetRoom returns a room by id.
func (r *Repository) GetRoom(ctx context.Context, id int64) (Room, error) {
	var room Room
	err := r.db.QueryRowContext(ctx, `SELECT id, name, created_by, created_at FROM rooms WHERE id = $1`, id).
		Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt)
	if err != nil {
		return Room{}, notFound("room", err)
	}
	room.CreatedAt = room.CreatedAt.UTC()
	return room, nil
}

// ListRooms returns rooms newest first.
func (r *Repository) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_by, created_at FROM rooms ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, storageErr("list rooms", err)
	}
	defer rows.Close()
	var res []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt); err != nil {
			return nil, storageErr("scan room", err)
		}
		room.CreatedAt = room.CreatedAt.UTC()
		res = append(res, room)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list rooms", err)
	}
	return res, nil
}

// ---- slots ----

const slotColumns = `id, room_id, opened_by, start_time, end_time, is_active, require_pin, pin_code, qr_token`

func scanSlot(row scanner) (Slot, error) {
	var s Slot
	if err := row.Scan(&s.ID, &s.RoomID, &s.OpenedBy, &s.StartTime, &s.EndTime, &s.IsActive, &s.RequirePin, &s.PinCode, &s.QRToken); err != nil {
		return Slot{}, err
	}
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	return s, nil
}

func (r *Repository) listSlots(ctx context.Context, op, query string, args ...any) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var res []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, storageErr("scan slot", err)
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return res, nil
}

// CreateSlot inserts a slot.
func (r *Repository) CreateSlot(ctx context.Context, s *Slot) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_slots (room_id, opened_by, start_time, end_time, is_active, require_pin, pin_code, qr_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, s.RoomID, s.OpenedBy, s.StartTime, s.EndTime, s.IsActive, s.RequirePin, s.PinCode, s.QRToken)
	if err := row.Scan(&s.ID); err != nil {
		return storageErr("insert slot", err)
	}
	return nil
}

// GetSlot returns a slot by id.
func (r *Repository) GetSlot(ctx context.Context, id int64) (Slot, error) {
	s, err := scanSlot(r.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM attendance_slots WHERE id = $1`, id))
	if err != nil {
		return Slot{}, notFound("slot", err)
	}
	return s, nil
}

// DeactivateSlot marks a slot closed. Closing a closed slot is not an error.
func (r *Repository) DeactivateSlot(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_slots SET is_active = $1 WHERE id = $2`, false, id)
	if err != nil {
		return storageErr("close slot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("close slot", err)
	}
	if n == 0 {
		return fmt.Errorf("slot %w", ErrNotFound)
	}
	return nil
}

// ListActiveSlots returns active slots that have not ended at now, latest start first.
func (r *Repository) ListActiveSlots(ctx context.Context, now time.Time) ([]Slot, error) {
	return r.listSlots(ctx, "list active slots", `
		SELECT `+slotColumns+`
		FROM attendance_slots
		WHERE is_active = $1 AND end_time >= $2
		ORDER BY start_time DESC, id DESC
	`, true, now.UTC())
}

// ListSlotsByRoom returns a room's slots, latest start first.
func (r *Repository) ListSlotsByRoom(ctx context.Context, roomID int64) ([]Slot, error) {
	return r.listSlots(ctx, "list room slots", `
		SELECT `+slotColumns+`
		FROM attendance_slots
		WHERE room_id = $1
		ORDER BY start_time DESC, id DESC
	`, roomID)
}

// CountSlots returns the number of slots ever opened.
func (r *Repository) CountSlots(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_slots`).Scan(&n); err != nil {
		return 0, storageErr("count slots", err)
	}
	return n, nil
}

// ---- marking ----

// InMarkTx runs fn inside one transaction holding the slot's lock.
func (r *Repository) InMarkTx(ctx context.Context, slotID int64, fn func(tx MarkTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin mark tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.dialect.lockSlot != "" {
		if _, err := tx.ExecContext(ctx, r.dialect.lockSlot, slotID); err != nil {
			return storageErr("lock slot", err)
		}
	}
	if err := fn(&markTx{tx: tx, dialect: r.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMarked
		}
		return storageErr("commit mark tx", err)
	}
	return nil
}

type markTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (m *markTx) RecordExists(ctx context.Context, slotID, studentID int64) (bool, error) {
	var one int
	err := m.tx.QueryRowContext(ctx, `
		SELECT 1 FROM attendance_records WHERE slot_id = $1 AND student_id = $2
	`, slotID, studentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check duplicate", err)
	}
	return true, nil
}

func (m *markTx) GetUser(ctx context.Context, id int64) (User, error) {
	return getUser(ctx, m.tx, id, m.dialect.forUpdate)
}

func (m *markTx) BindFingerprint(ctx context.Context, userID int64, fingerprint string) (bool, error) {
	res, err := m.tx.ExecContext(ctx, `
		UPDATE users SET device_fingerprint = $1
		WHERE id = $2 AND device_fingerprint IS NULL
	`, fingerprint, userID)
	if err != nil {
		return false, storageErr("bind fingerprint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("bind fingerprint", err)
	}
	return n == 1, nil
}

func (m *markTx) InsertRecord(ctx context.Context, rec *Record) error {
	row := m.tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (slot_id, student_id, marked_at, fingerprint, method)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, rec.SlotID, rec.StudentID, rec.Timestamp, rec.Fingerprint, string(rec.Method))
	if err := row.Scan(&rec.ID); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMarked
		}
		return storageErr("insert record", err)
	}
	return nil
}

// ---- reads ----

// ListSlotRecords returns a slot's records joined with students, newest first.
func (r *Repository) ListSlotRecords(ctx context.Context, slotID int64, limit int) ([]RecordView, error) {
	query := `
		SELECT ar.id, u.name, u.email, ar.marked_at, ar.method
		FROM attendance_records ar
		JOIN users u ON u.id = ar.student_id
		WHERE ar.slot_id = $1
		ORDER BY ar.marked_at DESC, ar.id DESC`
	args := []any{slotID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list slot records", err)
	}
	defer rows.Close()
	var res []RecordView
	for rows.Next() {
		var v RecordView
		var method string
		if err := rows.Scan(&v.RecordID, &v.StudentName, &v.StudentEmail, &v.Timestamp, &method); err != nil {
			return nil, storageErr("scan record", err)
		}
		v.Timestamp = v.Timestamp.UTC()
		v.Method = Method(method)
		res = append(res, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list slot records", err)
	}
	return res, nil
}

// CountSlotRecords counts a slot's records.
func (r *Repository) CountSlotRecords(ctx context.Context, slotID int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_records WHERE slot_id = $1`, slotID).Scan(&n); err != nil {
		return 0, storageErr("count slot records", err)
	}
	return n, nil
}

// ListStudentHistory returns a student's records with room names, newest first.
func (r *Repository) ListStudentHistory(ctx context.Context, studentID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT ar.id, ar.slot_id, rm.name, ar.marked_at, ar.method
		FROM attendance_records ar
		JOIN attendance_slots s ON s.id = ar.slot_id
		JOIN rooms rm ON rm.id = s.room_id
		WHERE ar.student_id = $1
		ORDER BY ar.marked_at DESC, ar.id DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, storageErr("list history", err)
	}
	defer rows.Close()
	var res []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var method string
		if err := rows.Scan(&h.RecordID, &h.SlotID, &h.RoomName, &h.Timestamp, &method); err != nil {
			return nil, storageErr("scan history", err)
		}
		h.Timestamp = h.Timestamp.UTC()
		h.Method = Method(method)
		res = append(res, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list history", err)
	}
	return res, nil
}

// CountStudentRecords counts a student's records across all slots.
func (r *Repository) CountStudentRecords(ctx context.Context, studentID int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_records WHERE student_id = $1`, studentID).Scan(&n); err != nil {
		return 0, storageErr("count student records", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
