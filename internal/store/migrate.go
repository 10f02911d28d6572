package store

import (
	"context"
	"fmt"
	"strings"
)

type schemaTypes struct {
	id   string
	time string
}

var dialectTypes = map[string]schemaTypes{
	DriverPostgres: {id: "BIGSERIAL PRIMARY KEY", time: "TIMESTAMPTZ"},
	DriverSQLite:   {id: "INTEGER PRIMARY KEY AUTOINCREMENT", time: "DATETIME"},
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS users (
	id {{id}},
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'student' CHECK (role IN ('student', 'teacher', 'admin')),
	is_banned BOOLEAN NOT NULL DEFAULT FALSE,
	device_fingerprint TEXT,
	created_at {{time}} NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id {{id}},
	name TEXT NOT NULL,
	created_by BIGINT NOT NULL REFERENCES users(id),
	created_at {{time}} NOT NULL
);

CREATE TABLE IF NOT EXISTS attendance_slots (
	id {{id}},
	room_id BIGINT NOT NULL REFERENCES rooms(id),
	opened_by BIGINT NOT NULL REFERENCES users(id),
	start_time {{time}} NOT NULL,
	end_time {{time}} NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	require_pin BOOLEAN NOT NULL DEFAULT FALSE,
	pin_code TEXT,
	qr_token TEXT NOT NULL,
	CHECK (start_time < end_time)
);

CREATE INDEX IF NOT EXISTS idx_attendance_slots_active ON attendance_slots (is_active, end_time);
CREATE INDEX IF NOT EXISTS idx_attendance_slots_room ON attendance_slots (room_id);

CREATE TABLE IF NOT EXISTS attendance_records (
	id {{id}},
	slot_id BIGINT NOT NULL REFERENCES attendance_slots(id),
	student_id BIGINT NOT NULL REFERENCES users(id),
	marked_at {{time}} NOT NULL,
	fingerprint TEXT,
	method TEXT NOT NULL CHECK (method IN ('pin', 'qr')),
	UNIQUE (slot_id, student_id)
);

CREATE INDEX IF NOT EXISTS idx_attendance_records_student ON attendance_records (student_id);
`

// Schema renders the DDL for driver.
func Schema(driver string) ([]string, error) {
	types, ok := dialectTypes[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	ddl := strings.NewReplacer("{{id}}", types.id, "{{time}}", types.time).Replace(schemaTemplate)
	var stmts []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *DB) error {
	stmts, err := Schema(db.Driver)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
