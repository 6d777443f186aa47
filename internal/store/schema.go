package store

// Statements are separated by ';' and applied in order on every open.

const postgresSchema = `
CREATE TABLE IF NOT EXISTS identities (
	identity_key TEXT PRIMARY KEY,
	first_name   TEXT NOT NULL DEFAULT '',
	last_name    TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	cohort       TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_identities_cohort ON identities (cohort, is_active);

CREATE TABLE IF NOT EXISTS face_enrollments (
	id           TEXT PRIMARY KEY,
	identity_key TEXT NOT NULL REFERENCES identities (identity_key),
	angle        TEXT NOT NULL CHECK (angle IN ('front', 'left', 'right')),
	embedding    BYTEA NOT NULL,
	image_ref    TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	captured_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_face_enrollments_active
	ON face_enrollments (identity_key, angle) WHERE is_active = TRUE;
CREATE INDEX IF NOT EXISTS idx_face_enrollments_known
	ON face_enrollments (angle, is_active, captured_at);

CREATE TABLE IF NOT EXISTS attendance_sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	cohort     TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	threshold  DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_attendance_sessions_status ON attendance_sessions (status, end_time);

CREATE TABLE IF NOT EXISTS attendance_records (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES attendance_sessions (id) ON DELETE CASCADE,
	identity_key  TEXT NOT NULL REFERENCES identities (identity_key),
	status        TEXT NOT NULL DEFAULT 'absent',
	recognized_at TIMESTAMPTZ,
	confidence    DOUBLE PRECISION,
	evidence_ref  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (session_id, identity_key)
);
CREATE INDEX IF NOT EXISTS idx_attendance_records_status ON attendance_records (session_id, status);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token      TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL REFERENCES devices (device_id),
	expires_at TIMESTAMPTZ NOT NULL,
	revoked    BOOLEAN NOT NULL DEFAULT FALSE
)
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS identities (
	identity_key TEXT PRIMARY KEY,
	first_name   TEXT NOT NULL DEFAULT '',
	last_name    TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	cohort       TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_identities_cohort ON identities (cohort, is_active);

CREATE TABLE IF NOT EXISTS face_enrollments (
	id           TEXT PRIMARY KEY,
	identity_key TEXT NOT NULL REFERENCES identities (identity_key),
	angle        TEXT NOT NULL CHECK (angle IN ('front', 'left', 'right')),
	embedding    BLOB NOT NULL,
	image_ref    TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	captured_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_face_enrollments_active
	ON face_enrollments (identity_key, angle) WHERE is_active = TRUE;
CREATE INDEX IF NOT EXISTS idx_face_enrollments_known
	ON face_enrollments (angle, is_active, captured_at);

CREATE TABLE IF NOT EXISTS attendance_sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	cohort     TEXT NOT NULL DEFAULT '',
	start_time DATETIME NOT NULL,
	end_time   DATETIME NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	threshold  REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_attendance_sessions_status ON attendance_sessions (status, end_time);

CREATE TABLE IF NOT EXISTS attendance_records (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES attendance_sessions (id) ON DELETE CASCADE,
	identity_key  TEXT NOT NULL REFERENCES identities (identity_key),
	status        TEXT NOT NULL DEFAULT 'absent',
	recognized_at DATETIME,
	confidence    REAL,
	evidence_ref  TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (session_id, identity_key)
);
CREATE INDEX IF NOT EXISTS idx_attendance_records_status ON attendance_records (session_id, status);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token      TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL REFERENCES devices (device_id),
	expires_at DATETIME NOT NULL,
	revoked    BOOLEAN NOT NULL DEFAULT FALSE
)
`
