package repository

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	file_name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_size BIGINT NOT NULL DEFAULT 0,
	tag TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 5,
	error_message TEXT NOT NULL DEFAULT '',
	result JSONB,
	owner_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_file_name
	ON jobs (file_name) WHERE status IN ('queued', 'processing');
CREATE INDEX IF NOT EXISTS jobs_status_created_at ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS bulk_records (
	reference TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs (id),
	row_number INTEGER NOT NULL,
	id_number TEXT NOT NULL,
	first_name TEXT NOT NULL,
	surname TEXT NOT NULL,
	date_of_birth TEXT NOT NULL DEFAULT '',
	gender TEXT NOT NULL DEFAULT '',
	cell_number TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	province_code TEXT NOT NULL DEFAULT '',
	district_code TEXT NOT NULL DEFAULT '',
	municipality_code TEXT NOT NULL DEFAULT '',
	ward_code TEXT NOT NULL DEFAULT '',
	voting_district_code TEXT NOT NULL DEFAULT '',
	payment_amount TEXT NOT NULL DEFAULT '',
	payment_method TEXT NOT NULL DEFAULT '',
	payment_reference TEXT NOT NULL DEFAULT '',
	payment_date TEXT NOT NULL DEFAULT '',
	verification TEXT NOT NULL DEFAULT '',
	renewal_type TEXT NOT NULL DEFAULT '',
	fraud_flagged BOOLEAN NOT NULL DEFAULT FALSE,
	fraud JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, row_number)
);

CREATE TABLE IF NOT EXISTS members (
	id_number TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	expiry_date DATE NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	file_name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	tag TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 5,
	error_message TEXT NOT NULL DEFAULT '',
	result TEXT,
	owner_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_file_name
	ON jobs (file_name) WHERE status IN ('queued', 'processing');
CREATE INDEX IF NOT EXISTS jobs_status_created_at ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS bulk_records (
	reference TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs (id),
	row_number INTEGER NOT NULL,
	id_number TEXT NOT NULL,
	first_name TEXT NOT NULL,
	surname TEXT NOT NULL,
	date_of_birth TEXT NOT NULL DEFAULT '',
	gender TEXT NOT NULL DEFAULT '',
	cell_number TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	province_code TEXT NOT NULL DEFAULT '',
	district_code TEXT NOT NULL DEFAULT '',
	municipality_code TEXT NOT NULL DEFAULT '',
	ward_code TEXT NOT NULL DEFAULT '',
	voting_district_code TEXT NOT NULL DEFAULT '',
	payment_amount TEXT NOT NULL DEFAULT '',
	payment_method TEXT NOT NULL DEFAULT '',
	payment_reference TEXT NOT NULL DEFAULT '',
	payment_date TEXT NOT NULL DEFAULT '',
	verification TEXT NOT NULL DEFAULT '',
	renewal_type TEXT NOT NULL DEFAULT '',
	fraud_flagged INTEGER NOT NULL DEFAULT 0,
	fraud TEXT,
	UNIQUE (job_id, row_number)
);

CREATE TABLE IF NOT EXISTS members (
	id_number TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	expiry_date INTEGER NOT NULL
);
`
