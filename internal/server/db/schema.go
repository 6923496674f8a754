package db

// The DDL below sticks to types both MySQL (production) and SQLite (tests,
// dev mode) accept. Timestamps are stored as RFC3339 strings for the same
// reason.

// createSequencesTableSQL holds one counter row per allocation year.
// Rows for past years are never touched again after rollover.
const createSequencesTableSQL = `
CREATE TABLE IF NOT EXISTS ticket_sequences (
    year INTEGER PRIMARY KEY,
    counter BIGINT NOT NULL
);
`

// createReportsTableSQL holds one row per accepted report. The unique
// constraint on local_id is the server half of the idempotency contract.
const createReportsTableSQL = `
CREATE TABLE IF NOT EXISTS reports (
    ticket_number VARCHAR(32) PRIMARY KEY,
    local_id VARCHAR(64) NOT NULL UNIQUE,
    device_id VARCHAR(64) NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    category_id INTEGER NOT NULL,
    description TEXT,
    s2_cell VARCHAR(20) NOT NULL,
    submitted_at VARCHAR(40) NOT NULL,
    received_at VARCHAR(40) NOT NULL,
    attachment_content_type VARCHAR(80) NOT NULL DEFAULT '',
    attachment MEDIUMBLOB NULL
);
`
