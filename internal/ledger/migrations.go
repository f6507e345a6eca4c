package ledger

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    phase_id TEXT NOT NULL,
    registered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_idempotency_run ON idempotency_keys(run_id);
CREATE INDEX IF NOT EXISTS idx_idempotency_phase ON idempotency_keys(run_id, phase_id);

CREATE TABLE IF NOT EXISTS breaker_snapshots (
    name TEXT PRIMARY KEY,
    snapshot TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_records (
    event_id TEXT PRIMARY KEY,
    input_hash TEXT NOT NULL,
    error_summary TEXT,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
