// Package postgres implements the durable Postgres store for the index pipeline.
package postgres

const schemaDDL = `
CREATE TABLE IF NOT EXISTS trading_days (
    trade_date DATE PRIMARY KEY,
    added_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS raw_prices (
    provider    TEXT NOT NULL,
    ticker      TEXT NOT NULL,
    trade_date  DATE NOT NULL,
    close       DOUBLE PRECISION,
    adj_close   DOUBLE PRECISION,
    status      TEXT NOT NULL,
    error       TEXT,
    ingested_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (provider, ticker, trade_date)
);
CREATE INDEX IF NOT EXISTS idx_raw_prices_ticker_date ON raw_prices (ticker, trade_date);

CREATE TABLE IF NOT EXISTS canonical_prices (
    ticker             TEXT NOT NULL,
    trade_date         DATE NOT NULL,
    close              DOUBLE PRECISION,
    adj_close          DOUBLE PRECISION,
    n_providers        INTEGER NOT NULL,
    quality            TEXT NOT NULL,
    source_provider    TEXT NOT NULL,
    source_ingested_at TIMESTAMPTZ NOT NULL,
    override           BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (ticker, trade_date)
);
CREATE INDEX IF NOT EXISTS idx_canonical_prices_date ON canonical_prices (trade_date);

CREATE TABLE IF NOT EXISTS index_rebalances (
    rebalance_date DATE NOT NULL,
    ticker         TEXT NOT NULL,
    shares         DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (rebalance_date, ticker)
);

CREATE TABLE IF NOT EXISTS constituent_daily (
    trade_date     DATE NOT NULL,
    ticker         TEXT NOT NULL,
    rebalance_date DATE NOT NULL,
    shares         DOUBLE PRECISION NOT NULL,
    price_used     DOUBLE PRECISION NOT NULL,
    market_value   DOUBLE PRECISION NOT NULL,
    weight         DOUBLE PRECISION NOT NULL,
    price_quality  TEXT NOT NULL,
    PRIMARY KEY (trade_date, ticker)
);

CREATE TABLE IF NOT EXISTS contribution_daily (
    trade_date   DATE NOT NULL,
    ticker       TEXT NOT NULL,
    weight_prev  DOUBLE PRECISION NOT NULL,
    ret_1d       DOUBLE PRECISION NOT NULL,
    contribution DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (trade_date, ticker)
);

CREATE TABLE IF NOT EXISTS index_levels (
    trade_date DATE PRIMARY KEY,
    level_tr   DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS stats_daily (
    trade_date        DATE PRIMARY KEY,
    ret_1d            DOUBLE PRECISION,
    ret_5d            DOUBLE PRECISION,
    ret_20d           DOUBLE PRECISION,
    vol_20d           DOUBLE PRECISION,
    max_drawdown_252d DOUBLE PRECISION,
    n_constituents    INTEGER NOT NULL,
    n_imputed         INTEGER NOT NULL,
    top5_weight       DOUBLE PRECISION NOT NULL,
    herfindahl        DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS job_runs (
    run_id       TEXT PRIMARY KEY,
    job_name     TEXT NOT NULL,
    status       TEXT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    ended_at     TIMESTAMPTZ,
    error_detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_runs_status_started ON job_runs (status, started_at);

CREATE TABLE IF NOT EXISTS pipeline_health (
    id         SMALLINT PRIMARY KEY CHECK (id = 1),
    snapshot   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_quota (
    provider     TEXT NOT NULL,
    window_kind  TEXT NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    used         INTEGER NOT NULL,
    PRIMARY KEY (provider, window_kind, window_start)
);

CREATE TABLE IF NOT EXISTS ticker_renames (
    id          BIGSERIAL PRIMARY KEY,
    from_ticker TEXT NOT NULL,
    to_ticker   TEXT NOT NULL,
    executed_at TIMESTAMPTZ NOT NULL,
    rows_moved  INTEGER NOT NULL,
    collisions  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ticker_rename_collisions (
    id          BIGSERIAL PRIMARY KEY,
    rename_id   BIGINT NOT NULL REFERENCES ticker_renames (id),
    table_name  TEXT NOT NULL,
    key         TEXT NOT NULL,
    resolution  TEXT NOT NULL,
    resolved_at TIMESTAMPTZ NOT NULL
);
`
