package store

// Plan identity is the pair (id, version): one row per version, with
// is_current marking the single live row per id. A primary key on id alone
// cannot represent version history, so uniqueness is enforced on the pair.
const schema = `
CREATE TABLE IF NOT EXISTS plans (
    id TEXT NOT NULL,
    project TEXT NOT NULL,
    version INTEGER NOT NULL,
    status TEXT NOT NULL,
    data TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    is_current INTEGER NOT NULL DEFAULT 1,
    UNIQUE(id, version)
);

CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project);
CREATE INDEX IF NOT EXISTS idx_plans_id_current ON plans(id, is_current);
CREATE INDEX IF NOT EXISTS idx_plans_project_current ON plans(project, is_current);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    project_path TEXT NOT NULL,
    project_name TEXT NOT NULL,
    state TEXT NOT NULL,
    pid INTEGER,
    current_task TEXT DEFAULT '',
    error TEXT DEFAULT '',
    created_at TEXT NOT NULL,
    last_activity TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`
