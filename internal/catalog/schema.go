package catalog

const SchemaVersion = 1

// tools_json is cleared whenever content_hash changes, so a stored listing
// always belongs to the content that produced it.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS scripts (
    name TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    mod_time DATETIME NOT NULL,
    content_hash TEXT NOT NULL,
    tools_json TEXT,
    tools_checked_at DATETIME,
    seen_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scripts_seen_at ON scripts(seen_at);
`
