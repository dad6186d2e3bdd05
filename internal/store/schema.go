package store

// Schema v1 - projects, canonical plugin/sample entities and their junctions
const schemaV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per Live Set on disk
CREATE TABLE IF NOT EXISTS projects (
  id TEXT PRIMARY KEY,
  path TEXT UNIQUE NOT NULL,
  hash TEXT NOT NULL,
  name TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  modified_at DATETIME NOT NULL,
  last_parsed_at DATETIME NOT NULL,
  tempo REAL NOT NULL,
  time_signature_numerator INTEGER NOT NULL,
  time_signature_denominator INTEGER NOT NULL,
  key_tonic TEXT,
  key_scale TEXT,
  duration_seconds REAL,
  furthest_bar REAL,
  version_major INTEGER NOT NULL,
  version_minor INTEGER NOT NULL,
  version_patch INTEGER NOT NULL,
  version_beta INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_projects_modified_at ON projects(modified_at);
CREATE INDEX IF NOT EXISTS idx_projects_tempo ON projects(tempo);

-- Plugins, deduplicated by developer identifier
CREATE TABLE IF NOT EXISTS plugins (
  id TEXT PRIMARY KEY,
  dev_identifier TEXT UNIQUE NOT NULL,
  name TEXT NOT NULL,
  vendor TEXT,
  format TEXT NOT NULL,
  installed INTEGER NOT NULL DEFAULT 0,
  version TEXT,
  sdk_version TEXT
);

CREATE INDEX IF NOT EXISTS idx_plugins_name ON plugins(name);

-- Samples, deduplicated by absolute path
CREATE TABLE IF NOT EXISTS samples (
  id TEXT PRIMARY KEY,
  path TEXT UNIQUE NOT NULL,
  name TEXT NOT NULL,
  is_present INTEGER NOT NULL DEFAULT 0,
  format TEXT
);

CREATE INDEX IF NOT EXISTS idx_samples_name ON samples(name);

CREATE TABLE IF NOT EXISTS project_plugins (
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  plugin_id TEXT NOT NULL REFERENCES plugins(id) ON DELETE CASCADE,
  PRIMARY KEY (project_id, plugin_id)
);

CREATE INDEX IF NOT EXISTS idx_project_plugins_plugin_id ON project_plugins(plugin_id);

CREATE TABLE IF NOT EXISTS project_samples (
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  sample_id TEXT NOT NULL REFERENCES samples(id) ON DELETE CASCADE,
  PRIMARY KEY (project_id, sample_id)
);

CREATE INDEX IF NOT EXISTS idx_project_samples_sample_id ON project_samples(sample_id);

-- User-authored organization
CREATE TABLE IF NOT EXISTS tags (
  id TEXT PRIMARY KEY,
  name TEXT UNIQUE NOT NULL,
  created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS project_tags (
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
  PRIMARY KEY (project_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_project_tags_tag_id ON project_tags(tag_id);

CREATE TABLE IF NOT EXISTS project_tasks (
  id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  description TEXT NOT NULL,
  completed INTEGER NOT NULL DEFAULT 0,
  position INTEGER NOT NULL,
  created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_project_tasks_project_id ON project_tasks(project_id, position);

CREATE TABLE IF NOT EXISTS collections (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  project_count INTEGER NOT NULL DEFAULT 0,
  total_duration_seconds REAL NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  modified_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS collection_projects (
  collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  position INTEGER NOT NULL,
  PRIMARY KEY (collection_id, project_id)
);

CREATE INDEX IF NOT EXISTS idx_collection_projects_project_id ON collection_projects(project_id);
`

// Schema v2 - full-text index kept in lockstep with projects
const schemaV2 = `
CREATE VIRTUAL TABLE IF NOT EXISTS project_search USING fts5(
  project_id UNINDEXED,
  name,
  path,
  notes,
  plugins,
  samples,
  tags,
  version,
  key_signature,
  tokenize='trigram'
);
`
