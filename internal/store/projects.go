package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/franz/live-indexer/internal/util"
	"github.com/google/uuid"
)

const projectColumns = `p.id, p.path, p.hash, p.name, p.notes,
	p.created_at, p.modified_at, p.last_parsed_at,
	p.tempo, p.time_signature_numerator, p.time_signature_denominator,
	p.key_tonic, p.key_scale, p.duration_seconds, p.furthest_bar,
	p.version_major, p.version_minor, p.version_patch, p.version_beta, p.status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (*Project, error) {
	p := &Project{}
	var tonic, scale sql.NullString
	var duration, bar sql.NullFloat64
	var status string

	err := r.Scan(
		&p.ID, &p.Path, &p.Hash, &p.Name, &p.Notes,
		&p.CreatedAt, &p.ModifiedAt, &p.LastParsedAt,
		&p.Tempo, &p.TimeSignature.Numerator, &p.TimeSignature.Denominator,
		&tonic, &scale, &duration, &bar,
		&p.Version.Major, &p.Version.Minor, &p.Version.Patch, &p.Version.Beta, &status,
	)
	if err != nil {
		return nil, err
	}

	if tonic.Valid {
		p.Key = &KeySignature{Tonic: tonic.String, Scale: scale.String}
	}
	if duration.Valid {
		p.DurationSeconds = &duration.Float64
	}
	if bar.Valid {
		p.FurthestBar = &bar.Float64
	}
	p.Status = Status(status)
	return p, nil
}

func nullKey(k *KeySignature) (any, any) {
	if k == nil {
		return nil, nil
	}
	return k.Tonic, k.Scale
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func orNow(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}

// UpsertProject writes an extracted project and its plugin and sample sets
// in one transaction: the project row is inserted or updated by path, new
// plugins and samples are created under their canonical identity, both
// junction sets are replaced, and the search index entry is rebuilt.
// User-owned fields (name, notes, status, created_at) survive re-extraction.
// On success p carries the stored IDs.
func (s *Store) UpsertProject(p *Project) error {
	now := s.now()
	err := s.Transaction(func(tx *sql.Tx) error {
		tonic, scale := nullKey(p.Key)
		if p.Status == "" {
			p.Status = StatusActive
		}

		var status string
		err := tx.QueryRow(`
			INSERT INTO projects (
				id, path, hash, name, notes, created_at, modified_at, last_parsed_at,
				tempo, time_signature_numerator, time_signature_denominator,
				key_tonic, key_scale, duration_seconds, furthest_bar,
				version_major, version_minor, version_patch, version_beta, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				hash = excluded.hash,
				modified_at = excluded.modified_at,
				last_parsed_at = excluded.last_parsed_at,
				tempo = excluded.tempo,
				time_signature_numerator = excluded.time_signature_numerator,
				time_signature_denominator = excluded.time_signature_denominator,
				key_tonic = excluded.key_tonic,
				key_scale = excluded.key_scale,
				duration_seconds = excluded.duration_seconds,
				furthest_bar = excluded.furthest_bar,
				version_major = excluded.version_major,
				version_minor = excluded.version_minor,
				version_patch = excluded.version_patch,
				version_beta = excluded.version_beta
			RETURNING id, name, notes, status
		`,
			uuid.NewString(), p.Path, p.Hash, p.Name, p.Notes,
			orNow(p.CreatedAt, now), orNow(p.ModifiedAt, now), orNow(p.LastParsedAt, now),
			p.Tempo, p.TimeSignature.Numerator, p.TimeSignature.Denominator,
			tonic, scale, nullFloat(p.DurationSeconds), nullFloat(p.FurthestBar),
			p.Version.Major, p.Version.Minor, p.Version.Patch, p.Version.Beta, string(p.Status),
		).Scan(&p.ID, &p.Name, &p.Notes, &status)
		if err != nil {
			return fmt.Errorf("failed to upsert project: %w", err)
		}
		p.Status = Status(status)

		if err := tx.QueryRow("SELECT created_at FROM projects WHERE id = ?", p.ID).Scan(&p.CreatedAt); err != nil {
			return fmt.Errorf("failed to read project: %w", err)
		}

		if err := replacePlugins(tx, p); err != nil {
			return err
		}
		if err := replaceSamples(tx, p); err != nil {
			return err
		}
		if err := refreshCollectionsFor(tx, p.ID, now); err != nil {
			return err
		}
		return reindexProject(tx, p.ID)
	})
	if err != nil {
		return &StorageError{Op: "upsert project", Path: p.Path, Err: err}
	}
	return nil
}

func replacePlugins(tx *sql.Tx, p *Project) error {
	if _, err := tx.Exec("DELETE FROM project_plugins WHERE project_id = ?", p.ID); err != nil {
		return fmt.Errorf("failed to clear plugin references: %w", err)
	}

	for i := range p.Plugins {
		pl := &p.Plugins[i]
		err := tx.QueryRow(`
			INSERT INTO plugins (id, dev_identifier, name, vendor, format, installed, version, sdk_version)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''))
			ON CONFLICT(dev_identifier) DO UPDATE SET
				name = excluded.name,
				vendor = COALESCE(plugins.vendor, excluded.vendor)
			RETURNING id, installed, COALESCE(vendor, ''), COALESCE(version, ''), COALESCE(sdk_version, '')
		`, uuid.NewString(), pl.DevIdentifier, pl.Name, pl.Vendor, string(pl.Format), pl.Installed, pl.Version, pl.SDKVersion,
		).Scan(&pl.ID, &pl.Installed, &pl.Vendor, &pl.Version, &pl.SDKVersion)
		if err != nil {
			return fmt.Errorf("failed to upsert plugin %s: %w", pl.DevIdentifier, err)
		}

		if _, err := tx.Exec(`
			INSERT INTO project_plugins (project_id, plugin_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, p.ID, pl.ID); err != nil {
			return fmt.Errorf("failed to link plugin %s: %w", pl.DevIdentifier, err)
		}
	}
	return nil
}

func replaceSamples(tx *sql.Tx, p *Project) error {
	if _, err := tx.Exec("DELETE FROM project_samples WHERE project_id = ?", p.ID); err != nil {
		return fmt.Errorf("failed to clear sample references: %w", err)
	}

	for i := range p.Samples {
		sa := &p.Samples[i]
		err := tx.QueryRow(`
			INSERT INTO samples (id, path, name, is_present, format)
			VALUES (?, ?, ?, ?, NULLIF(?, ''))
			ON CONFLICT(path) DO UPDATE SET name = excluded.name
			RETURNING id, is_present, COALESCE(format, '')
		`, uuid.NewString(), sa.Path, sa.Name, sa.Present, sa.Format,
		).Scan(&sa.ID, &sa.Present, &sa.Format)
		if err != nil {
			return fmt.Errorf("failed to upsert sample %s: %w", sa.Path, err)
		}

		if _, err := tx.Exec(`
			INSERT INTO project_samples (project_id, sample_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, p.ID, sa.ID); err != nil {
			return fmt.Errorf("failed to link sample %s: %w", sa.Path, err)
		}
	}
	return nil
}

// reindexProject rebuilds the full-text row of a project from its primary
// data. The FTS rowid mirrors the project rowid.
func reindexProject(tx *sql.Tx, projectID string) error {
	if _, err := tx.Exec(`
		DELETE FROM project_search
		WHERE rowid = (SELECT rowid FROM projects WHERE id = ?)
	`, projectID); err != nil {
		return fmt.Errorf("failed to clear search entry: %w", err)
	}

	_, err := tx.Exec(`
		INSERT INTO project_search (rowid, project_id, name, path, notes, plugins, samples, tags, version, key_signature)
		SELECT p.rowid, p.id, p.name, p.path, p.notes,
			COALESCE((SELECT group_concat(pl.name, ' ') FROM project_plugins pp
				JOIN plugins pl ON pl.id = pp.plugin_id WHERE pp.project_id = p.id), ''),
			COALESCE((SELECT group_concat(sa.name, ' ') FROM project_samples ps
				JOIN samples sa ON sa.id = ps.sample_id WHERE ps.project_id = p.id), ''),
			COALESCE((SELECT group_concat(t.name, ' ') FROM project_tags pt
				JOIN tags t ON t.id = pt.tag_id WHERE pt.project_id = p.id), ''),
			p.version_major || '.' || p.version_minor || '.' || p.version_patch ||
				CASE WHEN p.version_beta THEN ' beta' ELSE '' END,
			COALESCE(p.key_tonic || ' ' || p.key_scale, '')
		FROM projects p WHERE p.id = ?
	`, projectID)
	if err != nil {
		return fmt.Errorf("failed to write search entry: %w", err)
	}
	return nil
}

// GetFingerprints returns the stored fingerprint of every project keyed by path
func (s *Store) GetFingerprints() (map[string]string, error) {
	rows, err := s.db.Query("SELECT path, hash FROM projects")
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		out[path] = hash
	}
	return out, rows.Err()
}

// GetFingerprint returns the stored fingerprint for path, or "" if unknown
func (s *Store) GetFingerprint(path string) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM projects WHERE path = ?", path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return hash, nil
}

// GetProject retrieves a project with its plugins, samples and tags.
// Returns nil, nil when the ID is unknown.
func (s *Store) GetProject(id string) (*Project, error) {
	return s.getProjectWhere("p.id = ?", id)
}

// GetProjectByPath retrieves a project by its absolute path
func (s *Store) GetProjectByPath(path string) (*Project, error) {
	return s.getProjectWhere("p.path = ?", path)
}

func (s *Store) getProjectWhere(where string, arg any) (*Project, error) {
	p, err := scanProject(s.db.QueryRow("SELECT "+projectColumns+" FROM projects p WHERE "+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if err := s.LoadRelations([]*Project{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// SortKey selects the ordering of project listings
type SortKey string

const (
	SortName     SortKey = "name"
	SortPath     SortKey = "path"
	SortCreated  SortKey = "created"
	SortModified SortKey = "modified"
	SortTempo    SortKey = "tempo"
	SortDuration SortKey = "duration"
)

var sortColumns = map[SortKey]string{
	SortName:     "p.name COLLATE NOCASE",
	SortPath:     "p.path",
	SortCreated:  "p.created_at",
	SortModified: "p.modified_at",
	SortTempo:    "p.tempo",
	SortDuration: "p.duration_seconds",
}

// Page bounds and orders a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
	SortBy SortKey
	Desc   bool
}

func (pg Page) orderBy() string {
	col, ok := sortColumns[pg.SortBy]
	if !ok {
		col = sortColumns[SortName]
	}
	dir := "ASC"
	if pg.Desc {
		dir = "DESC"
	}
	// path is unique, which makes every ordering total
	return fmt.Sprintf(" ORDER BY %s %s, p.path ASC", col, dir)
}

func (pg Page) limit() (string, []any) {
	if pg.Limit <= 0 {
		if pg.Offset > 0 {
			return " LIMIT -1 OFFSET ?", []any{pg.Offset}
		}
		return "", nil
	}
	return " LIMIT ? OFFSET ?", []any{pg.Limit, pg.Offset}
}

// ProjectFilter narrows a project listing. An empty Statuses list means
// active projects only.
type ProjectFilter struct {
	Statuses      []Status
	MinTempo      *float64
	MaxTempo      *float64
	Key           *KeySignature
	TimeSignature *TimeSignature
	VersionMajor  int
	PathPrefix    string
}

func statusClause(statuses []Status) (string, []any) {
	if len(statuses) == 0 {
		statuses = []Status{StatusActive}
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return "p.status IN (" + placeholders(len(statuses)) + ")", args
}

func (f ProjectFilter) where() (string, []any) {
	clause, args := statusClause(f.Statuses)
	conds := []string{clause}

	if f.MinTempo != nil {
		conds = append(conds, "p.tempo >= ?")
		args = append(args, *f.MinTempo)
	}
	if f.MaxTempo != nil {
		conds = append(conds, "p.tempo <= ?")
		args = append(args, *f.MaxTempo)
	}
	if f.Key != nil {
		conds = append(conds, "p.key_tonic = ?")
		args = append(args, f.Key.Tonic)
		if f.Key.Scale != "" {
			conds = append(conds, "p.key_scale = ? COLLATE NOCASE")
			args = append(args, f.Key.Scale)
		}
	}
	if f.TimeSignature != nil {
		conds = append(conds, "p.time_signature_numerator = ? AND p.time_signature_denominator = ?")
		args = append(args, f.TimeSignature.Numerator, f.TimeSignature.Denominator)
	}
	if f.VersionMajor > 0 {
		conds = append(conds, "p.version_major = ?")
		args = append(args, f.VersionMajor)
	}
	if f.PathPrefix != "" {
		// LIKE would ignore ASCII case
		conds = append(conds, "substr(p.path, 1, length(?)) = ?")
		args = append(args, f.PathPrefix, f.PathPrefix)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetProjects lists projects matching filter along with the total number of
// matches before pagination. Relations are not loaded.
func (s *Store) GetProjects(filter ProjectFilter, page Page) ([]*Project, int, error) {
	where, args := filter.where()

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM projects p"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count projects: %w", err)
	}

	limit, limitArgs := page.limit()
	projects, err := s.queryProjects("SELECT "+projectColumns+" FROM projects p"+where+page.orderBy()+limit,
		append(args, limitArgs...)...)
	if err != nil {
		return nil, 0, err
	}
	return projects, total, nil
}

func (s *Store) queryProjects(query string, args ...any) ([]*Project, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetStatus moves a project between active, archived and deleted
func (s *Store) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, util.ErrInvalidConfig)
	}
	res, err := s.db.Exec("UPDATE projects SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return &StorageError{Op: "set status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q: %w", id, util.ErrNotFound)
	}
	return nil
}

// MarkDeleted soft-deletes a project
func (s *Store) MarkDeleted(id string) error { return s.SetStatus(id, StatusDeleted) }

// Archive hides a project from default listings without deleting it
func (s *Store) Archive(id string) error { return s.SetStatus(id, StatusArchived) }

// Reactivate restores a deleted or archived project to default listings
func (s *Store) Reactivate(id string) error { return s.SetStatus(id, StatusActive) }

// MarkDeletedByPath soft-deletes the project at path, reporting whether one existed
func (s *Store) MarkDeletedByPath(path string) (bool, error) {
	res, err := s.db.Exec("UPDATE projects SET status = ? WHERE path = ? AND status != ?",
		string(StatusDeleted), path, string(StatusDeleted))
	if err != nil {
		return false, &StorageError{Op: "mark deleted", Path: path, Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeProject permanently removes a project, its junction rows, tasks,
// collection memberships and search entry.
func (s *Store) PurgeProject(id string) error {
	err := s.Transaction(func(tx *sql.Tx) error {
		var collections []string
		rows, err := tx.Query("SELECT collection_id FROM collection_projects WHERE project_id = ?", id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var cid string
			if err := rows.Scan(&cid); err != nil {
				rows.Close()
				return err
			}
			collections = append(collections, cid)
		}
		rows.Close()

		if _, err := tx.Exec(`
			DELETE FROM project_search
			WHERE rowid = (SELECT rowid FROM projects WHERE id = ?)
		`, id); err != nil {
			return fmt.Errorf("failed to delete search entry: %w", err)
		}

		for _, stmt := range []string{
			"DELETE FROM project_plugins WHERE project_id = ?",
			"DELETE FROM project_samples WHERE project_id = ?",
			"DELETE FROM project_tags WHERE project_id = ?",
			"DELETE FROM project_tasks WHERE project_id = ?",
			"DELETE FROM collection_projects WHERE project_id = ?",
		} {
			if _, err := tx.Exec(stmt, id); err != nil {
				return fmt.Errorf("failed to purge references: %w", err)
			}
		}

		res, err := tx.Exec("DELETE FROM projects WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("project %q: %w", id, util.ErrNotFound)
		}

		now := s.now()
		for _, cid := range collections {
			if err := refreshCollection(tx, cid, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !isNotFound(err) {
		return &StorageError{Op: "purge project", Err: err}
	}
	return err
}

// RenamePath moves a project to a new path keeping its identity, notes and
// tags. Returns false when no project is stored at oldPath.
func (s *Store) RenamePath(oldPath, newPath string) (bool, error) {
	var found bool
	err := s.Transaction(func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRow("UPDATE projects SET path = ? WHERE path = ? RETURNING id", newPath, oldPath).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to rename project: %w", err)
		}
		found = true
		return reindexProject(tx, id)
	})
	if err != nil {
		return false, &StorageError{Op: "rename project", Path: oldPath, Err: err}
	}
	return found, nil
}

// UpdateName changes the display name of a project
func (s *Store) UpdateName(id, name string) error {
	return s.updateText(id, "name", name)
}

// UpdateNotes replaces the free-text notes of a project
func (s *Store) UpdateNotes(id, notes string) error {
	return s.updateText(id, "notes", notes)
}

func (s *Store) updateText(id, column, value string) error {
	err := s.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE projects SET "+column+" = ? WHERE id = ?", value, id)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", column, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("project %q: %w", id, util.ErrNotFound)
		}
		return reindexProject(tx, id)
	})
	if err != nil && !isNotFound(err) {
		return &StorageError{Op: "update " + column, Err: err}
	}
	return err
}

// CountProjectsByStatus returns the number of projects in each state
func (s *Store) CountProjectsByStatus() (map[Status]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM projects GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// GetPathsUnder returns the paths of non-deleted projects below root
func (s *Store) GetPathsUnder(root string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT path FROM projects
		WHERE status != ? AND substr(path, 1, length(?)) = ?
	`, string(StatusDeleted), root, root)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		if util.IsUnder(root, path) {
			out = append(out, path)
		}
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
