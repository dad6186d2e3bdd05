package store

import (
	"database/sql"
	"fmt"
)

// relationChunk bounds the number of bound parameters per IN query
const relationChunk = 500

// LoadRelations fills Plugins, Samples and Tags of the given projects
func (s *Store) LoadRelations(projects []*Project) error {
	if len(projects) == 0 {
		return nil
	}
	byID := make(map[string]*Project, len(projects))
	for _, p := range projects {
		byID[p.ID] = p
		p.Plugins, p.Samples, p.Tags = nil, nil, nil
	}

	ids := make([]string, 0, len(projects))
	for id := range byID {
		ids = append(ids, id)
	}

	for start := 0; start < len(ids); start += relationChunk {
		end := min(start+relationChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		in := placeholders(len(chunk))

		if err := s.loadPlugins(byID, in, args); err != nil {
			return err
		}
		if err := s.loadSamples(byID, in, args); err != nil {
			return err
		}
		if err := s.loadTags(byID, in, args); err != nil {
			return err
		}
	}
	return nil
}

const pluginColumns = `pl.id, pl.dev_identifier, pl.name, COALESCE(pl.vendor, ''), pl.format,
	pl.installed, COALESCE(pl.version, ''), COALESCE(pl.sdk_version, '')`

func scanPlugin(r rowScanner, extra ...any) (*Plugin, error) {
	pl := &Plugin{}
	var format string
	dest := append(extra, &pl.ID, &pl.DevIdentifier, &pl.Name, &pl.Vendor, &format,
		&pl.Installed, &pl.Version, &pl.SDKVersion)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	pl.Format = PluginFormat(format)
	return pl, nil
}

const sampleColumns = `sa.id, sa.name, sa.path, sa.is_present, COALESCE(sa.format, '')`

func scanSample(r rowScanner, extra ...any) (*Sample, error) {
	sa := &Sample{}
	dest := append(extra, &sa.ID, &sa.Name, &sa.Path, &sa.Present, &sa.Format)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	return sa, nil
}

func (s *Store) loadPlugins(byID map[string]*Project, in string, args []any) error {
	rows, err := s.db.Query(`
		SELECT pp.project_id, `+pluginColumns+`
		FROM project_plugins pp JOIN plugins pl ON pl.id = pp.plugin_id
		WHERE pp.project_id IN (`+in+`)
		ORDER BY pl.name COLLATE NOCASE, pl.dev_identifier
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var projectID string
		pl, err := scanPlugin(rows, &projectID)
		if err != nil {
			return fmt.Errorf("failed to scan plugin: %w", err)
		}
		p := byID[projectID]
		p.Plugins = append(p.Plugins, *pl)
	}
	return rows.Err()
}

func (s *Store) loadSamples(byID map[string]*Project, in string, args []any) error {
	rows, err := s.db.Query(`
		SELECT ps.project_id, `+sampleColumns+`
		FROM project_samples ps JOIN samples sa ON sa.id = ps.sample_id
		WHERE ps.project_id IN (`+in+`)
		ORDER BY sa.path
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var projectID string
		sa, err := scanSample(rows, &projectID)
		if err != nil {
			return fmt.Errorf("failed to scan sample: %w", err)
		}
		p := byID[projectID]
		p.Samples = append(p.Samples, *sa)
	}
	return rows.Err()
}

func (s *Store) loadTags(byID map[string]*Project, in string, args []any) error {
	rows, err := s.db.Query(`
		SELECT pt.project_id, t.id, t.name, t.created_at
		FROM project_tags pt JOIN tags t ON t.id = pt.tag_id
		WHERE pt.project_id IN (`+in+`)
		ORDER BY t.name COLLATE NOCASE
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var projectID string
		var t Tag
		if err := rows.Scan(&projectID, &t.ID, &t.Name, &t.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan tag: %w", err)
		}
		p := byID[projectID]
		p.Tags = append(p.Tags, t)
	}
	return rows.Err()
}

// GetProjectsByPlugin returns the non-deleted projects referencing a plugin,
// paginated, plus the total count. Served from the plugin_id index on the
// junction table.
func (s *Store) GetProjectsByPlugin(pluginID string, page Page) ([]*Project, int, error) {
	return s.reverseLookup("project_plugins", "plugin_id", pluginID, page)
}

// GetProjectsBySample returns the non-deleted projects referencing a sample
func (s *Store) GetProjectsBySample(sampleID string, page Page) ([]*Project, int, error) {
	return s.reverseLookup("project_samples", "sample_id", sampleID, page)
}

// GetProjectsByTag returns the non-deleted projects carrying a tag
func (s *Store) GetProjectsByTag(tagID string, page Page) ([]*Project, int, error) {
	return s.reverseLookup("project_tags", "tag_id", tagID, page)
}

func (s *Store) reverseLookup(junction, fk, id string, page Page) ([]*Project, int, error) {
	from := " FROM " + junction + " j JOIN projects p ON p.id = j.project_id WHERE j." + fk + " = ? AND p.status != ?"
	args := []any{id, string(StatusDeleted)}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count projects: %w", err)
	}

	limit, limitArgs := page.limit()
	projects, err := s.queryProjects("SELECT "+projectColumns+from+page.orderBy()+limit, append(args, limitArgs...)...)
	if err != nil {
		return nil, 0, err
	}
	return projects, total, nil
}

// PluginUsage is a plugin with the number of non-deleted projects using it
type PluginUsage struct {
	Plugin
	ProjectCount int
}

// PluginFilter narrows a plugin listing
type PluginFilter struct {
	MissingOnly bool
	Name        string
}

// GetPlugins lists plugins with usage counts, most used first
func (s *Store) GetPlugins(filter PluginFilter, page Page) ([]PluginUsage, error) {
	query := `
		SELECT (SELECT COUNT(*) FROM project_plugins pp JOIN projects p ON p.id = pp.project_id
		        WHERE pp.plugin_id = pl.id AND p.status != ?) AS uses, ` + pluginColumns + `
		FROM plugins pl WHERE 1 = 1`
	args := []any{string(StatusDeleted)}
	if filter.MissingOnly {
		query += " AND pl.installed = 0"
	}
	if filter.Name != "" {
		query += " AND pl.name LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(filter.Name)+"%")
	}
	query += " ORDER BY uses DESC, pl.name COLLATE NOCASE"
	limit, limitArgs := page.limit()
	query += limit
	args = append(args, limitArgs...)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugins: %w", err)
	}
	defer rows.Close()

	var out []PluginUsage
	for rows.Next() {
		var uses int
		pl, err := scanPlugin(rows, &uses)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		out = append(out, PluginUsage{Plugin: *pl, ProjectCount: uses})
	}
	return out, rows.Err()
}

// GetPlugin returns a plugin by ID, or nil if unknown
func (s *Store) GetPlugin(id string) (*Plugin, error) {
	pl, err := scanPlugin(s.db.QueryRow("SELECT "+pluginColumns+" FROM plugins pl WHERE pl.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}
	return pl, nil
}

// GetPluginByDevIdentifier returns a plugin by its developer identifier
func (s *Store) GetPluginByDevIdentifier(devID string) (*Plugin, error) {
	pl, err := scanPlugin(s.db.QueryRow("SELECT "+pluginColumns+" FROM plugins pl WHERE pl.dev_identifier = ?", devID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}
	return pl, nil
}

// SampleFilter narrows a sample listing
type SampleFilter struct {
	MissingOnly bool
}

// GetSamples lists samples ordered by path
func (s *Store) GetSamples(filter SampleFilter, page Page) ([]Sample, error) {
	query := "SELECT " + sampleColumns + " FROM samples sa"
	if filter.MissingOnly {
		query += " WHERE sa.is_present = 0"
	}
	query += " ORDER BY sa.path"
	limit, args := page.limit()
	query += limit

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		sa, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, *sa)
	}
	return out, rows.Err()
}

// GetSample returns a sample by ID, or nil if unknown
func (s *Store) GetSample(id string) (*Sample, error) {
	sa, err := scanSample(s.db.QueryRow("SELECT "+sampleColumns+" FROM samples sa WHERE sa.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}
	return sa, nil
}

// PluginPresence is the result of a registry lookup for one plugin
type PluginPresence struct {
	Installed  bool
	Vendor     string
	Version    string
	SDKVersion string
}

// SetPluginPresence records installation status and any registry details.
// Empty detail fields keep their stored values.
func (s *Store) SetPluginPresence(pluginID string, p PluginPresence) error {
	_, err := s.db.Exec(`
		UPDATE plugins SET
			installed = ?,
			vendor = COALESCE(NULLIF(?, ''), vendor),
			version = COALESCE(NULLIF(?, ''), version),
			sdk_version = COALESCE(NULLIF(?, ''), sdk_version)
		WHERE id = ?
	`, p.Installed, p.Vendor, p.Version, p.SDKVersion, pluginID)
	if err != nil {
		return &StorageError{Op: "set plugin presence", Err: err}
	}
	return nil
}

// SetSamplePresence records whether a sample exists on disk and its format
func (s *Store) SetSamplePresence(sampleID string, present bool, format string) error {
	_, err := s.db.Exec(`
		UPDATE samples SET is_present = ?, format = COALESCE(NULLIF(?, ''), format)
		WHERE id = ?
	`, present, format, sampleID)
	if err != nil {
		return &StorageError{Op: "set sample presence", Err: err}
	}
	return nil
}

// DeleteUnreferenced removes plugins and samples no project refers to
func (s *Store) DeleteUnreferenced() (plugins int64, samples int64, err error) {
	err = s.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM plugins WHERE id NOT IN (SELECT plugin_id FROM project_plugins)")
		if err != nil {
			return fmt.Errorf("failed to delete plugins: %w", err)
		}
		plugins, _ = res.RowsAffected()

		res, err = tx.Exec("DELETE FROM samples WHERE id NOT IN (SELECT sample_id FROM project_samples)")
		if err != nil {
			return fmt.Errorf("failed to delete samples: %w", err)
		}
		samples, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, &StorageError{Op: "delete unreferenced", Err: err}
	}
	return plugins, samples, nil
}

// Stats summarizes the index
type Stats struct {
	Projects       map[Status]int
	Plugins        int
	MissingPlugins int
	Samples        int
	MissingSamples int
	Tags           int
	Collections    int
	TopPlugins     []PluginUsage
}

// GetStats gathers index-wide counts and the ten most used plugins
func (s *Store) GetStats() (*Stats, error) {
	st := &Stats{}
	var err error
	if st.Projects, err = s.CountProjectsByStatus(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM plugins),
			(SELECT COUNT(*) FROM plugins WHERE installed = 0),
			(SELECT COUNT(*) FROM samples),
			(SELECT COUNT(*) FROM samples WHERE is_present = 0),
			(SELECT COUNT(*) FROM tags),
			(SELECT COUNT(*) FROM collections)
	`).Scan(&st.Plugins, &st.MissingPlugins, &st.Samples, &st.MissingSamples, &st.Tags, &st.Collections)
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}

	if st.TopPlugins, err = s.GetPlugins(PluginFilter{}, Page{Limit: 10}); err != nil {
		return nil, err
	}
	return st, nil
}
