package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/franz/live-indexer/internal/util"
	"github.com/google/uuid"
)

// CreateTag returns the tag with the given name, creating it if needed
func (s *Store) CreateTag(name string) (*Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tag name is empty: %w", util.ErrInvalidConfig)
	}

	t := &Tag{}
	err := s.db.QueryRow(`
		INSERT INTO tags (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET name = excluded.name
		RETURNING id, name
	`, uuid.NewString(), name, s.now()).Scan(&t.ID, &t.Name)
	if err != nil {
		return nil, &StorageError{Op: "create tag", Err: err}
	}
	if err := s.db.QueryRow("SELECT created_at FROM tags WHERE id = ?", t.ID).Scan(&t.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to read tag: %w", err)
	}
	return t, nil
}

// GetTags lists all tags by name
func (s *Store) GetTags() ([]Tag, error) {
	rows, err := s.db.Query("SELECT id, name, created_at FROM tags ORDER BY name COLLATE NOCASE")
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TagProject attaches a tag to a project and refreshes its search entry
func (s *Store) TagProject(projectID, tagID string) error {
	return s.mutateProject("tag project", projectID, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO project_tags (project_id, tag_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, projectID, tagID)
		return err
	})
}

// UntagProject detaches a tag from a project
func (s *Store) UntagProject(projectID, tagID string) error {
	return s.mutateProject("untag project", projectID, func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM project_tags WHERE project_id = ? AND tag_id = ?", projectID, tagID)
		return err
	})
}

// DeleteTag removes a tag from every project and deletes it
func (s *Store) DeleteTag(tagID string) error {
	err := s.Transaction(func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT project_id FROM project_tags WHERE tag_id = ?", tagID)
		if err != nil {
			return err
		}
		var projects []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			projects = append(projects, id)
		}
		rows.Close()

		if _, err := tx.Exec("DELETE FROM project_tags WHERE tag_id = ?", tagID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM tags WHERE id = ?", tagID); err != nil {
			return err
		}
		for _, id := range projects {
			if err := reindexProject(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "delete tag", Err: err}
	}
	return nil
}

// mutateProject runs fn and rebuilds the project's search entry in one transaction
func (s *Store) mutateProject(op, projectID string, fn func(*sql.Tx) error) error {
	err := s.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM projects WHERE id = ?", projectID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("project %q: %w", projectID, util.ErrNotFound)
		}
		if err := fn(tx); err != nil {
			return err
		}
		return reindexProject(tx, projectID)
	})
	if err != nil && !isNotFound(err) {
		return &StorageError{Op: op, Err: err}
	}
	return err
}

// AddTask appends a task to a project's ordered task list
func (s *Store) AddTask(projectID, description string) (*Task, error) {
	t := &Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Description: description,
		CreatedAt:   s.now(),
	}
	err := s.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM projects WHERE id = ?", projectID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("project %q: %w", projectID, util.ErrNotFound)
		}
		if err := tx.QueryRow("SELECT COALESCE(MAX(position), -1) + 1 FROM project_tasks WHERE project_id = ?",
			projectID).Scan(&t.Position); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO project_tasks (id, project_id, description, completed, position, created_at)
			VALUES (?, ?, ?, 0, ?, ?)
		`, t.ID, t.ProjectID, t.Description, t.Position, t.CreatedAt)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		return nil, &StorageError{Op: "add task", Err: err}
	}
	return t, nil
}

// SetTaskCompleted marks a task done or not done
func (s *Store) SetTaskCompleted(taskID string, completed bool) error {
	res, err := s.db.Exec("UPDATE project_tasks SET completed = ? WHERE id = ?", completed, taskID)
	if err != nil {
		return &StorageError{Op: "complete task", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", taskID, util.ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task
func (s *Store) DeleteTask(taskID string) error {
	if _, err := s.db.Exec("DELETE FROM project_tasks WHERE id = ?", taskID); err != nil {
		return &StorageError{Op: "delete task", Err: err}
	}
	return nil
}

// GetTasks returns a project's tasks in order
func (s *Store) GetTasks(projectID string) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, description, completed, position, created_at
		FROM project_tasks WHERE project_id = ? ORDER BY position
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Description, &t.Completed, &t.Position, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateCollection creates an empty collection
func (s *Store) CreateCollection(name, description string) (*Collection, error) {
	now := s.now()
	c := &Collection{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	_, err := s.db.Exec(`
		INSERT INTO collections (id, name, description, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Description, c.CreatedAt, c.ModifiedAt)
	if err != nil {
		return nil, &StorageError{Op: "create collection", Err: err}
	}
	return c, nil
}

// AddToCollection appends a project to the end of a collection
func (s *Store) AddToCollection(collectionID, projectID string) error {
	err := s.Transaction(func(tx *sql.Tx) error {
		var position int
		if err := tx.QueryRow("SELECT COALESCE(MAX(position), -1) + 1 FROM collection_projects WHERE collection_id = ?",
			collectionID).Scan(&position); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO collection_projects (collection_id, project_id, position) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, collectionID, projectID, position); err != nil {
			return err
		}
		return refreshCollection(tx, collectionID, s.now())
	})
	if err != nil {
		return &StorageError{Op: "add to collection", Err: err}
	}
	return nil
}

// RemoveFromCollection removes a project from a collection
func (s *Store) RemoveFromCollection(collectionID, projectID string) error {
	err := s.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM collection_projects WHERE collection_id = ? AND project_id = ?",
			collectionID, projectID); err != nil {
			return err
		}
		return refreshCollection(tx, collectionID, s.now())
	})
	if err != nil {
		return &StorageError{Op: "remove from collection", Err: err}
	}
	return nil
}

// GetCollection returns a collection with its ordered project IDs, or nil
func (s *Store) GetCollection(id string) (*Collection, error) {
	c := &Collection{}
	err := s.db.QueryRow(`
		SELECT id, name, description, project_count, total_duration_seconds, created_at, modified_at
		FROM collections WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.Description, &c.ProjectCount, &c.TotalDurationSeconds, &c.CreatedAt, &c.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}

	rows, err := s.db.Query("SELECT project_id FROM collection_projects WHERE collection_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection projects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		c.ProjectIDs = append(c.ProjectIDs, pid)
	}
	return c, rows.Err()
}

// refreshCollection recomputes the derived aggregates of one collection
func refreshCollection(tx *sql.Tx, collectionID string, now time.Time) error {
	_, err := tx.Exec(`
		UPDATE collections SET
			project_count = (SELECT COUNT(*) FROM collection_projects WHERE collection_id = ?),
			total_duration_seconds = (
				SELECT COALESCE(SUM(p.duration_seconds), 0)
				FROM collection_projects cp JOIN projects p ON p.id = cp.project_id
				WHERE cp.collection_id = ?),
			modified_at = ?
		WHERE id = ?
	`, collectionID, collectionID, now, collectionID)
	if err != nil {
		return fmt.Errorf("failed to refresh collection: %w", err)
	}
	return nil
}

// refreshCollectionsFor recomputes aggregates of every collection holding a project
func refreshCollectionsFor(tx *sql.Tx, projectID string, now time.Time) error {
	rows, err := tx.Query("SELECT collection_id FROM collection_projects WHERE project_id = ?", projectID)
	if err != nil {
		return fmt.Errorf("failed to query collections: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := refreshCollection(tx, id, now); err != nil {
			return err
		}
	}
	return nil
}
