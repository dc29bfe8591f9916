package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/types"
)

// AddComment appends a comment after verifying the project exists. The
// project's updated_at is not touched; comments are side notes, not
// attribute changes.
func (s *ProjectStore) AddComment(ctx context.Context, c *types.Comment) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)`, c.ProjectID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check project existence: %w", err)
	}
	if !exists {
		return apperr.NotFound("project", c.ProjectID)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_comments (id, project_id, author_id, content, attachment_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.ProjectID, c.AuthorID, c.Content, nullString(c.AttachmentURL), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

// GetComments lists a project's comments oldest first.
func (s *ProjectStore) GetComments(ctx context.Context, projectID string) ([]*types.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, author_id, content, attachment_url, created_at
		FROM project_comments
		WHERE project_id = $1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []*types.Comment
	for rows.Next() {
		c := &types.Comment{}
		var attachment sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.AuthorID, &c.Content, &attachment, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		if attachment.Valid {
			c.AttachmentURL = attachment.String
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating comments: %w", err)
	}
	return comments, nil
}
