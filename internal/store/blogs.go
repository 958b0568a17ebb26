package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const blogSelect = `SELECT b.id, b.title, b.content, b.image, b.user_id, COALESCE(u.username, ''), b.created_at, b.updated_at
	FROM blogs b LEFT JOIN users u ON u.id = b.user_id`

func scanBlog(row pgx.Row) (*Blog, error) {
	var b Blog
	if err := row.Scan(&b.ID, &b.Title, &b.Content, &b.Image, &b.UserID, &b.Author, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBlogs returns one page of blogs, newest first.
func (s *PostgresStore) ListBlogs(ctx context.Context, limit, offset int) ([]Blog, error) {
	rows, err := s.pool.Query(ctx, blogSelect+" ORDER BY b.created_at DESC, b.id DESC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing blogs: %w", err)
	}
	defer rows.Close()

	var blogs []Blog
	for rows.Next() {
		b, err := scanBlog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blog: %w", err)
		}
		blogs = append(blogs, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing blogs: %w", err)
	}
	return blogs, nil
}

// CountBlogs returns the total number of blogs.
func (s *PostgresStore) CountBlogs(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM blogs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting blogs: %w", err)
	}
	return n, nil
}

// GetBlogByTitle finds the first blog whose title matches title case-insensitively.
// LIKE wildcards in title are escaped. Returns ErrNotFound if nothing matches.
func (s *PostgresStore) GetBlogByTitle(ctx context.Context, title string) (*Blog, error) {
	row := s.pool.QueryRow(ctx, blogSelect+` WHERE b.title ILIKE $1 ESCAPE '\' ORDER BY b.id LIMIT 1`, escapeLike(title))
	b, err := scanBlog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching blog by title: %w", err)
	}
	return b, nil
}

// escapeLike neutralises %, _ and the escape char itself.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
