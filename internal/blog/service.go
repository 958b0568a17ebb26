// Package blog serves the public blog index and single-post views.
package blog

import (
	"context"
	"errors"
	"strings"

	"github.com/manublog/manu/internal/auth"
	"github.com/manublog/manu/internal/store"
	"github.com/manublog/manu/internal/web"
	"github.com/samber/oops"
)

// DefaultPageSize is the number of posts per index page.
const DefaultPageSize = 6

// Store is the read side of the blogs table.
// Satisfied by *store.PostgresStore.
type Store interface {
	ListBlogs(ctx context.Context, limit, offset int) ([]store.Blog, error)
	CountBlogs(ctx context.Context) (int, error)

	// GetBlogByTitle returns store.ErrNotFound when no title matches.
	GetBlogByTitle(ctx context.Context, title string) (*store.Blog, error)
}

// Service builds index and post decisions.
type Service struct {
	Blogs    Store
	PageSize int
}

func (s *Service) pageSize() int {
	if s.PageSize <= 0 {
		return DefaultPageSize
	}
	return s.PageSize
}

// pageCount is ceil(total/size), at least 1 so an empty site still has a first page.
func pageCount(total, size int) int {
	if total <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

// viewerData carries what every page shows about the current visitor.
func viewerData(rc auth.RequestContext) map[string]any {
	data := map[string]any{"csrf_token": rc.CSRFToken()}
	if rc.Identity != nil {
		data["user"] = rc.Identity.Username
		data["verified"] = rc.Identity.Verified
	}
	return data
}

// Index renders page of the blog listing, newest first.
// Pages outside 1..pages redirect home.
func (s *Service) Index(ctx context.Context, rc auth.RequestContext, page int) (web.Decision, error) {
	size := s.pageSize()
	total, err := s.Blogs.CountBlogs(ctx)
	if err != nil {
		return web.Decision{}, oops.Code("BLOG_STORE_FAILED").With("operation", "count blogs").Wrap(err)
	}
	pages := pageCount(total, size)
	if page <= 0 || page > pages {
		return web.Redirect("/"), nil
	}

	blogs, err := s.Blogs.ListBlogs(ctx, size, (page-1)*size)
	if err != nil {
		return web.Decision{}, oops.Code("BLOG_STORE_FAILED").With("operation", "list blogs").With("page", page).Wrap(err)
	}
	if blogs == nil {
		blogs = []store.Blog{}
	}

	data := viewerData(rc)
	data["blogs"] = blogs
	data["pages"] = pages
	data["current_page"] = page
	return web.Render("index", data), nil
}

// TitleFromSlug turns a URL slug back into a title: every dash becomes a space.
func TitleFromSlug(slug string) string {
	return strings.TrimSpace(strings.ReplaceAll(slug, "-", " "))
}

// Show renders the post whose title matches slug. Unknown titles redirect home.
func (s *Service) Show(ctx context.Context, rc auth.RequestContext, slug string) (web.Decision, error) {
	title := TitleFromSlug(slug)
	if title == "" {
		return web.Redirect("/"), nil
	}
	b, err := s.Blogs.GetBlogByTitle(ctx, title)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return web.Redirect("/"), nil
		}
		return web.Decision{}, oops.Code("BLOG_STORE_FAILED").With("operation", "get blog").With("title", title).Wrap(err)
	}

	data := viewerData(rc)
	data["blog"] = b
	return web.Render("blog", data), nil
}
