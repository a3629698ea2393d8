package library

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/shelfbridge/actions"
	"github.com/glimte/shelfbridge/contracts"
)

// Handlers implements the library actions on top of a Repository
type Handlers struct {
	repo *Repository
	now  func() time.Time
}

// NewHandlers creates the library action handlers
func NewHandlers(repo *Repository) *Handlers {
	return &Handlers{repo: repo, now: time.Now}
}

// Actions returns the action table for actions.NewRegistry
func (h *Handlers) Actions() map[string]actions.Action {
	return map[string]actions.Action{
		"get_authors":              actions.Func(h.GetAuthors),
		"get_author":               actions.Func(h.GetAuthor),
		"create_author":            actions.Func(h.CreateAuthor),
		"get_books":                actions.Func(h.GetBooks),
		"get_book":                 actions.Func(h.GetBook),
		"create_book":              actions.Func(h.CreateBook),
		"update_book_availability": actions.Func(h.UpdateBookAvailability),
	}
}

// Registry builds an immutable registry of the library actions
func (h *Handlers) Registry() *actions.Registry {
	return actions.NewRegistry(h.Actions())
}

// GetAuthors lists authors filtered by a case-insensitive name fragment
func (h *Handlers) GetAuthors(ctx context.Context, data map[string]any, version, fields string) (*actions.Result, error) {
	p := actions.Params(data)
	page, size, err := p.Page()
	if err != nil {
		return nil, err
	}
	name, _, err := p.String("name")
	if err != nil {
		return nil, err
	}

	authors, total, err := h.repo.ListAuthors(ctx, AuthorFilter{Name: name, Offset: (page - 1) * size, Limit: size})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, len(authors))
	for i := range authors {
		items[i] = actions.SelectFields(authors[i].Map(), fields)
	}
	return actions.List(items, contracts.NewPagination(page, size, total)), nil
}

// GetAuthor returns one author by id
func (h *Handlers) GetAuthor(ctx context.Context, data map[string]any, version, fields string) (*actions.Result, error) {
	id, err := actions.Params(data).RequiredInt("id")
	if err != nil {
		return nil, err
	}

	author, err := h.repo.GetAuthor(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, actions.NotFound("Author not found")
	}
	if err != nil {
		return nil, err
	}
	return actions.Object(actions.SelectFields(author.Map(), fields)), nil
}

// CreateAuthor stores a new author
func (h *Handlers) CreateAuthor(ctx context.Context, data map[string]any, version, fields string) (*actions.Result, error) {
	in, err := ParseAuthorInput(data)
	if err != nil {
		return nil, err
	}

	author, err := h.repo.CreateAuthor(ctx, in)
	if err != nil {
		return nil, err
	}
	return actions.Object(actions.SelectFields(author.Map(), fields)), nil
}

// GetBooks lists books with their authors. v2 may filter by is_available.
func (h *Handlers) GetBooks(ctx context.Context, data map[string]any, version, fields string) (*actions.Result, error) {
	p := actions.Params(data)
	page, size, err := p.Page()
	if err != nil {
		return nil, err
	}

	filter := BookFilter{Offset: (page - 1) * size, Limit: size}
	if filter.Title, _, err = p.String("title"); err != nil {
		return nil, err
	}
	if filter.AuthorID, _, err = p.Int("author_id"); err != nil {
		return nil, err
	}
	if version == V2 {
		available, ok, err := p.Bool("is_available")
		if err != nil {
			return nil, err
		}
		if ok {
			filter.IsAvailable = &available
		}
	}

	books, total, err := h.repo.ListBooks(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, len(books))
	for i := range books {
		items[i] = actions.SelectFields(books[i].Map(version), fields)
	}
	return actions.List(items, contracts.NewPagination(page, size, total)), nil
}

// GetBook returns one book by id
func (h *Handlers) GetBook(ctx context.Context, data map[string]any, version, fields string) (*actions.Result, error) {
	id, err := actions.Params(data).RequiredInt("id")
	if err != nil {
		return nil, err
	}

	book, err := h.repo.GetBook(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, actions.NotFound("Book not found")
	}
	if err != nil {
		return nil, err
	}
	return actions.Object(actions.SelectFields(book.Map(version), fields)), nil
}

// CreateBook stores a new book for an existing author
func (h *Handlers) CreateBook(ctx context.Context, data map[string]any, version, fields string) (*actions.Result, error) {
	in, err := ParseBookInput(data, version, h.now())
	if err != nil {
		return nil, err
	}

	if _, err := h.repo.GetAuthor(ctx, in.AuthorID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, actions.NotFound("Author not found")
		}
		return nil, err
	}

	book, err := h.repo.CreateBook(ctx, in)
	switch {
	case errors.Is(err, ErrDuplicateISBN):
		return nil, actions.Business("Book with ISBN %s already exists", in.ISBN)
	case errors.Is(err, ErrNotFound):
		return nil, actions.NotFound("Author not found")
	case err != nil:
		return nil, err
	}
	return actions.Object(actions.SelectFields(book.Map(version), fields)), nil
}

// UpdateBookAvailability sets is_available on a book. v2 only.
func (h *Handlers) UpdateBookAvailability(ctx context.Context, data map[string]any, version, fields string) (*actions.Result, error) {
	if version != V2 {
		return nil, actions.Business("This action is only available in v2")
	}

	p := actions.Params(data)
	id, err := p.RequiredInt("id")
	if err != nil {
		return nil, err
	}
	available, ok, err := p.Bool("is_available")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, actions.Invalid("is_available", "is required")
	}

	book, err := h.repo.SetBookAvailability(ctx, id, available)
	if errors.Is(err, ErrNotFound) {
		return nil, actions.NotFound("Book not found")
	}
	if err != nil {
		return nil, err
	}
	return actions.Object(actions.SelectFields(book.Map(version), fields)), nil
}
