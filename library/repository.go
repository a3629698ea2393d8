package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateISBN is returned when a book with the same ISBN exists
	ErrDuplicateISBN = errors.New("duplicate isbn")
)

const schema = `
CREATE TABLE IF NOT EXISTS authors (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	bio         TEXT,
	birth_date  TEXT,
	nationality TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT
);

CREATE TABLE IF NOT EXISTS books (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	title          TEXT NOT NULL,
	isbn           TEXT NOT NULL UNIQUE,
	description    TEXT,
	year_published INTEGER,
	publisher      TEXT,
	pages          INTEGER,
	language       TEXT NOT NULL DEFAULT 'en',
	author_id      INTEGER NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
	is_available   INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL,
	updated_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_books_author_id ON books(author_id);
`

// Repository stores authors and books in SQLite
type Repository struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// RepositoryOption configures the repository
type RepositoryOption func(*Repository)

// WithClock replaces time.Now for row timestamps
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		r.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(r *Repository) {
		r.logger = logger
	}
}

// Open opens (creating if needed) the database at path and migrates it
func Open(ctx context.Context, path string, options ...RepositoryOption) (*Repository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open library db: %w", err)
	}
	// one writer at a time; concurrent writers only produce SQLITE_BUSY
	db.SetMaxOpenConns(1)

	r := &Repository{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range options {
		opt(r)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init library schema: %w", err)
	}

	r.logger.Info("library database ready", "path", path)
	return r, nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database
func (r *Repository) Close() error {
	return r.db.Close()
}

// AuthorFilter selects a page of authors
type AuthorFilter struct {
	Name   string
	Offset int
	Limit  int
}

// BookFilter selects a page of books
type BookFilter struct {
	Title       string
	AuthorID    int64
	IsAvailable *bool
	Offset      int
	Limit       int
}

const authorColumns = `a.id, a.name, a.bio, a.birth_date, a.nationality, a.created_at, a.updated_at,
	(SELECT COUNT(*) FROM books c WHERE c.author_id = a.id)`

const bookColumns = `b.id, b.title, b.isbn, b.description, b.year_published, b.publisher, b.pages,
	b.language, b.author_id, b.is_available, b.created_at, b.updated_at, ` + authorColumns

// ListAuthors returns a page of authors and the total number matching the filter
func (r *Repository) ListAuthors(ctx context.Context, f AuthorFilter) ([]Author, int, error) {
	where, args := "", []any{}
	if f.Name != "" {
		where = ` WHERE a.name LIKE ? ESCAPE '\'`
		args = append(args, likePattern(f.Name))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM authors a`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count authors: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+authorColumns+` FROM authors a`+where+` ORDER BY a.id LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list authors: %w", err)
	}
	defer rows.Close()

	authors := []Author{}
	for rows.Next() {
		a, err := scanAuthor(rows)
		if err != nil {
			return nil, 0, err
		}
		authors = append(authors, *a)
	}
	return authors, total, rows.Err()
}

// GetAuthor returns the author with id or ErrNotFound
func (r *Repository) GetAuthor(ctx context.Context, id int64) (*Author, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+authorColumns+` FROM authors a WHERE a.id = ?`, id)
	a, err := scanAuthor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// CreateAuthor inserts a and returns the stored row
func (r *Repository) CreateAuthor(ctx context.Context, a AuthorInput) (*Author, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO authors (name, bio, birth_date, nationality, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.Name, a.Bio, formatDate(a.BirthDate), a.Nationality, formatTime(r.now()))
	if err != nil {
		return nil, fmt.Errorf("insert author: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert author: %w", err)
	}
	return r.GetAuthor(ctx, id)
}

// ListBooks returns a page of books with their authors and the total number
// matching the filter
func (r *Repository) ListBooks(ctx context.Context, f BookFilter) ([]Book, int, error) {
	var clauses []string
	var args []any
	if f.Title != "" {
		clauses = append(clauses, `b.title LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.Title))
	}
	if f.AuthorID != 0 {
		clauses = append(clauses, `b.author_id = ?`)
		args = append(args, f.AuthorID)
	}
	if f.IsAvailable != nil {
		clauses = append(clauses, `b.is_available = ?`)
		args = append(args, *f.IsAvailable)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books b`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count books: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books b JOIN authors a ON a.id = b.author_id`+where+` ORDER BY b.id LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	books := []Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, 0, err
		}
		books = append(books, *b)
	}
	return books, total, rows.Err()
}

// GetBook returns the book with id and its author, or ErrNotFound
func (r *Repository) GetBook(ctx context.Context, id int64) (*Book, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books b JOIN authors a ON a.id = b.author_id WHERE b.id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// CreateBook inserts b. It returns ErrNotFound when the author does not
// exist and ErrDuplicateISBN when the ISBN is taken.
func (r *Repository) CreateBook(ctx context.Context, b BookInput) (*Book, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO books (title, isbn, description, year_published, publisher, pages, language, author_id, is_available, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Title, b.ISBN, b.Description, b.YearPublished, b.Publisher, b.Pages, b.Language, b.AuthorID, b.IsAvailable,
		formatTime(r.now()))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.ExtendedCode {
			case sqlite3.ErrConstraintUnique:
				return nil, ErrDuplicateISBN
			case sqlite3.ErrConstraintForeignKey:
				return nil, ErrNotFound
			}
		}
		return nil, fmt.Errorf("insert book: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	return r.GetBook(ctx, id)
}

// SetBookAvailability updates the availability flag of a book
func (r *Repository) SetBookAvailability(ctx context.Context, id int64, available bool) (*Book, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE books SET is_available = ?, updated_at = ? WHERE id = ?`,
		available, formatTime(r.now()), id)
	if err != nil {
		return nil, fmt.Errorf("update book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update book: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return r.GetBook(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

type authorRow struct {
	id          int64
	name        string
	bio         sql.NullString
	birthDate   sql.NullString
	nationality sql.NullString
	createdAt   string
	updatedAt   sql.NullString
	booksCount  int
}

func (r *authorRow) dest() []any {
	return []any{&r.id, &r.name, &r.bio, &r.birthDate, &r.nationality, &r.createdAt, &r.updatedAt, &r.booksCount}
}

func (r *authorRow) author() (*Author, error) {
	a := &Author{
		ID:          r.id,
		Name:        r.name,
		Bio:         nullString(r.bio),
		Nationality: nullString(r.nationality),
		BooksCount:  r.booksCount,
	}

	var err error
	if a.CreatedAt, err = parseTime(r.createdAt); err != nil {
		return nil, err
	}
	if r.updatedAt.Valid {
		t, err := parseTime(r.updatedAt.String)
		if err != nil {
			return nil, err
		}
		a.UpdatedAt = &t
	}
	if r.birthDate.Valid {
		t, err := time.Parse(DateLayout, r.birthDate.String)
		if err != nil {
			return nil, fmt.Errorf("parse birth_date: %w", err)
		}
		a.BirthDate = &t
	}
	return a, nil
}

func scanAuthor(s scanner) (*Author, error) {
	var row authorRow
	if err := s.Scan(row.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan author: %w", err)
	}
	return row.author()
}

func scanBook(s scanner) (*Book, error) {
	var (
		b           Book
		description sql.NullString
		year        sql.NullInt64
		publisher   sql.NullString
		pages       sql.NullInt64
		createdAt   string
		updatedAt   sql.NullString
		author      authorRow
	)

	dest := []any{&b.ID, &b.Title, &b.ISBN, &description, &year, &publisher, &pages,
		&b.Language, &b.AuthorID, &b.IsAvailable, &createdAt, &updatedAt}
	if err := s.Scan(append(dest, author.dest()...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}

	b.Description = nullString(description)
	b.Publisher = nullString(publisher)
	b.YearPublished = nullInt(year)
	b.Pages = nullInt(pages)

	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		t, err := parseTime(updatedAt.String)
		if err != nil {
			return nil, err
		}
		b.UpdatedAt = &t
	}
	if b.Author, err = author.author(); err != nil {
		return nil, err
	}
	return &b, nil
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(DateLayout)
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}
