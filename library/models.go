package library

import "time"

// Version names
const (
	V1 = "v1"
	V2 = "v2"
)

// DateLayout is the wire form of dates such as an author's birth date
const DateLayout = "2006-01-02"

// Author is a row of the authors table
type Author struct {
	ID          int64
	Name        string
	Bio         *string
	BirthDate   *time.Time
	Nationality *string
	BooksCount  int
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// Book is a row of the books table with its author
type Book struct {
	ID            int64
	Title         string
	ISBN          string
	Description   *string
	YearPublished *int64
	Publisher     *string
	Pages         *int64
	Language      string
	AuthorID      int64
	IsAvailable   bool
	CreatedAt     time.Time
	UpdatedAt     *time.Time
	Author        *Author
}

// Map returns the wire representation of a
func (a *Author) Map() map[string]any {
	m := map[string]any{
		"id":          a.ID,
		"name":        a.Name,
		"bio":         derefString(a.Bio),
		"birth_date":  nil,
		"nationality": derefString(a.Nationality),
		"books_count": a.BooksCount,
		"created_at":  a.CreatedAt,
		"updated_at":  nil,
	}
	if a.BirthDate != nil {
		m["birth_date"] = a.BirthDate.Format(DateLayout)
	}
	if a.UpdatedAt != nil {
		m["updated_at"] = *a.UpdatedAt
	}
	return m
}

// Map returns the wire representation of b for version. Only v2 carries
// is_available.
func (b *Book) Map(version string) map[string]any {
	m := map[string]any{
		"id":             b.ID,
		"title":          b.Title,
		"isbn":           b.ISBN,
		"description":    derefString(b.Description),
		"year_published": derefInt(b.YearPublished),
		"publisher":      derefString(b.Publisher),
		"pages":          derefInt(b.Pages),
		"language":       b.Language,
		"author_id":      b.AuthorID,
		"created_at":     b.CreatedAt,
		"updated_at":     nil,
	}
	if b.UpdatedAt != nil {
		m["updated_at"] = *b.UpdatedAt
	}
	if version == V2 {
		m["is_available"] = b.IsAvailable
	}
	if b.Author != nil {
		m["author"] = b.Author.Map()
	}
	return m
}

func derefString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
