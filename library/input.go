package library

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/glimte/shelfbridge/actions"
)

var isbnPattern = regexp.MustCompile(`^[0-9\-]+$`)

// AuthorInput is the validated data of create_author
type AuthorInput struct {
	Name        string
	Bio         *string
	BirthDate   *time.Time
	Nationality *string
}

// BookInput is the validated data of create_book
type BookInput struct {
	Title         string
	ISBN          string
	Description   *string
	YearPublished *int64
	Publisher     *string
	Pages         *int64
	Language      string
	AuthorID      int64
	IsAvailable   bool
}

// ParseAuthorInput validates create_author data
func ParseAuthorInput(p actions.Params) (AuthorInput, error) {
	var in AuthorInput
	var err error

	if in.Name, err = p.RequiredString("name"); err != nil {
		return in, err
	}
	if err := maxLength("name", in.Name, 100); err != nil {
		return in, err
	}
	if in.Bio, err = optionalString(p, "bio"); err != nil {
		return in, err
	}
	if in.Nationality, err = optionalString(p, "nationality"); err != nil {
		return in, err
	}
	if in.Nationality != nil {
		if err := maxLength("nationality", *in.Nationality, 50); err != nil {
			return in, err
		}
	}

	if raw, ok, err := p.String("birth_date"); err != nil {
		return in, err
	} else if ok {
		d, err := parseDate(raw)
		if err != nil {
			return in, actions.Invalid("birth_date", "must be a date (YYYY-MM-DD)")
		}
		in.BirthDate = &d
	}
	return in, nil
}

// ParseBookInput validates create_book data. is_available is read only for v2.
func ParseBookInput(p actions.Params, version string, now time.Time) (BookInput, error) {
	in := BookInput{Language: "en", IsAvailable: true}
	var err error

	if in.AuthorID, err = p.RequiredInt("author_id"); err != nil {
		return in, err
	}
	if in.Title, err = p.RequiredString("title"); err != nil {
		return in, err
	}
	if err := maxLength("title", in.Title, 200); err != nil {
		return in, err
	}

	if in.ISBN, err = p.RequiredString("isbn"); err != nil {
		return in, err
	}
	if n := len(in.ISBN); n < 10 || n > 13 || !isbnPattern.MatchString(in.ISBN) {
		return in, actions.Invalid("isbn", "must be 10 to 13 digits or dashes")
	}

	if in.Description, err = optionalString(p, "description"); err != nil {
		return in, err
	}
	if in.Publisher, err = optionalString(p, "publisher"); err != nil {
		return in, err
	}
	if in.Publisher != nil {
		if err := maxLength("publisher", *in.Publisher, 100); err != nil {
			return in, err
		}
	}

	if year, ok, err := p.Int("year_published"); err != nil {
		return in, err
	} else if ok {
		if year < 1000 || year > int64(now.Year()) {
			return in, actions.Invalid("year_published", "must be between 1000 and %d", now.Year())
		}
		in.YearPublished = &year
	}

	if pages, ok, err := p.Int("pages"); err != nil {
		return in, err
	} else if ok {
		if pages < 1 {
			return in, actions.Invalid("pages", "must be at least 1")
		}
		in.Pages = &pages
	}

	if lang, ok, err := p.String("language"); err != nil {
		return in, err
	} else if ok {
		if utf8.RuneCountInString(lang) != 2 {
			return in, actions.Invalid("language", "must be a two-letter code")
		}
		in.Language = lang
	}

	if version == V2 {
		if available, ok, err := p.Bool("is_available"); err != nil {
			return in, err
		} else if ok {
			in.IsAvailable = available
		}
	}
	return in, nil
}

func optionalString(p actions.Params, key string) (*string, error) {
	s, ok, err := p.String(key)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func maxLength(field, s string, max int) error {
	if utf8.RuneCountInString(s) > max {
		return actions.Invalid(field, "must be at most %d characters", max)
	}
	return nil
}

// parseDate accepts a plain date or a full timestamp
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(DateLayout, s); err == nil {
		return d, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, actions.Invalid("birth_date", "must be a date")
}
