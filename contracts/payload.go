package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is the result data of a response: a single object, a list of
// objects, or nothing. List takes precedence when both are set.
type Payload struct {
	Object map[string]any
	List   []map[string]any
}

// ObjectPayload wraps a single result object
func ObjectPayload(obj map[string]any) Payload {
	return Payload{Object: obj}
}

// ListPayload wraps a list of result objects. A nil list encodes as [].
func ListPayload(items []map[string]any) Payload {
	if items == nil {
		items = []map[string]any{}
	}
	return Payload{List: items}
}

// IsList reports whether the payload is a list
func (p Payload) IsList() bool {
	return p.List != nil
}

// IsEmpty reports whether the payload carries no data at all
func (p Payload) IsEmpty() bool {
	return p.List == nil && p.Object == nil
}

// MarshalJSON implements json.Marshaler
func (p Payload) MarshalJSON() ([]byte, error) {
	switch {
	case p.List != nil:
		return json.Marshal(p.List)
	case p.Object != nil:
		return json.Marshal(p.Object)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are kept as json.Number.
func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = Payload{}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	switch trimmed[0] {
	case '{':
		obj := map[string]any{}
		if err := dec.Decode(&obj); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		p.Object = obj
	case '[':
		items := []map[string]any{}
		if err := dec.Decode(&items); err != nil {
			return fmt.Errorf("data: list elements must be objects: %w", err)
		}
		for i, item := range items {
			if item == nil {
				return fmt.Errorf("data: list element %d is null", i)
			}
		}
		p.List = items
	default:
		return errors.New("data: must be an object or a list of objects")
	}
	return nil
}

// Pagination describes one page of a list result
type Pagination struct {
	Page  int `json:"page"`
	Size  int `json:"size"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination computes the page count as ceil(total/size)
func NewPagination(page, size, total int) *Pagination {
	return &Pagination{
		Page:  page,
		Size:  size,
		Total: total,
		Pages: PageCount(total, size),
	}
}

// PageCount returns ceil(total/size), or 0 when size is not positive
func PageCount(total, size int) int {
	if size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Validate checks that the counts are consistent
func (p *Pagination) Validate() error {
	if p.Page < 0 || p.Size < 0 || p.Total < 0 || p.Pages < 0 {
		return &FieldError{Field: "pagination", Reason: "values must not be negative"}
	}
	if p.Pages != PageCount(p.Total, p.Size) {
		return &FieldError{
			Field:  "pagination.pages",
			Reason: fmt.Sprintf("expected %d for total=%d size=%d", PageCount(p.Total, p.Size), p.Total, p.Size),
		}
	}
	return nil
}
