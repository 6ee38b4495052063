package handler

import (
	"net/http"
	"strconv"
)

// Page sizes per listing. Session rows carry byte sizes that are cheap
// to compute; audit events come from Postgres.
const (
	DefaultPageSize     = 50
	MaxSessionPageSize  = 500
	MaxPairingEventPage = 100
)

type Page struct {
	Limit  int
	Offset int
}

// ParsePage reads ?limit= and ?offset=. A missing or non-positive limit
// falls back to DefaultPageSize; a limit above maxLimit is clamped.
func ParsePage(r *http.Request, maxLimit int) Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	switch {
	case limit <= 0:
		limit = min(DefaultPageSize, maxLimit)
	case limit > maxLimit:
		limit = maxLimit
	}
	return Page{Limit: limit, Offset: max(offset, 0)}
}

// Slice returns the window of items this page covers.
func Slice[T any](items []T, p Page) []T {
	if p.Offset >= len(items) {
		return items[:0]
	}
	items = items[p.Offset:]
	if len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}
