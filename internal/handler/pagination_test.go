package handler

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		name  string
		query string
		max   int
		want  Page
	}{
		{"defaults", "", MaxSessionPageSize, Page{Limit: DefaultPageSize}},
		{"explicit", "?limit=5&offset=10", MaxPairingEventPage, Page{Limit: 5, Offset: 10}},
		{"clamped to resource max", "?limit=1000", MaxPairingEventPage, Page{Limit: MaxPairingEventPage}},
		{"sessions allow larger pages", "?limit=400", MaxSessionPageSize, Page{Limit: 400}},
		{"default never exceeds max", "", 20, Page{Limit: 20}},
		{"negative offset", "?offset=-3", MaxSessionPageSize, Page{Limit: DefaultPageSize}},
		{"garbage", "?limit=abc&offset=xyz", MaxSessionPageSize, Page{Limit: DefaultPageSize}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/sessions"+tc.query, nil)
			assert.Equal(t, tc.want, ParsePage(r, tc.max))
		})
	}
}

func TestSlice(t *testing.T) {
	items := []string{"a", "b", "c", "d"}

	assert.Equal(t, []string{"b", "c"}, Slice(items, Page{Limit: 2, Offset: 1}))
	assert.Equal(t, []string{"d"}, Slice(items, Page{Limit: 2, Offset: 3}))
	assert.Empty(t, Slice(items, Page{Limit: 2, Offset: 9}))
}
