package api

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_Values(t *testing.T) {
	q := Query{Order: "created_at.desc", Limit: 100, Offset: 200}.
		Eq("owner_id", "team-1").
		Gte("updated_at", "2026-01-01T00:00:00Z")

	v := q.Values()
	assert.Equal(t, "eq.team-1", v.Get("owner_id"))
	assert.Equal(t, "gte.2026-01-01T00:00:00Z", v.Get("updated_at"))
	assert.Equal(t, "created_at.desc", v.Get("order"))
	assert.Equal(t, "100", v.Get("limit"))
	assert.Equal(t, "200", v.Get("offset"))

	parsed, err := ParseQuery(v)
	require.NoError(t, err)
	assert.Equal(t, q.Order, parsed.Order)
	assert.Equal(t, q.Limit, parsed.Limit)
	assert.Equal(t, q.Offset, parsed.Offset)
	assert.ElementsMatch(t, q.Filters, parsed.Filters)
}

func TestQuery_EqDoesNotAlias(t *testing.T) {
	base := Query{}.Eq("owner_id", "a")
	q1 := base.Eq("status", "new")
	q2 := base.Eq("status", "paid")

	assert.Len(t, base.Filters, 1)
	assert.Equal(t, "new", q1.Filters[1].Value)
	assert.Equal(t, "paid", q2.Filters[1].Value)
}

func TestParseQuery_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "bad operator", query: "owner_id=like.x"},
		{name: "no operator", query: "owner_id=x"},
		{name: "bad limit", query: "limit=abc"},
		{name: "negative offset", query: "offset=-1"},
		{name: "bad order", query: "order=name.sideways"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			_, err = ParseQuery(v)
			assert.Error(t, err)
		})
	}
}

func TestParseOrder(t *testing.T) {
	col, desc, err := ParseOrder("created_at.desc")
	require.NoError(t, err)
	assert.Equal(t, "created_at", col)
	assert.True(t, desc)

	col, desc, err = ParseOrder("name")
	require.NoError(t, err)
	assert.Equal(t, "name", col)
	assert.False(t, desc)
}

func TestUpsertOptions_Prefer(t *testing.T) {
	assert.Contains(t, UpsertOptions{}.Prefer(), PreferMergeDuplicates)
	assert.Contains(t, UpsertOptions{IgnoreDuplicates: true}.Prefer(), PreferIgnoreDuplicates)
}
