package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_ByPriority(t *testing.T) {
	ordered := DefaultSchema().ByPriority()
	require.Len(t, ordered, 5)

	// Справочники раньше транзакционных таблиц
	assert.Equal(t, TableBrands, ordered[0].Name)
	assert.Equal(t, TableOrderItems, ordered[len(ordered)-1].Name)
	for i := 1; i < len(ordered); i++ {
		assert.GreaterOrEqual(t, ordered[i-1].Priority, ordered[i].Priority)
	}
}

func TestSchema_Lookup(t *testing.T) {
	s := DefaultSchema()

	d, ok := s.Lookup(TableOrders)
	require.True(t, ok)
	assert.True(t, d.Transactional())
	assert.True(t, d.HasIndex("customer_id"))
	assert.False(t, d.HasIndex("phone"))

	_, ok = s.Lookup("nope")
	assert.False(t, ok)
}

func TestSchema_Referencing(t *testing.T) {
	s := DefaultSchema()

	assert.Equal(t, []Reference{{Table: TableOrders, Field: "customer_id"}}, s.Referencing(TableCustomers))
	assert.Equal(t, []Reference{
		{Table: TableOrderItems, Field: "product_id"},
	}, s.Referencing(TableProducts))
	assert.Empty(t, s.Referencing(TableOrderItems))
}

func TestSchema_QuickSyncTables(t *testing.T) {
	tables := DefaultSchema().QuickSyncTables()
	names := make([]Table, 0, len(tables))
	for _, d := range tables {
		names = append(names, d.Name)
	}
	assert.NotContains(t, names, TableBrands)
	assert.Equal(t, []Table{TableProducts, TableCustomers, TableOrders, TableOrderItems}, names)
}

func TestSchema_IndexesIncludeOwner(t *testing.T) {
	for _, d := range DefaultSchema() {
		assert.True(t, d.HasIndex(OwnerField), d.Name)
	}
}
