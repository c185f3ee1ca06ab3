package models

import "sort"

// OwnerField поле владельца, индексируется во всех таблицах
const OwnerField = "owner_id"

// TableDescriptor описывает таблицу для гидрации, быстрой синхронизации,
// локальных индексов и переписывания внешних ключей.
type TableDescriptor struct {
	References  map[string]Table // References поле внешнего ключа -> родительская таблица
	Name        Table
	OrderBy     string   // OrderBy порядок выборки при гидрации, например "created_at.desc"
	Indexes     []string // Indexes вторичные индексы локального хранилища
	Priority    int      // Priority больший приоритет гидрируется раньше
	RecordLimit int      // RecordLimit ограничение выборки для транзакционных таблиц (0 - без ограничения)
	QuickSync   bool     // QuickSync участвует ли таблица в быстрой дельта-синхронизации
}

// Transactional сообщает, относится ли таблица к объемным транзакционным данным
func (d TableDescriptor) Transactional() bool {
	return d.RecordLimit > 0
}

// HasIndex проверяет наличие вторичного индекса по полю
func (d TableDescriptor) HasIndex(field string) bool {
	for _, f := range d.Indexes {
		if f == field {
			return true
		}
	}
	return false
}

// Reference is a foreign key pointing at a parent table.
type Reference struct {
	Table Table
	Field string
}

// Schema is the ordered set of table descriptors the client works with.
type Schema []TableDescriptor

// DefaultSchema returns the retail schema: master data first, transactional last.
func DefaultSchema() Schema {
	return Schema{
		{
			Name:     TableBrands,
			Priority: 100,
			Indexes:  []string{OwnerField},
			OrderBy:  "name.asc",
		},
		{
			Name:       TableProducts,
			Priority:   90,
			Indexes:    []string{OwnerField, "brand_id"},
			References: map[string]Table{"brand_id": TableBrands},
			OrderBy:    "name.asc",
			QuickSync:  true,
		},
		{
			Name:      TableCustomers,
			Priority:  80,
			Indexes:   []string{OwnerField, "phone"},
			OrderBy:   "name.asc",
			QuickSync: true,
		},
		{
			Name:        TableOrders,
			Priority:    50,
			Indexes:     []string{OwnerField, "customer_id", "status"},
			References:  map[string]Table{"customer_id": TableCustomers},
			OrderBy:     "created_at.desc",
			RecordLimit: 500,
			QuickSync:   true,
		},
		{
			Name:     TableOrderItems,
			Priority: 40,
			Indexes:  []string{OwnerField, "order_id", "product_id"},
			References: map[string]Table{
				"order_id":   TableOrders,
				"product_id": TableProducts,
			},
			OrderBy:     "created_at.desc",
			RecordLimit: 2000,
			QuickSync:   true,
		},
	}
}

// Lookup возвращает дескриптор таблицы
func (s Schema) Lookup(table Table) (TableDescriptor, bool) {
	for _, d := range s {
		if d.Name == table {
			return d, true
		}
	}
	return TableDescriptor{}, false
}

// ByPriority возвращает дескрипторы по убыванию приоритета
func (s Schema) ByPriority() []TableDescriptor {
	out := make([]TableDescriptor, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// QuickSyncTables возвращает таблицы быстрой синхронизации в порядке приоритета
func (s Schema) QuickSyncTables() []TableDescriptor {
	var out []TableDescriptor
	for _, d := range s.ByPriority() {
		if d.QuickSync {
			out = append(out, d)
		}
	}
	return out
}

// Referencing returns every (child table, field) pair that points at parent.
func (s Schema) Referencing(parent Table) []Reference {
	var refs []Reference
	for _, d := range s {
		for field, target := range d.References {
			if target == parent {
				refs = append(refs, Reference{Table: d.Name, Field: field})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Table != refs[j].Table {
			return refs[i].Table < refs[j].Table
		}
		return refs[i].Field < refs[j].Field
	})
	return refs
}
