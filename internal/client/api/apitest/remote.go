// Package apitest provides an in-memory RemoteService for tests.
package apitest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	clientapi "github.com/iudanet/posync/internal/client/api"
	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/pkg/api"
)

// ErrOffline возвращается всеми вызовами, пока Remote офлайн
var ErrOffline = errors.New("remote is offline")

// Call запись о вызове удаленного сервиса
type Call struct {
	Method string
	Table  models.Table
	ID     string
}

// Remote is an in-memory data service with failure injection.
type Remote struct {
	// OnSelect вызывается перед каждой выборкой, до захвата блокировки
	OnSelect func(table models.Table, q api.Query)

	tables      map[models.Table]map[string][]byte
	idempotency map[string]string
	failTables  map[models.Table]error
	calls       []Call
	failNext    []error
	mu          sync.Mutex
	offline     bool
}

var _ clientapi.RemoteService = (*Remote)(nil)

// New creates an empty Remote
func New() *Remote {
	return &Remote{
		tables:      make(map[models.Table]map[string][]byte),
		idempotency: make(map[string]string),
		failTables:  make(map[models.Table]error),
	}
}

// SetOffline переключает доступность
func (r *Remote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// FailNext makes the next mutating calls fail with errs, in order
func (r *Remote) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = append(r.failNext, errs...)
}

// FailTable makes every call on table fail with err (nil clears it)
func (r *Remote) FailTable(table models.Table, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failTables, table)
		return
	}
	r.failTables[table] = err
}

// Seed stores records as if they already existed on the server
func (r *Remote) Seed(recs ...models.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		data, _ := json.Marshal(rec)
		r.table(rec.Table())[rec.Key()] = data
	}
}

// Records returns every stored record of the table ordered by id
func (r *Remote) Records(table models.Table) []models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.tables[table]))
	for id := range r.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		rec, _ := models.DecodeRecord(table, r.tables[table][id])
		out = append(out, rec)
	}
	return out
}

// Calls returns the log of calls made so far
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// ResetCalls очищает журнал вызовов
func (r *Remote) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Select returns records matching the query
func (r *Remote) Select(ctx context.Context, table models.Table, q api.Query) ([]models.Record, error) {
	if r.OnSelect != nil {
		r.OnSelect(table, q)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin(ctx, "SELECT", table, "", false); err != nil {
		return nil, err
	}

	var rows [][]byte
	for _, data := range r.tables[table] {
		if matches(data, q.Filters) {
			rows = append(rows, data)
		}
	}

	column, desc := "id", false
	if q.Order != "" {
		var err error
		if column, desc, err = api.ParseOrder(q.Order); err != nil {
			return nil, &clientapi.StatusError{StatusCode: http.StatusBadRequest, Body: err.Error()}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compare(gjson.GetBytes(rows[i], column).String(), gjson.GetBytes(rows[j], column).String())
		if c == 0 {
			c = compare(gjson.GetBytes(rows[i], "id").String(), gjson.GetBytes(rows[j], "id").String())
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]models.Record, 0, len(rows))
	for _, data := range rows {
		rec, err := models.DecodeRecord(table, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Insert stores the record under a server id, honouring the idempotency key
func (r *Remote) Insert(ctx context.Context, rec models.Record, idempotencyKey string) (models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin(ctx, "INSERT", rec.Table(), rec.Key(), true); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if id, ok := r.idempotency[idempotencyKey]; ok {
			return models.DecodeRecord(rec.Table(), r.tables[rec.Table()][id])
		}
	}

	id := rec.Key()
	if id == "" || models.IsLocalID(id) {
		id = "srv-" + ulid.Make().String()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "id", id); err != nil {
		return nil, err
	}

	if _, exists := r.table(rec.Table())[id]; exists {
		return nil, &clientapi.StatusError{StatusCode: http.StatusConflict, Body: "duplicate id"}
	}
	r.table(rec.Table())[id] = data
	if idempotencyKey != "" {
		r.idempotency[idempotencyKey] = id
	}

	return models.DecodeRecord(rec.Table(), data)
}

// Upsert writes records by id
func (r *Remote) Upsert(ctx context.Context, table models.Table, recs []models.Record, opts api.UpsertOptions) ([]models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ""
	if len(recs) == 1 {
		id = recs[0].Key()
	}
	if err := r.begin(ctx, "UPSERT", table, id, true); err != nil {
		return nil, err
	}

	out := make([]models.Record, 0, len(recs))
	for _, rec := range recs {
		if _, exists := r.table(table)[rec.Key()]; exists && opts.IgnoreDuplicates {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		r.table(table)[rec.Key()] = data
		out = append(out, rec)
	}
	return out, nil
}

// Update patches the record fields
func (r *Remote) Update(ctx context.Context, table models.Table, id string, patch map[string]any) (models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin(ctx, "UPDATE", table, id, true); err != nil {
		return nil, err
	}

	data, ok := r.table(table)[id]
	if !ok {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, clientapi.ErrNotFound)
	}
	for k, v := range patch {
		var err error
		if data, err = sjson.SetBytes(data, k, v); err != nil {
			return nil, err
		}
	}
	r.table(table)[id] = data
	return models.DecodeRecord(table, data)
}

// Delete removes the record
func (r *Remote) Delete(ctx context.Context, table models.Table, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin(ctx, "DELETE", table, id, true); err != nil {
		return err
	}
	if _, ok := r.table(table)[id]; !ok {
		return &clientapi.StatusError{StatusCode: http.StatusNotFound}
	}
	delete(r.table(table), id)
	return nil
}

// Ping fails while offline
func (r *Remote) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return ErrOffline
	}
	return ctx.Err()
}

// begin регистрирует вызов и применяет внедренные сбои. Вызывается под mu.
func (r *Remote) begin(ctx context.Context, method string, table models.Table, id string, mutating bool) error {
	r.calls = append(r.calls, Call{Method: method, Table: table, ID: id})

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.offline {
		return ErrOffline
	}
	if err, ok := r.failTables[table]; ok {
		return err
	}
	if mutating && len(r.failNext) > 0 {
		err := r.failNext[0]
		r.failNext = r.failNext[1:]
		return err
	}
	return nil
}

func (r *Remote) table(table models.Table) map[string][]byte {
	t, ok := r.tables[table]
	if !ok {
		t = make(map[string][]byte)
		r.tables[table] = t
	}
	return t
}

func matches(data []byte, filters []api.Filter) bool {
	for _, f := range filters {
		c := compare(gjson.GetBytes(data, f.Column).String(), f.Value)
		var ok bool
		switch f.Op {
		case api.OpEq:
			ok = c == 0
		case api.OpGt:
			ok = c > 0
		case api.OpGte:
			ok = c >= 0
		case api.OpLt:
			ok = c < 0
		case api.OpLte:
			ok = c <= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// compare сравнивает значения как время, число или строку
func compare(a, b string) int {
	if ta, err := time.Parse(time.RFC3339Nano, a); err == nil {
		if tb, err := time.Parse(time.RFC3339Nano, b); err == nil {
			return ta.Compare(tb)
		}
	}
	if fa, err := strconv.ParseFloat(a, 64); err == nil {
		if fb, err := strconv.ParseFloat(b, 64); err == nil {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
