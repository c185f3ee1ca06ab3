package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/pkg/api"
)

// TestNewClient проверяет создание нового клиента
func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080/", WithToken("tok"), WithTimeout(5*time.Second))

	assert.Equal(t, "http://localhost:8080", client.baseURL)
	assert.Equal(t, 5*time.Second, client.httpClient.Timeout)
	assert.Equal(t, "tok", client.bearer())

	client.SetToken("other")
	assert.Equal(t, "other", client.bearer())
}

// TestClient_Select проверяет выборку и передачу фильтров
func TestClient_Select(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/customers", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "eq.team-1", r.URL.Query().Get("owner_id"))
		assert.Equal(t, "created_at.desc", r.URL.Query().Get("order"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		_, _ = io.WriteString(w, `[{"id":"srv-1","owner_id":"team-1","name":"Ann"},{"id":"srv-2","owner_id":"team-1","name":"Bob"}]`)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithToken("tok"))
	recs, err := client.Select(context.Background(), models.TableCustomers,
		api.Query{Order: "created_at.desc", Limit: 50}.Eq("owner_id", "team-1"))

	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Ann", recs[0].(*models.Customer).Name)
	assert.Equal(t, "srv-2", recs[1].Key())
}

// TestClient_Insert проверяет передачу ключа идемпотентности
func TestClient_Insert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "op-1", r.Header.Get(api.HeaderIdempotencyKey))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "local-abc", body["id"])

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `[{"id":"srv-1","owner_id":"team-1","name":"C1"}]`)
	}))
	defer server.Close()

	c := &models.Customer{Name: "C1"}
	c.SetKey("local-abc")
	c.SetOwner("team-1")

	rec, err := NewClient(server.URL).Insert(context.Background(), c, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", rec.Key())
}

// TestClient_Upsert проверяет заголовок Prefer и цель конфликта
func TestClient_Upsert(t *testing.T) {
	tests := []struct {
		name       string
		opts       api.UpsertOptions
		wantPrefer string
	}{
		{name: "merge by default", opts: api.UpsertOptions{}, wantPrefer: api.PreferMergeDuplicates},
		{name: "ignore duplicates", opts: api.UpsertOptions{IgnoreDuplicates: true}, wantPrefer: api.PreferIgnoreDuplicates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get(api.HeaderPrefer), tt.wantPrefer)
				assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
				body, _ := io.ReadAll(r.Body)
				_, _ = w.Write(body)
			}))
			defer server.Close()

			b := &models.Brand{Name: "Petron"}
			b.SetKey("srv-b")

			recs, err := NewClient(server.URL).Upsert(context.Background(), models.TableBrands, []models.Record{b}, tt.opts)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "Petron", recs[0].(*models.Brand).Name)
		})
	}
}

// TestClient_Delete_NotFound проверяет классификацию 404
func TestClient_Delete_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "eq.srv-1", r.URL.Query().Get("id"))

		w.Header().Set("Content-Type", api.ProblemContentType)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.Problem{Type: "about:blank", Title: "Not Found", Status: 404, Detail: "record not found"})
	}))
	defer server.Close()

	err := NewClient(server.URL).Delete(context.Background(), models.TableOrders, "srv-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRejection(err))
	assert.Contains(t, err.Error(), "record not found")
}

// TestClient_Update проверяет PATCH по id
func TestClient_Update(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.srv-o", r.URL.Query().Get("id"))
		_, _ = io.WriteString(w, `[{"id":"srv-o","status":"paid"}]`)
	}))
	defer server.Close()

	rec, err := NewClient(server.URL).Update(context.Background(), models.TableOrders, "srv-o", map[string]any{"status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, "paid", rec.(*models.Order).Status)
}

// TestClient_Errors проверяет обработку ошибок
func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "rejection", status: http.StatusBadRequest, body: `{"status":400,"title":"Bad Request","detail":"invalid"}`},
		{name: "server error", status: http.StatusInternalServerError, body: "oops", wantTransient: true},
		{name: "throttled", status: http.StatusTooManyRequests, wantTransient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			b := &models.Brand{}
			b.SetKey("local-1")
			_, err := NewClient(server.URL).Insert(context.Background(), b, "k")
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			assert.Equal(t, !tt.wantTransient, IsRejection(err))
		})
	}
}

// TestClient_Ping проверяет недоступность сервера
func TestClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
	}))

	client := NewClient(server.URL, WithTimeout(time.Second))
	assert.NoError(t, client.Ping(context.Background()))

	server.Close()
	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
