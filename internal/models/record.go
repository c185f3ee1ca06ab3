package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownTable возвращается для имени таблицы, которой нет в схеме
var ErrUnknownTable = errors.New("unknown table")

// Table имя доменной таблицы (совпадает с именем таблицы удаленного сервиса)
type Table string

// Доменные таблицы розничного приложения
const (
	TableBrands     Table = "lpg_brands"
	TableProducts   Table = "products"
	TableCustomers  Table = "customers"
	TableOrders     Table = "orders"
	TableOrderItems Table = "order_items"
)

// LocalIDPrefix префикс идентификаторов, созданных на клиенте без связи с сервером
const LocalIDPrefix = "local-"

// NewLocalID генерирует идентификатор для записи, созданной офлайн
func NewLocalID() string {
	return LocalIDPrefix + uuid.New().String()
}

// IsLocalID сообщает, был ли идентификатор выдан клиентом (а не сервером)
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Record is a domain record of one of the known tables.
// Concrete types are the per-table payload shapes below; the set is closed.
type Record interface {
	Table() Table
	Key() string
	SetKey(id string)
	Owner() string
	SetOwner(ownerID string)
	Timestamps() (created, updated time.Time)
	SetTimestamps(created, updated time.Time)
	Touch(now time.Time)
}

// Base holds the fields every record carries.
type Base struct {
	CreatedAt time.Time `json:"created_at"` // CreatedAt время создания записи
	UpdatedAt time.Time `json:"updated_at"` // UpdatedAt время последнего изменения
	ID        string    `json:"id"`         // ID локальный (local-*) или серверный идентификатор
	OwnerID   string    `json:"owner_id"`   // OwnerID владелец записи (команда/магазин)
}

func (b *Base) Key() string { return b.ID }

func (b *Base) SetKey(id string) { b.ID = id }

func (b *Base) Owner() string { return b.OwnerID }

func (b *Base) SetOwner(ownerID string) { b.OwnerID = ownerID }

func (b *Base) Timestamps() (created, updated time.Time) { return b.CreatedAt, b.UpdatedAt }

func (b *Base) SetTimestamps(created, updated time.Time) {
	b.CreatedAt = created
	b.UpdatedAt = updated
}

// Touch обновляет updated_at и проставляет created_at для новой записи
func (b *Base) Touch(now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// Brand справочник брендов газовых баллонов
type Brand struct {
	Base
	Name   string `json:"name"`
	Code   string `json:"code,omitempty"`
	Active bool   `json:"active"`
}

func (*Brand) Table() Table { return TableBrands }

// Product товар на складе
type Product struct {
	Base
	BrandID    string `json:"brand_id,omitempty"`
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	PriceCents int64  `json:"price_cents"`
	StockQty   int64  `json:"stock_qty"`
}

func (*Product) Table() Table { return TableProducts }

// Customer покупатель
type Customer struct {
	Base
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

func (*Customer) Table() Table { return TableCustomers }

// Order заказ покупателя
type Order struct {
	Base
	CustomerID string `json:"customer_id,omitempty"`
	Status     string `json:"status"`
	TotalCents int64  `json:"total_cents"`
}

func (*Order) Table() Table { return TableOrders }

// OrderItem позиция заказа
type OrderItem struct {
	Base
	OrderID    string `json:"order_id"`
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

func (*OrderItem) Table() Table { return TableOrderItems }

// NewRecord возвращает пустую запись нужного типа для таблицы
func NewRecord(table Table) (Record, error) {
	switch table {
	case TableBrands:
		return &Brand{}, nil
	case TableProducts:
		return &Product{}, nil
	case TableCustomers:
		return &Customer{}, nil
	case TableOrders:
		return &Order{}, nil
	case TableOrderItems:
		return &OrderItem{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
}

// DecodeRecord десериализует JSON в типизированную запись таблицы
func DecodeRecord(table Table, raw []byte) (Record, error) {
	rec, err := NewRecord(table)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", table, err)
	}
	return rec, nil
}

// Valid сообщает, известна ли таблица
func (t Table) Valid() bool {
	_, err := NewRecord(t)
	return err == nil
}
