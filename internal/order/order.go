// Package order holds the tab (order) model shared by the sync engine, the
// local cache and the backend adapters.
//
// Money is held in integer currency units. Start and end times are bare
// "HH:MM" strings relative to the business day; see package clocktime.
package order

import (
	"time"

	"github.com/roach88/tabsync/internal/bizday"
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// PaymentMethod is how a completed order was settled.
type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentCard        PaymentMethod = "card"
	PaymentElectronic  PaymentMethod = "electronic"
	PaymentPartialCash PaymentMethod = "partial_cash"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentElectronic, PaymentPartialCash:
		return true
	}
	return false
}

// PaymentDetails splits a settlement across tenders.
type PaymentDetails struct {
	CashAmount       int64 `json:"cashAmount,omitempty"`
	CardAmount       int64 `json:"cardAmount,omitempty"`
	ElectronicAmount int64 `json:"electronicAmount,omitempty"`
	CardFee          int64 `json:"cardFee,omitempty"`
	HasCardFee       bool  `json:"hasCardFee"`
}

// Extension is one paid extension of the table time.
type Extension struct {
	ID         int64  `json:"id"`
	Count      int    `json:"count"`
	EndTime    string `json:"endTime"`
	Guests     int    `json:"guests"`
	UnitPrice  int64  `json:"unitPrice"`
	Price      int64  `json:"price"`
	TotalPrice int64  `json:"totalPrice"`
}

type Menu struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// CastDrink is a drink bought for a cast member and counted in their sales.
type CastDrink struct {
	ID      int64  `json:"id"`
	Cast    string `json:"cast"`
	Count   int    `json:"count"`
	Price   int64  `json:"price"`
	Display string `json:"display,omitempty"`
}

type Bottle struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Price     int64    `json:"price"`
	MainCasts []string `json:"mainCasts,omitempty"`
	HelpCasts []string `json:"helpCasts,omitempty"`
	Note      string   `json:"note,omitempty"`
}

type Food struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

// Input buffers of the add-item forms. They live only on the client that
// is typing and are never persisted to the backend.
type (
	TempCastDrink struct {
		Cast  string `json:"cast"`
		Count string `json:"count"`
	}
	TempBottle struct {
		Name  string `json:"name"`
		Price string `json:"price"`
	}
	TempFood struct {
		Name  string `json:"name"`
		Price string `json:"price"`
	}
)

// Order is one table's tab.
type Order struct {
	ID           string `json:"id"`
	OrderNumber  int    `json:"orderNumber"`
	TableType    string `json:"tableType"`
	TableNum     int    `json:"tableNum"`
	Guests       int    `json:"guests"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
	Duration     string `json:"duration"`
	CustomerName string `json:"customerName"`

	CatchCasts    []string `json:"catchCasts"`
	ReferralCasts []string `json:"referralCasts"`

	Extensions []Extension `json:"extensions"`
	Menus      []Menu      `json:"menus"`
	CastDrinks []CastDrink `json:"castDrinks"`
	Bottles    []Bottle    `json:"bottles"`
	Foods      []Food      `json:"foods"`

	DrinkType    string `json:"drinkType"`
	DrinkPrice   int64  `json:"drinkPrice"`
	KaraokeCount int    `json:"karaokeCount"`
	Note         string `json:"note"`
	TotalAmount  int64  `json:"totalAmount"`

	Status         Status          `json:"status"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod,omitempty"`
	PaymentDetails *PaymentDetails `json:"paymentDetails,omitempty"`

	TempCastDrink *TempCastDrink `json:"tempCastDrink,omitempty"`
	TempBottle    *TempBottle    `json:"tempBottle,omitempty"`
	TempFood      *TempFood      `json:"tempFood,omitempty"`

	// BusinessDate tags the order with the business day it was opened in.
	BusinessDate bizday.Day `json:"businessDate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy; snapshots never share backing arrays.
func (o Order) Clone() Order {
	c := o
	c.CatchCasts = cloneSlice(o.CatchCasts)
	c.ReferralCasts = cloneSlice(o.ReferralCasts)
	c.Extensions = cloneSlice(o.Extensions)
	c.Menus = cloneSlice(o.Menus)
	c.CastDrinks = cloneSlice(o.CastDrinks)
	c.Foods = cloneSlice(o.Foods)
	if o.Bottles != nil {
		c.Bottles = make([]Bottle, len(o.Bottles))
		for i, b := range o.Bottles {
			b.MainCasts = cloneSlice(b.MainCasts)
			b.HelpCasts = cloneSlice(b.HelpCasts)
			c.Bottles[i] = b
		}
	}
	c.PaymentDetails = clonePtr(o.PaymentDetails)
	c.TempCastDrink = clonePtr(o.TempCastDrink)
	c.TempBottle = clonePtr(o.TempBottle)
	c.TempFood = clonePtr(o.TempFood)
	return c
}

// Normalize replaces nil collections with empty ones, defaults the status
// and folds cast names to their canonical form. Orders entering the engine
// are always normalized so comparisons are not fooled by nil vs empty.
func (o Order) Normalize() Order {
	n := o.Clone()
	n.CatchCasts = normalizeNames(n.CatchCasts)
	n.ReferralCasts = normalizeNames(n.ReferralCasts)
	n.Extensions = nonNil(n.Extensions)
	n.Menus = nonNil(n.Menus)
	n.CastDrinks = nonNil(n.CastDrinks)
	for i := range n.CastDrinks {
		n.CastDrinks[i].Cast = NormalizeName(n.CastDrinks[i].Cast)
	}
	n.Bottles = nonNil(n.Bottles)
	for i := range n.Bottles {
		n.Bottles[i].MainCasts = optionalNames(n.Bottles[i].MainCasts)
		n.Bottles[i].HelpCasts = optionalNames(n.Bottles[i].HelpCasts)
	}
	n.Foods = nonNil(n.Foods)
	if !n.Status.Valid() {
		n.Status = StatusActive
	}
	return n
}

// Live reports whether o belongs in the active collection rather than trash.
func (o Order) Live() bool {
	return o.Status != StatusDeleted
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
