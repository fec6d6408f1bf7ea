package order

import (
	"math/bits"
	"reflect"
	"strings"
)

// FieldSet is a bitmask of persisted order fields.
//
// The pending-update ledger pins a FieldSet per order; reconciliation
// overlays exactly those fields from the local copy onto the fetched row.
type FieldSet uint32

const (
	FieldOrderNumber FieldSet = 1 << iota
	FieldTableType
	FieldTableNum
	FieldGuests
	FieldStartTime
	FieldEndTime
	FieldDuration
	FieldCustomerName
	FieldCatchCasts
	FieldReferralCasts
	FieldExtensions
	FieldMenus
	FieldCastDrinks
	FieldBottles
	FieldFoods
	FieldDrinkType
	FieldDrinkPrice
	FieldKaraokeCount
	FieldNote
	FieldTotalAmount
	FieldStatus
	FieldPaymentMethod
	FieldPaymentDetails
	FieldBusinessDate

	// AllFields covers every persisted field.
	AllFields = FieldBusinessDate<<1 - 1
)

type fieldSpec struct {
	bit    FieldSet
	column string
	get    func(*Order) any
	set    func(dst, src *Order)
}

// fieldSpecs is in bit order.
var fieldSpecs = []fieldSpec{
	{FieldOrderNumber, "order_number", func(o *Order) any { return o.OrderNumber }, func(d, s *Order) { d.OrderNumber = s.OrderNumber }},
	{FieldTableType, "table_type", func(o *Order) any { return o.TableType }, func(d, s *Order) { d.TableType = s.TableType }},
	{FieldTableNum, "table_num", func(o *Order) any { return o.TableNum }, func(d, s *Order) { d.TableNum = s.TableNum }},
	{FieldGuests, "guests", func(o *Order) any { return o.Guests }, func(d, s *Order) { d.Guests = s.Guests }},
	{FieldStartTime, "start_time", func(o *Order) any { return o.StartTime }, func(d, s *Order) { d.StartTime = s.StartTime }},
	{FieldEndTime, "end_time", func(o *Order) any { return o.EndTime }, func(d, s *Order) { d.EndTime = s.EndTime }},
	{FieldDuration, "duration", func(o *Order) any { return o.Duration }, func(d, s *Order) { d.Duration = s.Duration }},
	{FieldCustomerName, "customer_name", func(o *Order) any { return o.CustomerName }, func(d, s *Order) { d.CustomerName = s.CustomerName }},
	{FieldCatchCasts, "catch_casts", func(o *Order) any { return o.CatchCasts }, func(d, s *Order) { d.CatchCasts = cloneSlice(s.CatchCasts) }},
	{FieldReferralCasts, "referral_casts", func(o *Order) any { return o.ReferralCasts }, func(d, s *Order) { d.ReferralCasts = cloneSlice(s.ReferralCasts) }},
	{FieldExtensions, "extensions", func(o *Order) any { return o.Extensions }, func(d, s *Order) { d.Extensions = cloneSlice(s.Extensions) }},
	{FieldMenus, "menus", func(o *Order) any { return o.Menus }, func(d, s *Order) { d.Menus = cloneSlice(s.Menus) }},
	{FieldCastDrinks, "cast_drinks", func(o *Order) any { return o.CastDrinks }, func(d, s *Order) { d.CastDrinks = cloneSlice(s.CastDrinks) }},
	{FieldBottles, "bottles", func(o *Order) any { return o.Bottles }, func(d, s *Order) { d.Bottles = s.Clone().Bottles }},
	{FieldFoods, "foods", func(o *Order) any { return o.Foods }, func(d, s *Order) { d.Foods = cloneSlice(s.Foods) }},
	{FieldDrinkType, "drink_type", func(o *Order) any { return o.DrinkType }, func(d, s *Order) { d.DrinkType = s.DrinkType }},
	{FieldDrinkPrice, "drink_price", func(o *Order) any { return o.DrinkPrice }, func(d, s *Order) { d.DrinkPrice = s.DrinkPrice }},
	{FieldKaraokeCount, "karaoke_count", func(o *Order) any { return o.KaraokeCount }, func(d, s *Order) { d.KaraokeCount = s.KaraokeCount }},
	{FieldNote, "note", func(o *Order) any { return o.Note }, func(d, s *Order) { d.Note = s.Note }},
	{FieldTotalAmount, "total_amount", func(o *Order) any { return o.TotalAmount }, func(d, s *Order) { d.TotalAmount = s.TotalAmount }},
	{FieldStatus, "status", func(o *Order) any { return o.Status }, func(d, s *Order) { d.Status = s.Status }},
	{FieldPaymentMethod, "payment_method", func(o *Order) any { return o.PaymentMethod }, func(d, s *Order) { d.PaymentMethod = s.PaymentMethod }},
	{FieldPaymentDetails, "payment_details", func(o *Order) any { return o.PaymentDetails }, func(d, s *Order) { d.PaymentDetails = clonePtr(s.PaymentDetails) }},
	{FieldBusinessDate, "business_date", func(o *Order) any { return o.BusinessDate }, func(d, s *Order) { d.BusinessDate = s.BusinessDate }},
}

// Has reports whether every field in other is in f.
func (f FieldSet) Has(other FieldSet) bool { return f&other == other }

// Empty reports whether no field is set.
func (f FieldSet) Empty() bool { return f == 0 }

// Len returns the number of fields in f.
func (f FieldSet) Len() int { return bits.OnesCount32(uint32(f)) }

// Columns returns the backend column names of f in a stable order.
func (f FieldSet) Columns() []string {
	cols := make([]string, 0, f.Len())
	for _, s := range fieldSpecs {
		if f.Has(s.bit) {
			cols = append(cols, s.column)
		}
	}
	return cols
}

// String lists the columns of f, for logs.
func (f FieldSet) String() string {
	return "{" + strings.Join(f.Columns(), ",") + "}"
}

// Diff returns the persisted fields whose values differ between a and b.
func Diff(a, b Order) FieldSet {
	var f FieldSet
	for _, s := range fieldSpecs {
		if !reflect.DeepEqual(s.get(&a), s.get(&b)) {
			f |= s.bit
		}
	}
	return f
}

// Overlay returns dst with the fields in set copied from src.
func Overlay(dst, src Order, set FieldSet) Order {
	out := dst.Clone()
	for _, s := range fieldSpecs {
		if set.Has(s.bit) {
			s.set(&out, &src)
		}
	}
	return out
}
