package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tabsync/internal/bizday"
)

// Row is the persisted shape of an order in the backend "orders" table.
//
// Scalar columns are pointers because any of them may be NULL. JSON-valued
// columns stay raw until FromRow decodes them one by one.
type Row struct {
	ID             string          `json:"id"`
	OrderNumber    *int64          `json:"order_number"`
	TableType      *string         `json:"table_type"`
	TableNum       *int64          `json:"table_num"`
	Guests         *int64          `json:"guests"`
	StartTime      *string         `json:"start_time"`
	EndTime        *string         `json:"end_time"`
	Duration       *string         `json:"duration"`
	CustomerName   *string         `json:"customer_name"`
	CatchCasts     []string        `json:"catch_casts"`
	ReferralCasts  []string        `json:"referral_casts"`
	Extensions     json.RawMessage `json:"extensions"`
	Menus          json.RawMessage `json:"menus"`
	CastDrinks     json.RawMessage `json:"cast_drinks"`
	Bottles        json.RawMessage `json:"bottles"`
	Foods          json.RawMessage `json:"foods"`
	DrinkType      *string         `json:"drink_type"`
	DrinkPrice     *int64          `json:"drink_price"`
	KaraokeCount   *int64          `json:"karaoke_count"`
	Note           *string         `json:"note"`
	TotalAmount    *int64          `json:"total_amount"`
	Status         *string         `json:"status"`
	PaymentMethod  *string         `json:"payment_method"`
	PaymentDetails json.RawMessage `json:"payment_details"`
	BusinessDate   *string         `json:"business_date"`
	CreatedAt      *time.Time      `json:"created_at"`
	UpdatedAt      *time.Time      `json:"updated_at"`
}

// Columns lists every column of Row in table order.
var Columns = append([]string{"id"}, append(AllFields.Columns(), "created_at", "updated_at")...)

// ToRow converts o to its persisted shape. Empty optional text becomes NULL.
func ToRow(o Order) (Row, error) {
	o = o.Normalize()
	r := Row{
		ID:            o.ID,
		OrderNumber:   ptr(int64(o.OrderNumber)),
		TableType:     ptr(o.TableType),
		TableNum:      ptr(int64(o.TableNum)),
		Guests:        ptr(int64(o.Guests)),
		StartTime:     ptr(o.StartTime),
		EndTime:       ptr(o.EndTime),
		Duration:      ptr(o.Duration),
		CustomerName:  optional(o.CustomerName),
		CatchCasts:    o.CatchCasts,
		ReferralCasts: o.ReferralCasts,
		DrinkType:     ptr(o.DrinkType),
		DrinkPrice:    ptr(o.DrinkPrice),
		KaraokeCount:  ptr(int64(o.KaraokeCount)),
		Note:          optional(o.Note),
		TotalAmount:   ptr(o.TotalAmount),
		Status:        ptr(string(o.Status)),
		PaymentMethod: optional(string(o.PaymentMethod)),
		BusinessDate:  optional(string(o.BusinessDate)),
	}
	if !o.CreatedAt.IsZero() {
		r.CreatedAt = ptr(o.CreatedAt)
	}
	if !o.UpdatedAt.IsZero() {
		r.UpdatedAt = ptr(o.UpdatedAt)
	}

	var err error
	encode := func(dst *json.RawMessage, v any, column string) {
		if err != nil {
			return
		}
		var data []byte
		if data, err = json.Marshal(v); err != nil {
			err = fmt.Errorf("encode %s: %w", column, err)
			return
		}
		*dst = data
	}
	encode(&r.Extensions, o.Extensions, "extensions")
	encode(&r.Menus, o.Menus, "menus")
	encode(&r.CastDrinks, o.CastDrinks, "cast_drinks")
	encode(&r.Bottles, o.Bottles, "bottles")
	encode(&r.Foods, o.Foods, "foods")
	if o.PaymentDetails != nil {
		encode(&r.PaymentDetails, o.PaymentDetails, "payment_details")
	}
	if err != nil {
		return Row{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	return r, nil
}

// FromRow converts a persisted row to an Order.
//
// Every field is defaulted independently: NULL or absent values become zero
// or empty collections, and a malformed JSON column becomes empty. The
// returned Order is always usable; the error, when non-nil, lists the
// columns that had to be defaulted so the caller can log them.
func FromRow(r Row) (Order, error) {
	var problems []error
	o := Order{
		ID:            r.ID,
		OrderNumber:   int(deref(r.OrderNumber)),
		TableType:     deref(r.TableType),
		TableNum:      int(deref(r.TableNum)),
		Guests:        int(deref(r.Guests)),
		StartTime:     deref(r.StartTime),
		EndTime:       deref(r.EndTime),
		Duration:      deref(r.Duration),
		CustomerName:  deref(r.CustomerName),
		CatchCasts:    r.CatchCasts,
		ReferralCasts: r.ReferralCasts,
		DrinkType:     deref(r.DrinkType),
		DrinkPrice:    deref(r.DrinkPrice),
		KaraokeCount:  int(deref(r.KaraokeCount)),
		Note:          deref(r.Note),
		TotalAmount:   deref(r.TotalAmount),
		Status:        Status(deref(r.Status)),
		PaymentMethod: PaymentMethod(deref(r.PaymentMethod)),
		CreatedAt:     deref(r.CreatedAt),
		UpdatedAt:     deref(r.UpdatedAt),
	}
	if r.ID == "" {
		problems = append(problems, errors.New("id: missing"))
	}
	if !o.Status.Valid() {
		if r.Status != nil {
			problems = append(problems, fmt.Errorf("status: unknown value %q", *r.Status))
		}
		o.Status = StatusActive
	}
	if o.PaymentMethod != "" && !o.PaymentMethod.Valid() {
		problems = append(problems, fmt.Errorf("payment_method: unknown value %q", o.PaymentMethod))
		o.PaymentMethod = ""
	}

	if r.BusinessDate != nil && *r.BusinessDate != "" {
		day, err := bizday.ParseDay(*r.BusinessDate)
		if err != nil {
			problems = append(problems, fmt.Errorf("business_date: %w", err))
		}
		o.BusinessDate = day
	}

	o.Extensions = decodeColumn[[]Extension](r.Extensions, "extensions", &problems)
	o.Menus = decodeColumn[[]Menu](r.Menus, "menus", &problems)
	o.CastDrinks = decodeColumn[[]CastDrink](r.CastDrinks, "cast_drinks", &problems)
	o.Bottles = decodeColumn[[]Bottle](r.Bottles, "bottles", &problems)
	o.Foods = decodeColumn[[]Food](r.Foods, "foods", &problems)
	o.PaymentDetails = decodeColumn[*PaymentDetails](r.PaymentDetails, "payment_details", &problems)

	o = o.Normalize()
	if len(problems) > 0 {
		return o, fmt.Errorf("order %q: %w", r.ID, errors.Join(problems...))
	}
	return o, nil
}

// Value returns the column value of r suitable for a SQL parameter.
func (r Row) Value(column string) (any, error) {
	switch column {
	case "id":
		return r.ID, nil
	case "order_number":
		return r.OrderNumber, nil
	case "table_type":
		return r.TableType, nil
	case "table_num":
		return r.TableNum, nil
	case "guests":
		return r.Guests, nil
	case "start_time":
		return r.StartTime, nil
	case "end_time":
		return r.EndTime, nil
	case "duration":
		return r.Duration, nil
	case "customer_name":
		return r.CustomerName, nil
	case "catch_casts":
		return r.CatchCasts, nil
	case "referral_casts":
		return r.ReferralCasts, nil
	case "extensions":
		return rawOrNil(r.Extensions), nil
	case "menus":
		return rawOrNil(r.Menus), nil
	case "cast_drinks":
		return rawOrNil(r.CastDrinks), nil
	case "bottles":
		return rawOrNil(r.Bottles), nil
	case "foods":
		return rawOrNil(r.Foods), nil
	case "drink_type":
		return r.DrinkType, nil
	case "drink_price":
		return r.DrinkPrice, nil
	case "karaoke_count":
		return r.KaraokeCount, nil
	case "note":
		return r.Note, nil
	case "total_amount":
		return r.TotalAmount, nil
	case "status":
		return r.Status, nil
	case "payment_method":
		return r.PaymentMethod, nil
	case "payment_details":
		return rawOrNil(r.PaymentDetails), nil
	case "business_date":
		return r.BusinessDate, nil
	case "created_at":
		return r.CreatedAt, nil
	case "updated_at":
		return r.UpdatedAt, nil
	}
	return nil, fmt.Errorf("unknown order column %q", column)
}

// decodeColumn decodes one JSON column. On failure the column is recorded
// in problems and the zero value is returned, so a half-decoded array never
// leaks into the order.
func decodeColumn[T any](raw json.RawMessage, column string, problems *[]error) T {
	var v T
	if isNull(raw) {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		*problems = append(*problems, fmt.Errorf("%s: %w", column, err))
		var zero T
		return zero
	}
	return v
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func rawOrNil(raw json.RawMessage) any {
	if isNull(raw) {
		return nil
	}
	return []byte(raw)
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
