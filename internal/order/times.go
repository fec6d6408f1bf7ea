package order

import (
	"fmt"
	"time"

	"github.com/roach88/tabsync/internal/clocktime"
)

const (
	// SetMinutes is the length of the base set bought on seating.
	SetMinutes = 60
	// ExtensionMinutes is the length each extension adds.
	ExtensionMinutes = 60
	// DefaultExtensionUnitPrice applies when the order has no drink price.
	DefaultExtensionUnitPrice = 1000
)

// DeriveEndTime returns the start time plus the base set plus one
// ExtensionMinutes per extension.
func DeriveEndTime(o Order, now time.Time) (string, error) {
	minutes := SetMinutes + ExtensionMinutes*len(o.Extensions)
	end, err := clocktime.Shift(o.StartTime, minutes, now)
	if err != nil {
		return "", fmt.Errorf("derive end time of order %s: %w", o.ID, err)
	}
	return end, nil
}

// AddExtension appends one extension for guests and moves the end time.
// The extension's id comes from now so it is unique within the order.
func AddExtension(o Order, guests int, now time.Time) (Order, error) {
	out := o.Clone()
	unit := o.DrinkPrice
	if unit == 0 {
		unit = DefaultExtensionUnitPrice
	}
	price := int64(guests) * unit
	total := int64(o.Guests)*unit + price
	if n := len(o.Extensions); n > 0 {
		total = o.Extensions[n-1].TotalPrice + price
	}

	out.Extensions = append(out.Extensions, Extension{
		ID:         now.UnixMilli(),
		Count:      len(o.Extensions) + 1,
		Guests:     guests,
		UnitPrice:  unit,
		Price:      price,
		TotalPrice: total,
	})
	end, err := DeriveEndTime(out, now)
	if err != nil {
		return Order{}, err
	}
	out.Extensions[len(out.Extensions)-1].EndTime = end
	out.EndTime = end
	return out, nil
}

// ShiftTimes moves the start time, the end time and every extension's end
// time by the same number of minutes. It is used when a start time is
// corrected after the fact.
func ShiftTimes(o Order, deltaMinutes int, now time.Time) (Order, error) {
	out := o.Clone()
	shift := func(s string) (string, error) {
		if s == "" {
			return "", nil
		}
		return clocktime.Shift(s, deltaMinutes, now)
	}

	var err error
	if out.StartTime, err = shift(o.StartTime); err != nil {
		return Order{}, fmt.Errorf("shift start of order %s: %w", o.ID, err)
	}
	if out.EndTime, err = shift(o.EndTime); err != nil {
		return Order{}, fmt.Errorf("shift end of order %s: %w", o.ID, err)
	}
	for i := range out.Extensions {
		if out.Extensions[i].EndTime, err = shift(o.Extensions[i].EndTime); err != nil {
			return Order{}, fmt.Errorf("shift extension %d of order %s: %w", i+1, o.ID, err)
		}
	}
	return out, nil
}
