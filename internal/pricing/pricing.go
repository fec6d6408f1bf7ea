// Package pricing computes an order's bill.
//
// Every function is pure. Amounts are integer currency units and every
// fractional step rounds down.
package pricing

import "github.com/roach88/tabsync/internal/order"

// Fixed rates.
const (
	// ServiceRatePercent is the service charge added to every subtotal.
	ServiceRatePercent = 15
	// CardFeeRatePercent is the surcharge on the card-paid share when the
	// customer accepts the fee.
	CardFeeRatePercent = 10
	// KaraokeSongPrice is charged per song.
	KaraokeSongPrice = 200
	// CashRounding is the unit cash settlements round down to.
	CashRounding = 100
)

// Drinks is the set charge: guests times the drink price plus every
// extension's price. An order without a drink price has no set charge.
func Drinks(o order.Order) int64 {
	if o.DrinkPrice == 0 {
		return 0
	}
	total := int64(o.Guests) * o.DrinkPrice
	for _, ext := range o.Extensions {
		total += ext.Price
	}
	return total
}

// CastDrinks sums the cast drink lines.
func CastDrinks(o order.Order) int64 {
	var total int64
	for _, d := range o.CastDrinks {
		total += d.Price
	}
	return total
}

// Bottles sums the bottle lines.
func Bottles(o order.Order) int64 {
	var total int64
	for _, b := range o.Bottles {
		total += b.Price
	}
	return total
}

// Foods sums price times quantity over the food lines.
func Foods(o order.Order) int64 {
	var total int64
	for _, f := range o.Foods {
		total += f.Price * int64(f.Quantity)
	}
	return total
}

// Karaoke charges per song.
func Karaoke(o order.Order) int64 {
	return int64(o.KaraokeCount) * KaraokeSongPrice
}

// Subtotal is the bill before service charge.
func Subtotal(o order.Order) int64 {
	return Drinks(o) + CastDrinks(o) + Bottles(o) + Foods(o) + Karaoke(o)
}

// ServiceCharge is 15% of total, rounded down.
func ServiceCharge(total int64) int64 {
	return total * ServiceRatePercent / 100
}

// WithService is the subtotal plus service charge.
func WithService(o order.Order) int64 {
	sub := Subtotal(o)
	return sub + ServiceCharge(sub)
}

// CardFee is the surcharge on a card-paid amount, rounded down.
func CardFee(amount int64) int64 {
	return amount * CardFeeRatePercent / 100
}

// RoundCash rounds amount down to the cash unit.
func RoundCash(amount int64) int64 {
	return amount / CashRounding * CashRounding
}

// Finalize returns the amount recorded on completion.
//
// Cash and partial cash round the service-inclusive bill down to the cash
// unit. Card and partial cash then add the card fee when the customer
// accepted it. Electronic payments settle the exact amount.
func Finalize(o order.Order, method order.PaymentMethod, details order.PaymentDetails) int64 {
	amount := WithService(o)
	switch method {
	case order.PaymentCash:
		return RoundCash(amount)
	case order.PaymentPartialCash:
		amount = RoundCash(amount)
	}
	if (method == order.PaymentCard || method == order.PaymentPartialCash) && details.HasCardFee {
		amount += details.CardFee
	}
	return amount
}
