// Package daily aggregates one business day's completed orders into sales
// totals and per-cast performance.
package daily

import (
	"sort"

	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/order"
	"github.com/roach88/tabsync/internal/pricing"
)

// CastSales is one cast member's performance for the day.
type CastSales struct {
	Name      string `json:"name"`
	Drinks    int    `json:"drinks"`
	Bottles   int    `json:"bottles"`
	Catches   int    `json:"catches"`
	Referrals int    `json:"referrals"`
	// ReferralAmount is this cast's share of the totals of the orders they
	// caught or referred.
	ReferralAmount int64 `json:"referral_amount"`
}

// Sales is the day's summary.
type Sales struct {
	BusinessDate    bizday.Day  `json:"business_date"`
	TotalSales      int64       `json:"total_sales"`
	CashSales       int64       `json:"cash_sales"`
	CardSales       int64       `json:"card_sales"`
	ElectronicSales int64       `json:"electronic_sales"`
	TotalGuests     int         `json:"total_guests"`
	TotalGroups     int         `json:"total_groups"`
	CastSales       []CastSales `json:"cast_sales"`
}

// Summarize aggregates the completed orders of day. Orders of other business
// days and orders that are not completed are ignored. An empty day accepts
// every completed order.
func Summarize(day bizday.Day, orders []order.Order) Sales {
	s := Sales{BusinessDate: day, CastSales: []CastSales{}}
	casts := map[string]*CastSales{}
	cast := func(name string) *CastSales {
		name = order.NormalizeName(name)
		if name == "" {
			return nil
		}
		c, ok := casts[name]
		if !ok {
			c = &CastSales{Name: name}
			casts[name] = c
		}
		return c
	}

	for _, o := range orders {
		if o.Status != order.StatusCompleted {
			continue
		}
		if day != "" && o.BusinessDate != "" && o.BusinessDate != day {
			continue
		}

		s.TotalGroups++
		s.TotalGuests += o.Guests
		addPayment(&s, o)

		for _, d := range o.CastDrinks {
			if c := cast(d.Cast); c != nil {
				c.Drinks += d.Count
			}
		}
		for _, b := range o.Bottles {
			for _, name := range b.MainCasts {
				if c := cast(name); c != nil {
					c.Bottles++
				}
			}
		}

		var sharers []*CastSales
		for _, name := range o.CatchCasts {
			if c := cast(name); c != nil {
				c.Catches++
				sharers = append(sharers, c)
			}
		}
		for _, name := range o.ReferralCasts {
			if c := cast(name); c != nil {
				c.Referrals++
				sharers = append(sharers, c)
			}
		}
		splitReferral(o.TotalAmount, sharers)
	}

	s.TotalSales = s.CashSales + s.CardSales + s.ElectronicSales
	for _, c := range casts {
		s.CastSales = append(s.CastSales, *c)
	}
	sort.Slice(s.CastSales, func(i, j int) bool { return s.CastSales[i].Name < s.CastSales[j].Name })
	return s
}

func addPayment(s *Sales, o order.Order) {
	var d order.PaymentDetails
	if o.PaymentDetails != nil {
		d = *o.PaymentDetails
	}
	final := pricing.WithService(o)

	switch o.PaymentMethod {
	case order.PaymentCash:
		s.CashSales += pricing.RoundCash(final)
	case order.PaymentCard:
		s.CardSales += final + d.CardFee
	case order.PaymentElectronic:
		s.ElectronicSales += final
	case order.PaymentPartialCash:
		s.CashSales += d.CashAmount
		if d.CardAmount > 0 {
			s.CardSales += d.CardAmount + d.CardFee
		}
		s.ElectronicSales += d.ElectronicAmount
	}
}

// splitReferral divides amount evenly; the remainder goes to the first
// sharers so the shares add up to amount.
func splitReferral(amount int64, sharers []*CastSales) {
	n := int64(len(sharers))
	if n == 0 {
		return
	}
	share, rem := amount/n, amount%n
	for i, c := range sharers {
		c.ReferralAmount += share
		if int64(i) < rem {
			c.ReferralAmount++
		}
	}
}
