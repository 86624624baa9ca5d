package polymarket

import (
	"math"
	"strconv"

	"github.com/alejandrodnm/polyedge/internal/domain"
)

// wireOrder is the venue's JSON order shape.
type wireOrder struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Market        string `json:"market"`
	Outcome       string `json:"outcome"`
	Price         string `json:"price"`
	OriginalSize  string `json:"original_size"`
	SizeMatched   string `json:"size_matched"`
	Status        string `json:"status"`
}

func (w wireOrder) toDomain() domain.VenueOrder {
	price, _ := strconv.ParseFloat(w.Price, 64)
	side := domain.SideYes
	if w.Outcome == "No" {
		side = domain.SideNo
	}
	return domain.VenueOrder{
		ClientOrderID:   w.ClientOrderID,
		ExchangeOrderID: w.ID,
		MarketID:        w.Market,
		Side:            side,
		Price:           price,
		SizeCents:       parseCents(w.OriginalSize),
		FilledCents:     parseCents(w.SizeMatched),
		Open:            w.Status == "live",
	}
}

// parseCents converts a decimal USD string to integer cents.
func parseCents(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(v * 100))
}

// wireBookLevel is one [price, size] pair on the WS feed.
type wireBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func toLevels(levels []wireBookLevel, max int) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, max)
	for _, l := range levels {
		if len(out) == max {
			break
		}
		p, _ := strconv.ParseFloat(l.Price, 64)
		s, _ := strconv.ParseFloat(l.Size, 64)
		out = append(out, domain.BookLevel{Price: p, SizeUSD: p * s})
	}
	return out
}
