package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// Static serves a fixed price per query. Used by the simulate command and
// by tests.
type Static struct {
	mux    sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic builds a static fetcher from a query to price map.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	cloned := make(map[string]decimal.Decimal, len(prices))
	for query, price := range prices {
		cloned[query] = price
	}
	return &Static{prices: cloned}
}

// SetPrice updates the served price for a query.
func (s *Static) SetPrice(searchQuery string, price decimal.Decimal) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.prices[searchQuery] = price
}

// FetchPrice returns the configured price for the query.
func (s *Static) FetchPrice(_ context.Context, searchQuery string) (Quote, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	price, ok := s.prices[searchQuery]
	if !ok {
		return Quote{}, &FetchError{Source: "static", Transient: false, Err: errQueryNotConfigured}
	}
	return Quote{
		Price:    price,
		Source:   "static",
		Metadata: json.RawMessage(`{"simulated":true}`),
	}, nil
}

var errQueryNotConfigured = errors.New("no price configured for query")

var _ PriceFetcher = (*Static)(nil)
