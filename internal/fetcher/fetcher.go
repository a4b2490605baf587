package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Quote is one observed price for a tracked product.
type Quote struct {
	Price    decimal.Decimal
	Source   string
	Metadata json.RawMessage
}

// PriceFetcher retrieves the current price for a search query.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, searchQuery string) (Quote, error)
}

// FetchError classifies fetch failures so the retry policy can decide
// whether another attempt makes sense.
type FetchError struct {
	Source    string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s fetch failed (%s): %v", e.Source, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error is a retryable fetch failure.
// Untyped errors are treated as transient.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return true
}
