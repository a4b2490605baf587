package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	searchPath   = "/search.json"
	searchSource = "search-api"
)

// SearchOptions parameterise the search API fetcher.
type SearchOptions struct {
	BaseURL    string
	APIKey     string
	Domain     string
	SortBy     string
	MaxResults int
	Timeout    time.Duration
	UserAgent  string
}

// Search fetches prices from a product search API. One fetch issues a
// single search request and picks the most relevant priced result.
type Search struct {
	opts    SearchOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewSearch constructs a search API fetcher.
func NewSearch(opts SearchOptions, logger zerolog.Logger) *Search {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://serpapi.com"
	}

	if opts.Domain == "" {
		opts.Domain = "amazon.com"
	}
	if opts.SortBy == "" {
		opts.SortBy = "relevanceblender"
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}

	return &Search{
		opts:    opts,
		logger:  logger.With().Str("component", "search_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchPrice searches for the query and returns the best priced match.
func (s *Search) FetchPrice(ctx context.Context, searchQuery string) (Quote, error) {
	if s.opts.APIKey == "" {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: errors.New("api key required")}
	}
	if strings.TrimSpace(searchQuery) == "" {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: errors.New("search query required")}
	}

	params := url.Values{}
	params.Set("engine", "amazon")
	params.Set("k", searchQuery)
	params.Set("amazon_domain", s.opts.Domain)
	params.Set("s", s.opts.SortBy)
	params.Set("api_key", s.opts.APIKey)

	endpoint := s.baseURL + searchPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "dealradar/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, &FetchError{Source: searchSource, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, &FetchError{Source: searchSource, Transient: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, classifyHTTPError(resp.StatusCode, payloadBytes)
	}

	var searchRes searchResponse
	if err := json.Unmarshal(payloadBytes, &searchRes); err != nil {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: err}
	}
	if searchRes.Error != "" {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: fmt.Errorf("search api error: %s", searchRes.Error)}
	}

	best, ok := bestMatch(searchRes.OrganicResults, searchQuery, s.opts.MaxResults)
	if !ok {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: errors.New("no priced result for query")}
	}

	price := decimal.NewFromFloat(best.ExtractedPrice)
	if price.IsNegative() || price.IsZero() {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: errors.New("result price not positive")}
	}

	meta, err := json.Marshal(quoteMetadata{
		ASIN:       best.ASIN,
		Title:      best.Title,
		Rating:     best.Rating,
		Reviews:    best.Reviews,
		Prime:      best.Prime,
		OldPrice:   best.ExtractedOldPrice,
		SearchID:   searchRes.SearchMetadata.ID,
		ResultRank: best.Position,
	})
	if err != nil {
		return Quote{}, &FetchError{Source: searchSource, Transient: false, Err: err}
	}

	s.logger.Debug().
		Str("query", searchQuery).
		Str("asin", best.ASIN).
		Str("price", price.String()).
		Msg("resolved best match")

	return Quote{Price: price, Source: searchSource, Metadata: meta}, nil
}

// bestMatch filters the organic results down to priced products and scores
// them by title overlap, rating, and review volume, the same weighting the
// search UI approximates.
func bestMatch(results []organicResult, query string, maxResults int) (organicResult, bool) {
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}

	queryWords := strings.Fields(strings.ToLower(query))

	var (
		best      organicResult
		bestScore = -1.0
	)
	for _, result := range results {
		if result.ExtractedPrice <= 0 {
			continue
		}
		score := relevanceScore(result, queryWords)
		if score > bestScore {
			best = result
			bestScore = score
		}
	}
	return best, bestScore >= 0
}

func relevanceScore(result organicResult, queryWords []string) float64 {
	score := 0.0

	if len(queryWords) > 0 {
		title := strings.ToLower(result.Title)
		matches := 0
		for _, word := range queryWords {
			if strings.Contains(title, word) {
				matches++
			}
		}
		score += float64(matches) / float64(len(queryWords)) * 0.4
	}

	score += result.Rating / 5.0 * 0.2

	if result.Reviews > 0 {
		score += math.Min(math.Log10(float64(result.Reviews))/3.0, 1.0) * 0.15
	}

	if result.Prime {
		score += 0.1
	}

	if result.ExtractedOldPrice > result.ExtractedPrice && result.ExtractedPrice > 0 {
		discount := (result.ExtractedOldPrice - result.ExtractedPrice) / result.ExtractedOldPrice * 100
		score += math.Min(discount/50.0, 1.0) * 0.15
	}

	return score
}

func classifyHTTPError(status int, payload []byte) *FetchError {
	transient := status == http.StatusTooManyRequests || status >= 500

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error != "" {
		return &FetchError{
			Source:    searchSource,
			Transient: transient,
			Err:       fmt.Errorf("search api error (%d): %s", status, apiErr.Error),
		}
	}
	if len(payload) > 0 {
		return &FetchError{
			Source:    searchSource,
			Transient: transient,
			Err:       fmt.Errorf("search api error (%d): %s", status, strings.TrimSpace(string(payload))),
		}
	}
	return &FetchError{
		Source:    searchSource,
		Transient: transient,
		Err:       fmt.Errorf("search api error (%d)", status),
	}
}

type searchResponse struct {
	SearchMetadata struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"search_metadata"`
	OrganicResults []organicResult `json:"organic_results"`
	Error          string          `json:"error"`
}

type organicResult struct {
	Position          int     `json:"position"`
	ASIN              string  `json:"asin"`
	Title             string  `json:"title"`
	ExtractedPrice    float64 `json:"extracted_price"`
	ExtractedOldPrice float64 `json:"extracted_old_price"`
	Rating            float64 `json:"rating"`
	Reviews           int     `json:"reviews"`
	Prime             bool    `json:"prime"`
}

type quoteMetadata struct {
	ASIN       string  `json:"asin,omitempty"`
	Title      string  `json:"title,omitempty"`
	Rating     float64 `json:"rating,omitempty"`
	Reviews    int     `json:"reviews,omitempty"`
	Prime      bool    `json:"prime,omitempty"`
	OldPrice   float64 `json:"old_price,omitempty"`
	SearchID   string  `json:"search_id,omitempty"`
	ResultRank int     `json:"result_rank,omitempty"`
}

var _ PriceFetcher = (*Search)(nil)
