package services

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/cache"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/internal/upstream"
	"github.com/smarttransit/trip-booking-core/pkg/pricing"
	"golang.org/x/sync/singleflight"
)

// SearchConfig holds search settings
type SearchConfig struct {
	DefaultCurrency string
	CacheTTL        time.Duration
	PollCeiling     time.Duration
}

// DefaultSearchConfig returns default search configuration
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		DefaultCurrency: "USD",
		CacheTTL:        5 * time.Minute,
		PollCeiling:     60 * time.Second,
	}
}

// SearchService runs provider searches to completion and prices the results
type SearchService struct {
	caller  *upstream.Caller
	poller  *upstream.Poller
	cache   *cache.Guarded
	pricing *pricing.Engine
	config  SearchConfig
	group   singleflight.Group
	logger  *logrus.Logger
}

// NewSearchService creates a new search service
func NewSearchService(
	caller *upstream.Caller,
	poller *upstream.Poller,
	guarded *cache.Guarded,
	engine *pricing.Engine,
	config SearchConfig,
	logger *logrus.Logger,
) *SearchService {
	return &SearchService{
		caller:  caller,
		poller:  poller,
		cache:   guarded,
		pricing: engine,
		config:  config,
		logger:  logger,
	}
}

// Search returns priced departures for the request. Identical concurrent
// searches share one provider run.
func (s *SearchService) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		req.Currency = s.config.DefaultCurrency
	}
	currency, err := models.ValidateCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	req.Currency = currency

	key := cache.Key("search", req.Origin, req.Destination, req.Date, req.Currency, req.Locale,
		strconv.Itoa(req.Adults), strconv.Itoa(req.Children), strconv.Itoa(req.Seniors))

	// Step 1: Cached result
	var cached models.SearchResult
	if s.cache.GetJSON(ctx, "search", key, &cached) {
		cached.Cached = true
		return &cached, nil
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.runSearch(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.WithField("cache_key", key).Debug("Joined in-flight search")
	}
	result := *v.(*models.SearchResult)
	return &result, nil
}

func (s *SearchService) runSearch(ctx context.Context, req *models.SearchRequest, key string) (*models.SearchResult, error) {
	startTime := time.Now()

	s.logger.WithFields(logrus.Fields{
		"origin":      req.Origin,
		"destination": req.Destination,
		"date":        req.Date,
		"currency":    req.Currency,
	}).Info("Processing search request")

	query := url.Values{}
	query.Set("currency", req.Currency)
	query.Set("locale", req.Locale)

	// Step 2: Create the provider search and poll it to completion
	payload, err := s.poller.Poll(ctx, upstream.PollRequest{
		Surface: "search",
		Request: upstream.Request{
			Method: http.MethodPost,
			Path:   "searches",
			Query:  query,
			Body: map[string]any{
				"origin":      req.Origin,
				"destination": req.Destination,
				"date":        req.Date,
				"adult":       req.Adults,
				"child":       req.Children,
				"senior":      req.Seniors,
			},
			// a retried create can open a duplicate provider search
			NoRetry: true,
		},
		Ceiling: s.config.PollCeiling,
	})
	if err != nil {
		s.logger.WithError(err).WithField("origin", req.Origin).Error("Search did not complete")
		return nil, err
	}

	// Step 3: Price every departure
	result := &models.SearchResult{
		Origin:      req.Origin,
		Destination: req.Destination,
		Date:        req.Date,
		Currency:    req.Currency,
		Departures:  []models.Departure{},
		Complete:    upstream.SearchComplete(payload.Body),
	}
	for _, d := range upstream.DecodeDepartures(payload.Body) {
		cur := d.Currency
		if cur == "" {
			cur = req.Currency
		}
		fig := s.pricing.Adjust(d.Price, cur)
		result.Departures = append(result.Departures, models.Departure{
			TripID:          d.TripID,
			Operator:        d.Operator,
			DepartureTime:   d.DepartureTime,
			ArrivalTime:     d.ArrivalTime,
			Currency:        fig.Currency,
			OriginalPrice:   fig.Original,
			Price:           fig.Adjusted,
			DiscountAmount:  fig.Discount,
			DiscountPercent: fig.DiscountPercent,
			AvailableSeats:  d.AvailableSeats,
		})
	}

	// Step 4: Cache the completed result
	s.cache.SetJSON(ctx, key, result, s.config.CacheTTL)

	s.logger.WithFields(logrus.Fields{
		"departures":    len(result.Departures),
		"poll_requests": payload.Requests,
		"duration_ms":   time.Since(startTime).Milliseconds(),
	}).Info("Search completed")

	return result, nil
}
