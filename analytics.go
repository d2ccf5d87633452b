package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const unknownCity = "Unknown"

type VisitRequest struct {
	Page      string `json:"page"`
	VisitorID string `json:"visitorId"`
}

// leadModel returns the table whose rows count as conversions for page.
func leadModel(page string) (any, bool) {
	switch page {
	case pageToulouse:
		return &LeadToulouse{}, true
	case pageMarrakech:
		return &LeadMarrakech{}, true
	case pageRamadan:
		return &TournamentRegistration{}, true
	}
	return nil, false
}

func (s *Server) POSTVisitHandler(w http.ResponseWriter, r *http.Request) {
	var req VisitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Bad request")
		return
	}
	if !validPage(req.Page) {
		writeMessage(w, http.StatusBadRequest, "Invalid page")
		return
	}

	// RemoteAddr already carries the forwarded client address (middleware.RealIP).
	loc := resolveLocation(r.Context(), s.locator, r.RemoteAddr, s.logFor(r))

	visit := &PageVisit{
		Page:      req.Page,
		VisitorID: nullString(req.VisitorID),
		City:      nullStringPtr(loc.City),
		Country:   nullStringPtr(loc.Country),
	}
	if err := s.db.WithContext(r.Context()).Create(visit).Error; err != nil {
		s.logFor(r).Error().Err(err).Str("page", req.Page).Msg("error tracking visit")
		writeMessage(w, http.StatusInternalServerError, "Failed to track visit")
		return
	}
	s.invalidateStats(r, req.Page)

	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) GETPageStats(w http.ResponseWriter, r *http.Request) {
	page := chi.URLParam(r, "page")
	if !validPage(page) {
		writeMessage(w, http.StatusBadRequest, "Invalid page")
		return
	}

	// gen is read before computing so a stats write racing with an insert
	// lands in a generation nobody reads anymore.
	var gen int64
	cacheable := false
	if s.cache != nil {
		stats, g, ok, err := s.cache.Get(r.Context(), page)
		if err != nil {
			s.logFor(r).Warn().Err(err).Str("page", page).Msg("stats cache read failed")
		} else if ok {
			writeJSON(w, http.StatusOK, stats)
			return
		} else {
			gen, cacheable = g, true
		}
	}

	stats, err := computePageStats(r.Context(), s.db, page)
	if err != nil {
		s.logFor(r).Error().Err(err).Str("page", page).Msg("error fetching stats")
		writeMessage(w, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}

	if cacheable {
		if err := s.cache.Set(r.Context(), page, gen, stats); err != nil {
			s.logFor(r).Warn().Err(err).Str("page", page).Msg("stats cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) invalidateStats(r *http.Request, page string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(r.Context(), page); err != nil {
		s.logFor(r).Warn().Err(err).Str("page", page).Msg("stats cache invalidation failed")
	}
}

// computePageStats aggregates the visits of page together with the size of
// its lead table. Leads are not attributed to individual visits.
func computePageStats(ctx context.Context, db *gorm.DB, page string) (*PageStats, error) {
	leads, ok := leadModel(page)
	if !ok {
		return nil, fmt.Errorf("unknown page %q", page)
	}

	stats := &PageStats{CityCounts: make(map[string]int64)}
	var cityRows []struct {
		City  *string
		Count int64
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return db.WithContext(gctx).Model(&PageVisit{}).
			Where("page = ?", page).
			Count(&stats.TotalVisits).Error
	})
	g.Go(func() error {
		return db.WithContext(gctx).Model(&PageVisit{}).
			Where("page = ? AND visitor_id IS NOT NULL AND visitor_id <> ''", page).
			Distinct("visitor_id").
			Count(&stats.UniqueVisitors).Error
	})
	g.Go(func() error {
		return db.WithContext(gctx).Model(leads).Count(&stats.LeadsCount).Error
	})
	g.Go(func() error {
		return db.WithContext(gctx).Model(&PageVisit{}).
			Select("city, COUNT(*) AS count").
			Where("page = ?", page).
			Group("city").
			Scan(&cityRows).Error
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to aggregate %s stats: %w", page, err)
	}

	for _, row := range cityRows {
		name := unknownCity
		if row.City != nil && *row.City != "" {
			name = *row.City
		}
		stats.CityCounts[name] += row.Count
	}
	stats.ConversionRate = conversionRate(stats.LeadsCount, stats.TotalVisits)
	return stats, nil
}

// conversionRate is leads/visits as a percentage rounded to two decimals,
// zero when there were no visits.
func conversionRate(leads, visits int64) float64 {
	if visits == 0 {
		return 0
	}
	return round2(float64(leads) / float64(visits) * 100)
}

// statsCache stores computed stats per page and generation. Invalidate starts
// a new generation, so a Set carrying the generation returned by an earlier
// Get never overwrites a later invalidation.
type statsCache interface {
	Get(ctx context.Context, page string) (stats *PageStats, gen int64, ok bool, err error)
	Set(ctx context.Context, page string, gen int64, stats *PageStats) error
	Invalidate(ctx context.Context, page string) error
}

type redisStatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStatsCache(addr, password string, ttl time.Duration) *redisStatsCache {
	return &redisStatsCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
		ttl: ttl,
	}
}

func statsGenKey(page string) string {
	return "stats:" + page + ":gen"
}

func statsKey(page string, gen int64) string {
	return fmt.Sprintf("stats:%s:%d", page, gen)
}

func (c *redisStatsCache) generation(ctx context.Context, page string) (int64, error) {
	gen, err := c.client.Get(ctx, statsGenKey(page)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *redisStatsCache) Get(ctx context.Context, page string) (*PageStats, int64, bool, error) {
	gen, err := c.generation(ctx, page)
	if err != nil {
		return nil, 0, false, err
	}
	data, err := c.client.Get(ctx, statsKey(page, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	var stats PageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, 0, false, err
	}
	return &stats, gen, true, nil
}

func (c *redisStatsCache) Set(ctx context.Context, page string, gen int64, stats *PageStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statsKey(page, gen), data, c.ttl).Err()
}

// Invalidate bumps the page generation. Entries of older generations expire
// with their TTL.
func (c *redisStatsCache) Invalidate(ctx context.Context, page string) error {
	return c.client.Incr(ctx, statsGenKey(page)).Err()
}

func (c *redisStatsCache) Close() error {
	return c.client.Close()
}
