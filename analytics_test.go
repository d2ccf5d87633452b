package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postVisit(t *testing.T, s *Server, page, visitorID, forwardedFor string) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, http.MethodPost, "/api/analytics/visit", VisitRequest{Page: page, VisitorID: visitorID})
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	return serve(s, req)
}

func getStats(t *testing.T, s *Server, page string) PageStats {
	t.Helper()
	rec := doRequest(t, s, http.MethodGet, "/api/stats/"+page, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[PageStats](t, rec)
}

func strPtr(s string) *string { return &s }

func TestGETPageStats_NoVisits(t *testing.T) {
	s := newTestServer(t, &fakeLocator{}, nil)

	stats := getStats(t, s, pageRamadan)
	assert.Equal(t, int64(0), stats.TotalVisits)
	assert.Equal(t, int64(0), stats.UniqueVisitors)
	assert.Equal(t, int64(0), stats.LeadsCount)
	assert.Equal(t, 0.0, stats.ConversionRate)
	assert.Empty(t, stats.CityCounts)
}

func TestGETPageStats(t *testing.T) {
	s := newTestServer(t, &fakeLocator{}, nil)
	db := s.db

	visits := []PageVisit{
		{Page: pageMarrakech, VisitorID: strPtr("v1"), City: strPtr("Marrakech"), Country: strPtr("Morocco")},
		{Page: pageMarrakech, VisitorID: strPtr("v1"), City: strPtr("Marrakech"), Country: strPtr("Morocco")},
		{Page: pageMarrakech, VisitorID: strPtr("v2"), City: strPtr("Casablanca"), Country: strPtr("Morocco")},
		{Page: pageMarrakech, VisitorID: nil},
		// Other pages never leak into the Marrakech figures.
		{Page: pageToulouse, VisitorID: strPtr("v3"), City: strPtr("Toulouse")},
	}
	require.NoError(t, db.Create(&visits).Error)
	require.NoError(t, db.Create(&LeadMarrakech{Name: "Youssef", Phone: "+212600000000"}).Error)

	stats := getStats(t, s, pageMarrakech)
	assert.Equal(t, int64(4), stats.TotalVisits)
	assert.Equal(t, int64(2), stats.UniqueVisitors)
	assert.Equal(t, int64(1), stats.LeadsCount)
	assert.Equal(t, 25.0, stats.ConversionRate)
	assert.Equal(t, map[string]int64{
		"Marrakech":  2,
		"Casablanca": 1,
		unknownCity:  1,
	}, stats.CityCounts)

	toulouse := getStats(t, s, pageToulouse)
	assert.Equal(t, int64(1), toulouse.TotalVisits)
	assert.Equal(t, int64(0), toulouse.LeadsCount)
	assert.Equal(t, 0.0, toulouse.ConversionRate)
}

func TestGETPageStats_RamadanCountsRegistrations(t *testing.T) {
	s := newTestServer(t, &fakeLocator{}, nil)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, postVisit(t, s, pageRamadan, "visitor", "").Code)
	}
	rec := doRequest(t, s, http.MethodPost, "/api/tournament/register", map[string]any{
		"name": "Les Lions", "phone": "0611111111", "teamSize": "5",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	stats := getStats(t, s, pageRamadan)
	assert.Equal(t, int64(3), stats.TotalVisits)
	assert.Equal(t, int64(1), stats.UniqueVisitors)
	assert.Equal(t, int64(1), stats.LeadsCount)
	assert.Equal(t, 33.33, stats.ConversionRate)
}

func TestInvalidPage(t *testing.T) {
	s := newTestServer(t, &fakeLocator{}, nil)

	rec := postVisit(t, s, "paris", "v1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/stats/paris", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var count int64
	require.NoError(t, s.db.Model(&PageVisit{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPOSTVisit_PrivateAddressSkipsLookup(t *testing.T) {
	locator := &fakeLocator{loc: Location{City: strPtr("Paris"), Country: strPtr("France")}}
	s := newTestServer(t, locator, nil)

	for _, ip := range []string{"10.0.0.7", "127.0.0.1", "192.168.1.20", "::1"} {
		rec := postVisit(t, s, pageToulouse, "v1", ip)
		require.Equal(t, http.StatusCreated, rec.Code, ip)
	}
	assert.Equal(t, int32(0), locator.calls.Load())

	var visits []PageVisit
	require.NoError(t, s.db.Find(&visits).Error)
	require.Len(t, visits, 4)
	for _, v := range visits {
		assert.Nil(t, v.City)
		assert.Nil(t, v.Country)
		require.NotNil(t, v.VisitorID)
		assert.Equal(t, "v1", *v.VisitorID)
	}
}

func TestPOSTVisit_PublicAddress(t *testing.T) {
	locator := &fakeLocator{loc: Location{City: strPtr("Toulouse"), Country: strPtr("France")}}
	s := newTestServer(t, locator, nil)

	rec := postVisit(t, s, pageToulouse, "", "8.8.8.8")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Equal(t, int32(1), locator.calls.Load())

	var visit PageVisit
	require.NoError(t, s.db.First(&visit).Error)
	assert.Nil(t, visit.VisitorID)
	require.NotNil(t, visit.City)
	assert.Equal(t, "Toulouse", *visit.City)
	require.NotNil(t, visit.Country)
	assert.Equal(t, "France", *visit.Country)

	assert.Equal(t, map[string]int64{"Toulouse": 1}, getStats(t, s, pageToulouse).CityCounts)
}

func TestPOSTVisit_LookupFailure(t *testing.T) {
	locator := &fakeLocator{err: errors.New("timeout")}
	s := newTestServer(t, locator, nil)

	rec := postVisit(t, s, pageMarrakech, "v1", "8.8.4.4")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), locator.calls.Load())

	var visit PageVisit
	require.NoError(t, s.db.First(&visit).Error)
	assert.Nil(t, visit.City)
	assert.Nil(t, visit.Country)
}

func TestPOSTVisit_NoLocator(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := postVisit(t, s, pageMarrakech, "v1", "8.8.4.4")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestStatsCache(t *testing.T) {
	cache := newFakeStatsCache()
	s := newTestServer(t, &fakeLocator{}, cache)

	require.Equal(t, http.StatusCreated, postVisit(t, s, pageToulouse, "v1", "").Code)
	assert.Equal(t, []string{pageToulouse}, cache.invalidated)

	stats := getStats(t, s, pageToulouse)
	assert.Equal(t, int64(1), stats.TotalVisits)
	cached, gen, ok, err := cache.Get(context.Background(), pageToulouse)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.TotalVisits)

	// A cached entry is served as is.
	require.NoError(t, cache.Set(context.Background(), pageToulouse, gen, &PageStats{TotalVisits: 99, CityCounts: map[string]int64{}}))
	assert.Equal(t, int64(99), getStats(t, s, pageToulouse).TotalVisits)

	// A new lead drops the entry.
	rec := doRequest(t, s, http.MethodPost, "/api/leads/toulouse", map[string]any{
		"name": "Karim", "phone": "0612345678",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{pageToulouse, pageToulouse}, cache.invalidated)

	stats = getStats(t, s, pageToulouse)
	assert.Equal(t, int64(1), stats.TotalVisits)
	assert.Equal(t, int64(1), stats.LeadsCount)
	assert.Equal(t, 100.0, stats.ConversionRate)

	// Player bookings are not tied to a page.
	rec = doRequest(t, s, http.MethodPost, "/api/joueur-toulouse", map[string]any{
		"gameId": 1, "venue": "v", "date": "d", "time": "t", "name": "Hugo", "phone": "0622222222", "numberOfPersons": 1,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, cache.invalidated, 2)
}

func TestStatsCache_InsertDuringComputation(t *testing.T) {
	cache := newFakeStatsCache()
	s := newTestServer(t, &fakeLocator{}, cache)
	require.Equal(t, http.StatusCreated, postVisit(t, s, pageMarrakech, "v1", "").Code)

	// A visit lands after the stats were computed but before they are cached.
	inserted := false
	cache.beforeSet = func() {
		if inserted {
			return
		}
		inserted = true
		require.Equal(t, http.StatusCreated, postVisit(t, s, pageMarrakech, "v2", "").Code)
	}

	assert.Equal(t, int64(1), getStats(t, s, pageMarrakech).TotalVisits)
	require.True(t, inserted)

	// The outdated figures were not cached over the invalidation.
	stats := getStats(t, s, pageMarrakech)
	assert.Equal(t, int64(2), stats.TotalVisits)
	assert.Equal(t, int64(2), stats.UniqueVisitors)
}

func TestConversionRate(t *testing.T) {
	tests := []struct {
		leads, visits int64
		want          float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{0, 10, 0},
		{1, 4, 25},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{3, 2, 150},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, conversionRate(tt.leads, tt.visits), "%d/%d", tt.leads, tt.visits)
	}
}
