package proxy

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, proxies []string, opts Options) *Manager {
	t.Helper()
	return NewManager(proxies, opts, slog.Default())
}

func TestSelectNoProxiesMeansDirect(t *testing.T) {
	m := newTestManager(t, nil, DefaultOptions())

	rec, err := m.Select("shop.example")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSelectSequentialRotation(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080", "http://p2:8080", "http://p3:8080"},
		Options{Strategy: StrategySequential, MaxFailures: 3})

	var seen []string
	for i := 0; i < 6; i++ {
		rec, err := m.Select("shop.example")
		require.NoError(t, err)
		require.NotNil(t, rec)
		seen = append(seen, rec.URL)
	}

	assert.Equal(t, []string{
		"http://p1:8080", "http://p2:8080", "http://p3:8080",
		"http://p1:8080", "http://p2:8080", "http://p3:8080",
	}, seen)
}

func TestSelectSkipsBannedProxy(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080", "http://p2:8080"},
		Options{Strategy: StrategySequential, MaxFailures: 2})

	rec, err := m.Select("shop.example")
	require.NoError(t, err)
	require.Equal(t, "http://p1:8080", rec.URL)

	m.ReportResult(rec, false, 0, "shop.example")
	m.ReportResult(rec, false, 0, "shop.example")
	assert.True(t, rec.Banned)

	for i := 0; i < 4; i++ {
		got, err := m.Select("shop.example")
		require.NoError(t, err)
		assert.Equal(t, "http://p2:8080", got.URL)
	}
}

func TestSelectAllBannedFailsOpen(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080", "http://p2:8080"},
		Options{Strategy: StrategySequential, MaxFailures: 1})

	for i := 0; i < 2; i++ {
		rec, err := m.Select("shop.example")
		require.NoError(t, err)
		m.ReportResult(rec, false, 0, "shop.example")
	}

	for _, s := range m.Snapshot() {
		assert.True(t, s.Banned)
	}

	// With every proxy banned the bans are cleared rather than failing forever.
	rec, err := m.Select("shop.example")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Banned)
}

func TestSelectPerformancePrefersDomainRecord(t *testing.T) {
	m := newTestManager(t, []string{"http://good:8080", "http://bad:8080"},
		Options{Strategy: StrategyPerformance, MaxFailures: 10})

	var good, bad *Record
	for _, rec := range m.records {
		switch rec.URL {
		case "http://good:8080":
			good = rec
		case "http://bad:8080":
			bad = rec
		}
	}
	require.NotNil(t, good)
	require.NotNil(t, bad)

	for i := 0; i < 5; i++ {
		m.ReportResult(good, true, 100*time.Millisecond, "shop.example")
		m.ReportResult(bad, false, 0, "shop.example")
	}

	for i := 0; i < 5; i++ {
		rec, err := m.Select("shop.example")
		require.NoError(t, err)
		assert.Equal(t, "http://good:8080", rec.URL)
	}
}

func TestPerformanceDomainStatsAreIndependent(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080", "http://p2:8080"},
		Options{Strategy: StrategyPerformance, MaxFailures: 10})

	p1, p2 := m.records[0], m.records[1]

	// p1 is proven on shop-a but burned on shop-b.
	for i := 0; i < 5; i++ {
		m.ReportResult(p1, true, 50*time.Millisecond, "shop-a.example")
		m.ReportResult(p1, false, 0, "shop-b.example")
		m.ReportResult(p2, true, 80*time.Millisecond, "shop-b.example")
	}

	recA, err := m.Select("shop-a.example")
	require.NoError(t, err)
	assert.Equal(t, "http://p1:8080", recA.URL)

	recB, err := m.Select("shop-b.example")
	require.NoError(t, err)
	assert.Equal(t, "http://p2:8080", recB.URL)
}

func TestReportResultRollingAverage(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080"}, DefaultOptions())
	rec := m.records[0]

	m.ReportResult(rec, true, 100*time.Millisecond, "shop.example")
	assert.Equal(t, 100*time.Millisecond, rec.AvgResponseTime)

	m.ReportResult(rec, true, 200*time.Millisecond, "shop.example")
	assert.Equal(t, 120*time.Millisecond, rec.AvgResponseTime)
}

func TestReportResultSuccessClearsConsecutiveFailures(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080"}, Options{Strategy: StrategySequential, MaxFailures: 3})
	rec := m.records[0]

	m.ReportResult(rec, false, 0, "shop.example")
	m.ReportResult(rec, false, 0, "shop.example")
	m.ReportResult(rec, true, 50*time.Millisecond, "shop.example")
	assert.Equal(t, 0, rec.ConsecutiveFailures)

	m.ReportResult(rec, false, 0, "shop.example")
	m.ReportResult(rec, false, 0, "shop.example")
	assert.False(t, rec.Banned)
}

func TestReportResultNilRecordIsNoop(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080"}, DefaultOptions())
	assert.NotPanics(t, func() {
		m.ReportResult(nil, true, time.Second, "shop.example")
	})
}

func TestHealthCheckMarksUnreachableProxy(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080", "http://p2:8080"},
		Options{Strategy: StrategySequential, MaxFailures: 3})

	m.probe = func(ctx context.Context, rec *Record) (time.Duration, error) {
		if rec.URL == "http://p1:8080" {
			return 0, errors.New("proxy probe failed: connection refused")
		}
		return 30 * time.Millisecond, nil
	}

	m.runHealthChecks(context.Background())

	rec, err := m.Select("shop.example")
	require.NoError(t, err)
	assert.Equal(t, "http://p2:8080", rec.URL)
	assert.Equal(t, 30*time.Millisecond, rec.AvgResponseTime)
}

func TestSnapshot(t *testing.T) {
	m := newTestManager(t, []string{"http://p1:8080"}, DefaultOptions())
	m.ReportResult(m.records[0], true, time.Second, "shop.example")

	stats := m.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "http://p1:8080", stats[0].URL)
	assert.Equal(t, 1, stats[0].SuccessCount)
	assert.True(t, stats[0].HealthCheckOK)
}
