package beacon

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/Tap30/beacon-go/adapters"
)

// Rank is one entry of a popularity ranking.
type Rank struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// DailyCount is the number of visits on one UTC day.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Summary bundles the most common reports.
type Summary struct {
	LiveUsers int          `json:"live_users"`
	Popular   []Rank       `json:"popular"`
	Daily     []DailyCount `json:"daily"`
}

const (
	dateLayout = "2006-01-02"

	summaryPopularLimit = 10
	summaryDays         = 7
)

// Reports reads raw rows back from the sink and folds them into aggregates.
// Every query returns an empty result on failure; errors are only logged.
type Reports struct {
	sink            Sink
	collections     Collections
	activeThreshold time.Duration
	clock           quartz.Clock
	log             slog.Logger
}

// NewReports creates a Reports reading from sink.
func NewReports(sink Sink, collections Collections, activeThreshold time.Duration, clock quartz.Clock, log slog.Logger) *Reports {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if activeThreshold <= 0 {
		activeThreshold = DefaultActiveThreshold
	}
	return &Reports{
		sink:            sink,
		collections:     collections.withDefaults(),
		activeThreshold: activeThreshold,
		clock:           clock,
		log:             log,
	}
}

// LiveUsersCount counts devices marked active that pinged within the active
// threshold.
func (r *Reports) LiveUsersCount(ctx context.Context) int {
	since := r.clock.Now().Add(-r.activeThreshold)
	res, err := r.sink.Select(ctx, Query{
		Collection: r.collections.Presence,
		Filters: []Filter{
			adapters.Eq("is_active", true),
			adapters.Gte("last_ping", adapters.FormatTime(since)),
		},
		CountOnly: true,
	})
	if err != nil {
		r.log.Warn(ctx, "failed to count live users", slog.Error(err))
		return 0
	}
	return res.Count
}

// Popularity ranks interaction targets by count, highest first. A limit of
// zero or less returns every target.
func (r *Reports) Popularity(ctx context.Context, limit int) []Rank {
	return r.rank(ctx, r.collections.Interactions, "target", limit)
}

// PageViews ranks visited pages by count, highest first.
func (r *Reports) PageViews(ctx context.Context, limit int) []Rank {
	return r.rank(ctx, r.collections.Visits, "page", limit)
}

func (r *Reports) rank(ctx context.Context, collection, field string, limit int) []Rank {
	res, err := r.sink.Select(ctx, Query{Collection: collection})
	if err != nil {
		r.log.Warn(ctx, "failed to load rows for ranking",
			slog.F("collection", collection),
			slog.Error(err),
		)
		return []Rank{}
	}
	return foldRanks(res.Rows, field, limit)
}

// foldRanks counts rows per value of field. Ties are ordered by key.
func foldRanks(rows []Record, field string, limit int) []Rank {
	counts := make(map[string]int)
	for _, row := range rows {
		v, ok := row[field]
		if !ok || v == nil {
			continue
		}
		key, ok := v.(string)
		if !ok {
			key = fmt.Sprint(v)
		}
		counts[key]++
	}

	ranks := make([]Rank, 0, len(counts))
	for k, c := range counts {
		ranks = append(ranks, Rank{Key: k, Count: c})
	}
	slices.SortFunc(ranks, func(a, b Rank) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if limit > 0 && len(ranks) > limit {
		ranks = ranks[:limit]
	}
	return ranks
}

// HourlyCounts buckets the visits of day's UTC date by hour.
func (r *Reports) HourlyCounts(ctx context.Context, day time.Time) [24]int {
	var hours [24]int
	start := startOfDay(day)
	rows, ok := r.visitsBetween(ctx, start, start.AddDate(0, 0, 1))
	if !ok {
		return hours
	}
	for _, row := range rows {
		if at, ok := row.Time("visited_at"); ok {
			hours[at.Hour()]++
		}
	}
	return hours
}

// DailyCounts returns one entry per UTC day for the last days days,
// including today, oldest first. Days without visits have a zero count.
func (r *Reports) DailyCounts(ctx context.Context, days int) []DailyCount {
	if days <= 0 {
		return []DailyCount{}
	}
	today := startOfDay(r.clock.Now())
	start := today.AddDate(0, 0, -(days - 1))

	out := make([]DailyCount, days)
	index := make(map[string]int, days)
	for i := range out {
		date := start.AddDate(0, 0, i).Format(dateLayout)
		out[i] = DailyCount{Date: date}
		index[date] = i
	}

	rows, ok := r.visitsBetween(ctx, start, today.AddDate(0, 0, 1))
	if !ok {
		return out
	}
	for _, row := range rows {
		at, ok := row.Time("visited_at")
		if !ok {
			continue
		}
		if i, ok := index[at.Format(dateLayout)]; ok {
			out[i].Count++
		}
	}
	return out
}

// Summary runs the live count, the popularity ranking and the last week of
// daily counts concurrently.
func (r *Reports) Summary(ctx context.Context) Summary {
	var s Summary
	var eg errgroup.Group
	eg.Go(func() error {
		s.LiveUsers = r.LiveUsersCount(ctx)
		return nil
	})
	eg.Go(func() error {
		s.Popular = r.Popularity(ctx, summaryPopularLimit)
		return nil
	})
	eg.Go(func() error {
		s.Daily = r.DailyCounts(ctx, summaryDays)
		return nil
	})
	_ = eg.Wait()
	return s
}

func (r *Reports) visitsBetween(ctx context.Context, from, to time.Time) ([]Record, bool) {
	res, err := r.sink.Select(ctx, Query{
		Collection: r.collections.Visits,
		Filters: []Filter{
			adapters.Gte("visited_at", adapters.FormatTime(from)),
			adapters.Lt("visited_at", adapters.FormatTime(to)),
		},
	})
	if err != nil {
		r.log.Warn(ctx, "failed to load visits",
			slog.F("from", from),
			slog.F("to", to),
			slog.Error(err),
		)
		return nil, false
	}
	return res.Rows, true
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
