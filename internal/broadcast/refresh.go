package broadcast

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fleetbot/internal/feed"
	"fleetbot/internal/sheets"
	"fleetbot/pkg/logx"
)

// Tracker sheet layout: the write-back touches columns F through K of the
// row matching each resource key. Column A holds the key.
const (
	trackerWriteCol = 6 // column F
	trackerTimeFmt  = "2006-01-02 15:04:05"
)

// RunSilentRefresh writes the latest positions back to the tracker
// worksheet and warms the geocode cache. It sends no messages, so its
// failures never count against the broadcast breaker.
func (s *Scheduler) RunSilentRefresh(ctx context.Context) error {
	log := s.deps.Log.With(logx.String("job", "silent_refresh"))

	if !s.refresh.tryAcquire() {
		log.Warn("already running; skipping trigger")
		return errSkipped
	}
	defer func() { s.refresh.release(s.now()) }()

	start := s.now()
	rows, err := s.refreshOnce(ctx, log)
	s.deps.Metrics.ObserveRun("silent_refresh", s.now().Sub(start).Seconds())
	if err != nil {
		log.Error("silent refresh failed", logx.Err(err))
		return err
	}
	s.refreshes.Add(1)
	s.deps.Metrics.AddRefreshRows(rows)
	log.Info("silent refresh finished",
		logx.Int("rows", rows), logx.Duration("dur", s.now().Sub(start)))
	return nil
}

func (s *Scheduler) refreshOnce(ctx context.Context, log logx.Logger) (int, error) {
	records, err := s.deps.Feed.FetchFleetSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch snapshot: %w", err)
	}
	if len(records) == 0 {
		log.Warn("feed returned no records")
		return 0, nil
	}

	if s.deps.Geocode != nil {
		warmed := s.deps.Geocode.Warm(ctx, records)
		s.deps.Metrics.AddGeocodeWarmed(warmed)
	}

	tracker, err := s.deps.Gateway.ReadAll(ctx, s.cfg.TrackerWorksheet)
	if err != nil {
		return 0, fmt.Errorf("read tracker: %w", err)
	}
	rowByKey := trackerIndex(tracker)
	if len(rowByKey) == 0 {
		log.Warn("tracker worksheet has no keyed rows",
			logx.String("worksheet", s.cfg.TrackerWorksheet))
		return 0, nil
	}

	var updates []sheets.Update
	for _, rec := range records {
		row, ok := rowByKey[rec.ResourceKey]
		if !ok {
			continue
		}
		updates = append(updates, sheets.Update{
			Row:      row,
			StartCol: trackerWriteCol,
			Values:   s.trackerValues(rec),
		})
	}
	if len(updates) == 0 {
		return 0, nil
	}

	// Chunked write-back. The pause keeps a large fleet from soaking up
	// the whole quota window in one refresh.
	for off := 0; off < len(updates); off += s.cfg.ChunkSize {
		end := off + s.cfg.ChunkSize
		if end > len(updates) {
			end = len(updates)
		}
		if err := s.deps.Gateway.BatchWrite(ctx, s.cfg.TrackerWorksheet, updates[off:end]); err != nil {
			return off, fmt.Errorf("write chunk at %d: %w", off, err)
		}
		if end < len(updates) {
			if err := s.sleep(ctx, s.cfg.ChunkPause); err != nil {
				return end, err
			}
		}
	}
	return len(updates), nil
}

// trackerIndex maps the key in column A to its 1-based sheet row. The
// header row is skipped.
func trackerIndex(rows [][]string) map[string]int {
	idx := make(map[string]int, len(rows))
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(row[0]))
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i + 1
		}
	}
	return idx
}

// trackerValues renders the F:K cells for one record. Empty cells are
// written as a single space so the write clears stale values instead of
// skipping them.
func (s *Scheduler) trackerValues(rec feed.Record) []string {
	loc := rec.Location
	if loc == "" && s.deps.Geocode != nil {
		if v, ok := s.deps.Geocode.Lookup(rec.Lat, rec.Lon); ok {
			loc = v
		}
	}
	ts := ""
	if !rec.UpdatedAt.IsZero() {
		ts = rec.UpdatedAt.Format(trackerTimeFmt)
	}
	vals := []string{
		loc,
		formatCoord(rec.Lat),
		formatCoord(rec.Lon),
		rec.Status,
		ts,
		rec.Source,
	}
	for i, v := range vals {
		if v == "" {
			vals[i] = " "
		}
	}
	return vals
}

func formatCoord(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}
