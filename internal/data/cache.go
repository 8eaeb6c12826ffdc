// Package data provides the unified bar stream: historical cache,
// live adapter seam, and the synthetic fallback generator.
package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/calendar"
	"github.com/regimetrader/engine/pkg/types"
)

// Store is the file-backed historical bar cache, keyed by
// (symbol, timeframe, ts).
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]*types.Bar
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata describes the cached range for one symbol/timeframe.
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// NewStore creates a store rooted at dataDir.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger.Named("store"),
		dataDir:  dataDir,
		cache:    make(map[string][]*types.Bar),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func cacheKey(symbol, timeframe string) string {
	return fmt.Sprintf("%s_%s", symbol, timeframe)
}

// LoadBars returns cached bars for [start, end], sorted by timestamp.
func (s *Store) LoadBars(symbol, timeframe string, start, end time.Time) ([]*types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars, err := s.loadLocked(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return filterByTimeRange(bars, start, end), nil
}

// LatestBars returns up to n most recent cached bars for warmup.
func (s *Store) LatestBars(symbol, timeframe string, n int) ([]*types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars, err := s.loadLocked(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]*types.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *Store) loadLocked(symbol, timeframe string) ([]*types.Bar, error) {
	key := cacheKey(symbol, timeframe)
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	filename := filepath.Join(s.dataDir, key+".json")
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			s.cache[key] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bar file: %w", err)
	}

	var bars []*types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse bar file %s: %w", filename, err)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Ts.Before(bars[j].Ts) })
	s.cache[key] = bars
	return bars, nil
}

// SaveBars persists bars and updates the metadata sidecar.
func (s *Store) SaveBars(symbol, timeframe string, bars []*types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(bars, func(i, j int) bool { return bars[i].Ts.Before(bars[j].Ts) })

	key := cacheKey(symbol, timeframe)
	filename := filepath.Join(s.dataDir, key+".json")

	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}
	if err := os.WriteFile(filename, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write bar file: %w", err)
	}

	s.cache[key] = bars
	if len(bars) > 0 {
		s.metadata[key] = &SymbolMetadata{
			Symbol:    symbol,
			Timeframe: timeframe,
			StartDate: bars[0].Ts,
			EndDate:   bars[len(bars)-1].Ts,
			BarCount:  len(bars),
		}
	}
	return s.saveMetadata()
}

// AvailableDates lists the distinct trading days with cached data,
// weekends and market holidays excluded.
func (s *Store) AvailableDates(symbol, timeframe string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars, err := s.loadLocked(symbol, timeframe)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var dates []time.Time
	for _, bar := range bars {
		if !calendar.IsTradingDay(bar.Ts) {
			continue
		}
		day := bar.Ts.UTC().Truncate(24 * time.Hour)
		k := day.Format("2006-01-02")
		if !seen[k] {
			seen[k] = true
			dates = append(dates, day)
		}
	}
	return dates, nil
}

// DataRange returns the cached range for a symbol/timeframe.
func (s *Store) DataRange(symbol, timeframe string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[cacheKey(symbol, timeframe)]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for %s %s", symbol, timeframe)
}

func filterByTimeRange(bars []*types.Bar, start, end time.Time) []*types.Bar {
	var filtered []*types.Bar
	for _, bar := range bars {
		if !bar.Ts.Before(start) && !bar.Ts.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.metadata)
}

func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0o644)
}
