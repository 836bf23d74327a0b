package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"confluence/internal/logger"
)

const (
	fearGreedEndpoint       = "https://api.alternative.me/fng/?limit=5"
	fearGreedErrorBackoff   = 2 * time.Minute
	fearGreedFallbackUpdate = 12 * time.Hour
)

type FearGreedPoint struct {
	Value          int
	Classification string
	Timestamp      time.Time
}

type FearGreedData struct {
	Value          int
	Classification string
	Timestamp      time.Time
	History        []FearGreedPoint
	LastUpdate     time.Time
	Error          string
}

// FearGreedService caches the market-wide fear & greed index. The index
// updates daily, so reads are served from memory until the upstream's
// advertised next update.
type FearGreedService struct {
	endpoint string
	client   *http.Client
	clock    func() time.Time

	mu         sync.RWMutex
	data       FearGreedData
	nextUpdate time.Time
	refreshMu  sync.Mutex
}

func NewFearGreedService(endpoint string, timeout time.Duration) *FearGreedService {
	if endpoint == "" {
		endpoint = fearGreedEndpoint
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FearGreedService{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		clock:    time.Now,
	}
}

func (s *FearGreedService) Get() (FearGreedData, bool) {
	if s == nil {
		return FearGreedData{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data, len(s.data.History) > 0
}

func (s *FearGreedService) RefreshIfStale(ctx context.Context) {
	if s == nil {
		return
	}
	if !s.stale() {
		return
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if !s.stale() {
		return
	}
	if err := s.refresh(ctx); err != nil {
		logger.Warnf("fear & greed refresh failed: %v", err)
	}
}

func (s *FearGreedService) stale() bool {
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.LastUpdate.IsZero() || s.nextUpdate.IsZero() || !now.Before(s.nextUpdate)
}

func (s *FearGreedService) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return s.fail(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.fail(fmt.Errorf("unexpected status %s", resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return s.fail(err)
	}
	data, until, err := parseFearGreed(body)
	if err != nil {
		return s.fail(err)
	}
	now := s.clock()
	data.LastUpdate = now
	next := now.Add(fearGreedFallbackUpdate)
	if until > 0 {
		next = now.Add(until)
	}
	s.set(data, next)
	return nil
}

// parseFearGreed reads the alternative.me payload, where every number is
// encoded as a string.
func parseFearGreed(body []byte) (FearGreedData, time.Duration, error) {
	if !gjson.ValidBytes(body) {
		return FearGreedData{}, 0, fmt.Errorf("invalid json")
	}
	parsed := gjson.ParseBytes(body)
	if e := parsed.Get("metadata.error"); e.Exists() && e.Type != gjson.Null {
		return FearGreedData{}, 0, fmt.Errorf("api error: %s", e.String())
	}
	points := make([]FearGreedPoint, 0, 5)
	parsed.Get("data").ForEach(func(_, item gjson.Result) bool {
		v := item.Get("value")
		if !v.Exists() {
			return true
		}
		p := FearGreedPoint{
			Value:          int(v.Int()),
			Classification: item.Get("value_classification").String(),
		}
		if ts := item.Get("timestamp").Int(); ts > 0 {
			p.Timestamp = time.Unix(ts, 0).UTC()
		}
		points = append(points, p)
		return true
	})
	if len(points) == 0 {
		return FearGreedData{}, 0, fmt.Errorf("api data empty")
	}
	until := time.Duration(parsed.Get("data.0.time_until_update").Int()) * time.Second
	latest := points[0]
	return FearGreedData{
		Value:          latest.Value,
		Classification: latest.Classification,
		Timestamp:      latest.Timestamp,
		History:        points,
	}, until, nil
}

func (s *FearGreedService) fail(err error) error {
	now := s.clock()
	s.mu.Lock()
	// Keep the last good reading; only record the error and back off.
	s.data.Error = err.Error()
	if s.data.LastUpdate.IsZero() {
		s.data.LastUpdate = now
	}
	s.nextUpdate = now.Add(fearGreedErrorBackoff)
	s.mu.Unlock()
	return err
}

func (s *FearGreedService) set(data FearGreedData, next time.Time) {
	s.mu.Lock()
	s.data = data
	s.nextUpdate = next
	s.mu.Unlock()
}
