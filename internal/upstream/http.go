package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/avolkov/citytemp/internal/models"
	"github.com/avolkov/citytemp/internal/observability"
)

// HTTPSource consumes the upstream temperature API over HTTP. Fetch is a
// plain GET returning a JSON object of city to temperature; Subscribe is a
// server-sent-events stream with one JSON fact per data line.
type HTTPSource struct {
	baseURL      string
	apiKey       string
	fetchClient  *http.Client
	streamClient *http.Client
	breaker      *gobreaker.CircuitBreaker
	logger       *zap.Logger
}

// NewHTTPSource creates an HTTPSource. fetchTimeout bounds each snapshot
// call; the stream connection has no overall timeout and is torn down via
// context. logger may be nil.
func NewHTTPSource(baseURL, apiKey string, fetchTimeout time.Duration, logger *zap.Logger) (*HTTPSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-fetch",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPSource{
		baseURL:     baseURL,
		apiKey:      apiKey,
		fetchClient: &http.Client{Timeout: fetchTimeout},
		// No client-level timeout: the stream stays open until canceled.
		streamClient: &http.Client{},
		breaker:      breaker,
		logger:       logger,
	}, nil
}

// Fetch retrieves a full snapshot from GET {base}/temperatures. Calls run
// through a circuit breaker so a failing upstream is not hammered while
// the stream keeps the cache fresh.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]float64, error) {
	start := time.Now()
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.callFetch(ctx)
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		observability.FetchCallsTotal.WithLabelValues("error").Inc()
		observability.FetchDurationSeconds.WithLabelValues("error").Observe(duration)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrUpstream)
		}
		return nil, err
	}
	observability.FetchCallsTotal.WithLabelValues("success").Inc()
	observability.FetchDurationSeconds.WithLabelValues("success").Observe(duration)
	return result.(map[string]float64), nil
}

func (s *HTTPSource) callFetch(ctx context.Context) (map[string]float64, error) {
	req, err := s.buildRequest(ctx, "/temperatures", "application/json")
	if err != nil {
		return nil, err
	}
	resp, err := s.fetchClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("fetch timeout: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var snapshot map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Subscribe opens the SSE change stream at GET {base}/stream. The returned
// subscription delivers one fact per event and terminates when the server
// closes the connection or ctx is canceled.
func (s *HTTPSource) Subscribe(ctx context.Context) (*Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := s.buildRequest(streamCtx, "/stream", "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := s.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	events := make(chan models.Fact)
	sub, finish := NewSubscription(events, cancel)
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			payload, ok := strings.CutPrefix(line, "data:")
			if !ok {
				// Comments, event names, blank keep-alive lines.
				continue
			}
			var fact models.Fact
			if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &fact); err != nil {
				observability.FactsDiscardedTotal.WithLabelValues("malformed").Inc()
				if s.logger != nil {
					s.logger.Warn("dropping undecodable stream event", zap.Error(err))
				}
				continue
			}
			select {
			case events <- fact:
			case <-streamCtx.Done():
				close(events)
				finish(nil)
				return
			}
		}
		close(events)
		if streamCtx.Err() != nil {
			// Caller-initiated teardown is a clean close.
			finish(nil)
			return
		}
		if err := scanner.Err(); err != nil {
			finish(fmt.Errorf("%w: %v", ErrUpstream, err))
			return
		}
		finish(nil)
	}()
	return sub, nil
}

func (s *HTTPSource) buildRequest(ctx context.Context, path, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Correlation-ID", uuid.New().String())
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	return req, nil
}

// classifyStatus maps HTTP status codes onto the source error taxonomy.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrPermanent, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstream, code)
	}
}
