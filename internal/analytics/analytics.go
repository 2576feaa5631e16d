// Package analytics fetches per-day event counts from the analytics gateway.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/seanblong/codebot/pkg/models"
)

var ErrNotConfigured = errors.New("analytics gateway url not configured")

const (
	defaultTimeout = 30 * time.Second
	maxBody        = 4 << 20
)

type Client struct {
	gatewayURL string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func New(gatewayURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		gatewayURL: strings.TrimSpace(gatewayURL),
		http:       &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "analytics-gateway",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		}),
	}
}

// Fetch returns the daily counts of event over the last days days. The
// gateway answers {"data":{"values":{event:{date:count}}}}; any other shape
// is kept verbatim in Raw.
func (c *Client) Fetch(ctx context.Context, event string, days int) (models.AnalyticsReport, error) {
	if c.gatewayURL == "" {
		return models.AnalyticsReport{}, ErrNotConfigured
	}
	log.Info().Str("event", event).Int("days", days).Msg("fetching analytics data")

	body, err := c.get(ctx, event, days)
	if err != nil {
		return models.AnalyticsReport{}, err
	}

	report := models.AnalyticsReport{EventName: event}
	series, ok := parseSeries(body)
	if ok {
		report.Series = series
	} else {
		report.Raw = strings.TrimSpace(string(body))
		if !json.Valid(body) {
			return models.AnalyticsReport{}, errors.New("analytics gateway returned invalid json")
		}
	}
	log.Info().Str("event", event).Int("series", len(report.Series)).Msg("received analytics data")
	return report, nil
}

func (c *Client) get(ctx context.Context, event string, days int) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		u, err := url.Parse(c.gatewayURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("event", event)
		q.Set("days", strconv.Itoa(days))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close response body")
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("analytics gateway: %s", resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxBody))
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func parseSeries(body []byte) (map[string]map[string]float64, bool) {
	var payload struct {
		Data struct {
			Values map[string]map[string]json.Number `json:"values"`
		} `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || len(payload.Data.Values) == 0 {
		return nil, false
	}

	series := make(map[string]map[string]float64, len(payload.Data.Values))
	for event, dates := range payload.Data.Values {
		counts := make(map[string]float64, len(dates))
		for date, n := range dates {
			f, err := n.Float64()
			if err != nil {
				return nil, false
			}
			counts[date] = f
		}
		series[event] = counts
	}
	return series, true
}
