// Package feed talks to the external fleet tracking service.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"fleetbot/pkg/logx"
)

// Record is one vehicle position from the tracking feed.
type Record struct {
	ResourceKey string // VIN or unit identifier, upper-cased
	Lat         float64
	Lon         float64
	SpeedMPH    float64
	Status      string
	Location    string
	DriverName  string
	Source      string
	UpdatedAt   time.Time
}

// Client fetches the latest fleet snapshot.
type Client interface {
	FetchFleetSnapshot(ctx context.Context) ([]Record, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-fetch; default 30s
}

// HTTPClient is the production Client over the tracking service's REST API.
type HTTPClient struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewHTTP(cfg Config, log logx.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("feed base_url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}, nil
}

func (c *HTTPClient) FetchFleetSnapshot(ctx context.Context) ([]Record, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/fleet/locations"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("feed read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed fetch: unexpected status %d", resp.StatusCode)
	}

	return parseSnapshot(body), nil
}

// parseSnapshot tolerates schema drift in the feed payload: records missing
// a resource key are dropped, everything else defaults to zero values.
func parseSnapshot(body []byte) []Record {
	items := gjson.GetBytes(body, "data")
	if !items.Exists() {
		// Some deployments return the array at the top level.
		items = gjson.ParseBytes(body)
	}
	if !items.IsArray() {
		return nil
	}

	var out []Record
	items.ForEach(func(_, item gjson.Result) bool {
		key := strings.ToUpper(strings.TrimSpace(item.Get("vin").String()))
		if key == "" {
			key = strings.ToUpper(strings.TrimSpace(item.Get("resource_key").String()))
		}
		if key == "" {
			return true
		}
		r := Record{
			ResourceKey: key,
			Lat:         item.Get("lat").Float(),
			Lon:         item.Get("lon").Float(),
			SpeedMPH:    item.Get("speed_mph").Float(),
			Status:      item.Get("status").String(),
			Location:    item.Get("location").String(),
			DriverName:  item.Get("driver_name").String(),
			Source:      item.Get("source").String(),
		}
		if ts := item.Get("updated_at").String(); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				r.UpdatedAt = t
			}
		}
		out = append(out, r)
		return true
	})
	return out
}
