// Package telemetry polls the local ADS-B receiver for its current aircraft
// state vectors (dump1090 style aircraft.json).
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Altitude is a barometric altitude in feet. Receivers report aircraft on
// the ground with the string "ground".
type Altitude struct {
	Feet   int64
	Ground bool
}

func (a *Altitude) UnmarshalJSON(data []byte) error {
	// Try as number first
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*a = Altitude{Feet: int64(f)}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "ground" {
			*a = Altitude{Ground: true}
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*a = Altitude{Feet: n}
			return nil
		}
	}

	// Unparseable altitudes are treated as unknown.
	*a = Altitude{}
	return nil
}

func (a Altitude) MarshalJSON() ([]byte, error) {
	if a.Ground {
		return []byte(`"ground"`), nil
	}
	return []byte(strconv.FormatInt(a.Feet, 10)), nil
}

// Aircraft is one state vector.
type Aircraft struct {
	Hex         string    `json:"hex"`
	Flight      string    `json:"flight,omitempty"`
	Latitude    *float64  `json:"lat,omitempty"`
	Longitude   *float64  `json:"lon,omitempty"`
	AltBaro     *Altitude `json:"alt_baro,omitempty"`
	AltGeom     *int64    `json:"alt_geom,omitempty"`
	GroundSpeed *float64  `json:"gs,omitempty"`
	Track       *float64  `json:"track,omitempty"`
	Squawk      string    `json:"squawk,omitempty"`
	Category    string    `json:"category,omitempty"`
	RSSI        *float64  `json:"rssi,omitempty"`
	Seen        float64   `json:"seen"`
	Messages    int64     `json:"messages"`
}

// Snapshot is one poll of the feed.
type Snapshot struct {
	Now      float64    `json:"now"`
	Messages int64      `json:"messages"`
	Aircraft []Aircraft `json:"aircraft"`
}

// Time returns the receiver timestamp of the snapshot.
func (s *Snapshot) Time() time.Time {
	sec := int64(s.Now)
	return time.Unix(sec, int64((s.Now-float64(sec))*1e9))
}

// Client reads snapshots from the feed URL.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a feed client.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{url: url, client: &http.Client{Timeout: timeout}}
}

// URL returns the feed URL.
func (c *Client) URL() string { return c.url }

// Fetch polls the feed once.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return &snap, nil
}
