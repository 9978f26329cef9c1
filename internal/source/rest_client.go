package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// tick is the gateway's wire format for one observation.
type tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	MarketCap float64 `json:"market_cap"`
	Timestamp int64   `json:"ts"` // unix seconds
}

// RESTSource polls a market data gateway endpoint. The gateway exposes
// two routes per provider: /ticks returns observations after a cursor,
// and /ticks/head answers the existence check without transferring data.
type RESTSource struct {
	id      string
	baseURL string
	symbols []string
	client  *http.Client
	log     zerolog.Logger
}

// NewRESTSource creates a polling source for one gateway endpoint.
func NewRESTSource(id, baseURL string, symbols []string, log zerolog.Logger) *RESTSource {
	return &RESTSource{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", id).Logger(),
	}
}

// ID implements Source.
func (s *RESTSource) ID() string {
	return s.id
}

// List implements Source.
func (s *RESTSource) List(ctx context.Context, since time.Time) ([]RawItem, error) {
	var payload struct {
		Ticks []tick `json:"ticks"`
	}
	if err := s.get(ctx, "/ticks", since, &payload); err != nil {
		return nil, err
	}

	items := make([]RawItem, 0, len(payload.Ticks))
	for _, tk := range payload.Ticks {
		items = append(items, RawItem{
			Symbol:     tk.Symbol,
			Price:      tk.Price,
			Volume:     tk.Volume,
			MarketCap:  tk.MarketCap,
			ObservedAt: time.Unix(tk.Timestamp, 0).UTC(),
		})
	}

	s.log.Debug().Int("ticks", len(items)).Time("since", since).Msg("Listed ticks")
	return items, nil
}

// HasNewer implements Source.
func (s *RESTSource) HasNewer(ctx context.Context, since time.Time) (bool, error) {
	var payload struct {
		Newer bool `json:"newer"`
	}
	if err := s.get(ctx, "/ticks/head", since, &payload); err != nil {
		return false, err
	}
	return payload.Newer, nil
}

func (s *RESTSource) get(ctx context.Context, path string, since time.Time, out interface{}) error {
	q := url.Values{}
	q.Set("since", fmt.Sprintf("%d", since.UTC().Unix()))
	q.Set("symbols", strings.Join(s.symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
