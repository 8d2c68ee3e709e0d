package oracle

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

// HTTPSourcePaths names the gjson paths used to extract feed fields from an
// aggregator response body.
type HTTPSourcePaths struct {
	Sequence        string
	Value           string
	UpdatedAt       string
	AnsweredInRound string
}

// DefaultHTTPSourcePaths matches the round-data shape exposed by common
// aggregator gateways.
func DefaultHTTPSourcePaths() HTTPSourcePaths {
	return HTTPSourcePaths{
		Sequence:        "roundId",
		Value:           "answer",
		UpdatedAt:       "updatedAt",
		AnsweredInRound: "answeredInRound",
	}
}

// HTTPSource reads feed rounds from an HTTP aggregator gateway. The feed id
// is passed as a query parameter; field extraction is path-configurable.
type HTTPSource struct {
	client   *http.Client
	endpoint *url.URL
	paths    HTTPSourcePaths
	log      *logger.Logger
}

var _ FeedSource = (*HTTPSource)(nil)

// NewHTTPSource constructs a feed source against the given endpoint.
func NewHTTPSource(client *http.Client, endpoint string, paths HTTPSourcePaths, log *logger.Logger) (*HTTPSource, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("feed source endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse feed source endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("oracle-http-source")
	}
	if paths == (HTTPSourcePaths{}) {
		paths = DefaultHTTPSourcePaths()
	}
	return &HTTPSource{client: client, endpoint: parsed, paths: paths, log: log}, nil
}

// LatestQuote fetches and extracts the latest round for a feed.
func (s *HTTPSource) LatestQuote(ctx context.Context, feedID string) (FeedData, error) {
	requestURL := *s.endpoint
	q := requestURL.Query()
	q.Set("feed", feedID)
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return FeedData{}, fmt.Errorf("build feed request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return FeedData{}, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FeedData{}, fmt.Errorf("feed source status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return FeedData{}, fmt.Errorf("read feed response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return FeedData{}, fmt.Errorf("feed response is not valid JSON")
	}

	parsed := gjson.ParseBytes(body)
	value, ok := new(big.Int).SetString(parsed.Get(s.paths.Value).String(), 10)
	if !ok {
		return FeedData{}, fmt.Errorf("feed response field %q is not an integer", s.paths.Value)
	}

	return FeedData{
		Sequence:        parsed.Get(s.paths.Sequence).Uint(),
		Value:           value,
		UpdatedAt:       time.Unix(parsed.Get(s.paths.UpdatedAt).Int(), 0).UTC(),
		AnsweredInRound: parsed.Get(s.paths.AnsweredInRound).Uint(),
	}, nil
}
