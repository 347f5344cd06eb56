package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apkerrors "github.com/apklens/apklens/internal/core/errors"
	"github.com/apklens/apklens/internal/segment"
)

// PageRequest describes one paginated read against an upstream resource.
// Order must be a unique total-order key so that limit/offset windows are
// stable across requests.
type PageRequest struct {
	RemoteID string
	Select   []string
	Where    string
	Order    string
	Limit    int64
	Offset   int64
}

// Client talks to the upstream open-data API. It classifies failures so the
// fetcher can decide between retrying, backing off, and giving up: HTTP 429
// is a rate limit, 5xx and transport errors are transient, anything else is
// permanent.
type Client struct {
	baseURL  string
	appToken string
	http     *http.Client
}

// NewClient creates a client. An empty appToken is allowed; the upstream
// applies stricter anonymous rate limits in that case.
func NewClient(baseURL, appToken string, pageTimeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		appToken: appToken,
		http:     &http.Client{Timeout: pageTimeout},
	}
}

// FetchPage retrieves one page of records.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) ([]segment.Row, error) {
	q := url.Values{}
	if len(req.Select) > 0 {
		q.Set("$select", strings.Join(req.Select, ","))
	}
	if req.Where != "" {
		q.Set("$where", req.Where)
	}
	if req.Order != "" {
		q.Set("$order", req.Order)
	}
	q.Set("$limit", strconv.FormatInt(req.Limit, 10))
	q.Set("$offset", strconv.FormatInt(req.Offset, 10))

	body, err := c.get(ctx, req.RemoteID, q)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, apkerrors.Schemaf("resource %s: unexpected response shape: %v", req.RemoteID, err)
	}

	rows := make([]segment.Row, len(records))
	for i, rec := range records {
		row := make(segment.Row, len(rec))
		for field, value := range rec {
			s, err := stringify(value)
			if err != nil {
				return nil, apkerrors.Schemaf("resource %s: field %q: %v", req.RemoteID, field, err)
			}
			row[field] = s
		}
		rows[i] = row
	}
	return rows, nil
}

// Count returns the number of rows matching where.
func (c *Client) Count(ctx context.Context, remoteID, where string) (int64, error) {
	q := url.Values{}
	q.Set("$select", "count(*) AS total")
	if where != "" {
		q.Set("$where", where)
	}
	q.Set("$limit", "1")

	body, err := c.get(ctx, remoteID, q)
	if err != nil {
		return 0, err
	}

	var records []map[string]string
	if err := json.Unmarshal(body, &records); err != nil {
		return 0, apkerrors.Schemaf("resource %s: unexpected count response: %v", remoteID, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(records[0]["total"], 10, 64)
	if err != nil {
		return 0, apkerrors.Schemaf("resource %s: non-numeric count %q", remoteID, records[0]["total"])
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, remoteID string, q url.Values) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/%s.json?%s", c.baseURL, remoteID, q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		httpReq.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apkerrors.Transient(fmt.Errorf("resource %s: %w", remoteID, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, apkerrors.RateLimited(fmt.Errorf("resource %s: upstream throttled (429)", remoteID))
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, apkerrors.Transient(fmt.Errorf("resource %s: upstream error %d", remoteID, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apkerrors.Permanent(fmt.Errorf("resource %s: status %d: %s", remoteID, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apkerrors.Transient(fmt.Errorf("resource %s: reading body: %w", remoteID, err))
	}
	return body, nil
}

// stringify flattens a decoded JSON value to the string form stored in
// segments. Upstream serves almost everything as strings already; numbers
// and booleans show up on a few typed columns.
func stringify(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}
