package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
)

// Config describes one upstream vector-store instance
type Config struct {
	Role    types.InstanceRole
	BaseURL string

	// APIPrefix prefixes engine-initiated calls (probe, discovery,
	// recovery creates). Defaults to /api/v1.
	APIPrefix string

	// Timeout is the hard per-request ceiling. Callers usually pass a
	// tighter deadline through ctx.
	Timeout time.Duration
}

// Client talks to a single vector-store instance. Forwarded traffic and
// engine-initiated calls run through a circuit breaker; health probes
// bypass it so the monitor always sees the instance's true state.
type Client struct {
	role      types.InstanceRole
	baseURL   string
	apiPrefix string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
}

// Response is a fully buffered upstream reply
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports whether the reply is 2xx
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// CollectionInfo is the instance's own record of a collection
type CollectionInfo struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// New builds a client for one instance
func New(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger := log.WithInstance(string(cfg.Role))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-" + string(cfg.Role),
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(string(cfg.Role)).Set(float64(to))
		},
	})

	return &Client{
		role:      cfg.Role,
		baseURL:   baseURL,
		apiPrefix: prefix,
		http:      &http.Client{Timeout: timeout},
		breaker:   breaker,
		logger:    logger,
	}
}

// Role returns the instance this client targets
func (c *Client) Role() types.InstanceRole {
	return c.role
}

// BaseURL returns the instance base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Probe checks instance liveness with GET <prefix>/version. It does not
// go through the circuit breaker: the health monitor needs the true
// instance state even while the breaker holds forwarded traffic open.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.apiPrefix+"/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Do forwards one buffered request to the instance. Any HTTP status is a
// valid answer (the caller decides what a 404 or 500 means); only
// transport failures return an error, and only those count against the
// circuit breaker.
func (c *Client) Do(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (*Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, pathAndQuery, header, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("instance %s: %w: %v", c.role, types.ErrTransient, err)
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	CopyHeader(req.Header, header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w: %v", c.role, types.ErrTransient, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("instance %s: failed to read response: %w", c.role, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       buf,
	}, nil
}

// CreateCollection issues a name-based create and returns the identifier
// this instance assigned. The body is the client's original create
// payload, forwarded untouched.
func (c *Client) CreateCollection(ctx context.Context, body []byte, header http.Header) (*CollectionInfo, *Response, error) {
	resp, err := c.Do(ctx, http.MethodPost, c.apiPrefix+"/collections", header, body)
	if err != nil {
		return nil, nil, err
	}
	if !resp.Success() {
		return nil, resp, fmt.Errorf("create collection on %s: HTTP %d: %w", c.role, resp.StatusCode, classifyStatus(resp.StatusCode))
	}

	var info CollectionInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil || info.ID == "" {
		return nil, resp, fmt.Errorf("instance %s: create response missing collection id: %w", c.role, types.ErrProtocol)
	}
	return &info, resp, nil
}

// GetCollectionByName discovers the instance's identifier for a
// collection name
func (c *Client) GetCollectionByName(ctx context.Context, name string) (*CollectionInfo, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.apiPrefix+"/collections/"+name, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("collection %q on %s: %w", name, c.role, classifyStatus(resp.StatusCode))
	}

	var info CollectionInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil || info.ID == "" {
		return nil, fmt.Errorf("instance %s: collection response missing id: %w", c.role, types.ErrProtocol)
	}
	return &info, nil
}

// DeleteCollection issues a name-based delete. A 404 reply comes back as
// a Response, not an error: the caller decides whether absence is success.
func (c *Client) DeleteCollection(ctx context.Context, name string, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, c.apiPrefix+"/collections/"+name, header, nil)
}

// ListCollections returns every collection the instance knows about
func (c *Client) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.apiPrefix+"/collections", nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("list collections on %s: %w", c.role, classifyStatus(resp.StatusCode))
	}

	var infos []CollectionInfo
	if err := json.Unmarshal(resp.Body, &infos); err != nil {
		return nil, fmt.Errorf("instance %s: failed to decode collection list: %w", c.role, types.ErrProtocol)
	}
	return infos, nil
}

// Clients indexes the two instance clients by role
type Clients map[types.InstanceRole]*Client

// NewClients builds the standard primary/replica pair
func NewClients(primary, replica *Client) Clients {
	return Clients{
		types.RolePrimary: primary,
		types.RoleReplica: replica,
	}
}

// For returns the client for a role, or nil for an unknown role
func (cs Clients) For(role types.InstanceRole) *Client {
	return cs[role]
}

// classifyStatus maps a non-2xx upstream status onto the error taxonomy
func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return types.ErrNotFound
	case code == http.StatusConflict:
		return types.ErrConflict
	case code >= 500:
		return types.ErrTransient
	default:
		return types.ErrProtocol
	}
}

// hop-by-hop headers are connection-scoped and never forwarded
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// CopyHeader copies src into dst, dropping hop-by-hop headers
func CopyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
