package consul

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"

	"github.com/cuemby/condo/pkg/log"
)

const (
	// DefaultAddress is the local Consul agent
	DefaultAddress = "127.0.0.1:8500"

	// DefaultRequestTimeout bounds non-blocking requests and is added on
	// top of the wait of blocking ones
	DefaultRequestTimeout = 10 * time.Second
)

// ErrNoIndex is returned when a blocking query response lacks X-Consul-Index
var ErrNoIndex = errors.New("consul response carries no X-Consul-Index header")

// Config configures a Client
type Config struct {
	// Address is host:port or a full http(s) URL. A bare address gets http://.
	Address string

	// Token is sent as X-Consul-Token when set
	Token string

	RequestTimeout time.Duration

	// Logger defaults to the global logger with component=consul
	Logger *zerolog.Logger
}

// Client wraps the Consul API client with the calls condo makes
type Client struct {
	api     *api.Client
	address string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a Consul client
func NewClient(config Config) (*Client, error) {
	address := strings.TrimSpace(config.Address)
	if address == "" {
		address = DefaultAddress
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	parsed, err := url.Parse(address)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid consul address %q", config.Address)
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Scheme = parsed.Scheme
	apiConfig.Address = parsed.Host
	if config.Token != "" {
		apiConfig.Token = config.Token
	}

	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	logger := log.WithComponent("consul")
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Client{
		api:     client,
		address: parsed.Scheme + "://" + parsed.Host,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Address returns the agent base URL
func (c *Client) Address() string {
	return c.address
}

// KeyResponse is the result of one blocking KV read
type KeyResponse struct {
	// Value is the decoded payload; nil when the key does not exist
	Value []byte

	// Index is the X-Consul-Index returned by the agent
	Index uint64

	// Exists is false when the key is absent (404)
	Exists bool

	// Changed is true when Index differs from the requested index
	Changed bool
}

// GetKey performs a blocking read of key. The call returns when the key's
// index moves past index or wait elapses.
func (c *Client) GetKey(ctx context.Context, key string, index uint64, wait time.Duration) (KeyResponse, error) {
	// the agent may hold the request up to wait plus wait/16 jitter
	ctx, cancel := context.WithTimeout(ctx, wait+wait/16+c.timeout)
	defer cancel()

	opts := &api.QueryOptions{WaitIndex: index, WaitTime: wait}
	key = strings.TrimPrefix(key, "/")

	c.logger.Debug().Str("key", key).Uint64("index", index).Dur("wait", wait).Msg("Consul KV read")
	pair, meta, err := c.api.KV().Get(key, opts.WithContext(ctx))
	if err != nil {
		return KeyResponse{}, fmt.Errorf("consul kv %s: %w", key, err)
	}
	if meta == nil || meta.LastIndex == 0 {
		return KeyResponse{}, ErrNoIndex
	}

	result := KeyResponse{Index: meta.LastIndex, Changed: meta.LastIndex != index}
	if pair == nil {
		return result, nil
	}
	result.Exists = true
	result.Value = pair.Value
	return result, nil
}

// Leader returns the raft leader address, used to check the agent is reachable
func (c *Client) Leader(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	leader, err := c.api.Status().LeaderWithQueryOptions((&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("consul leader: %w", err)
	}
	return leader, nil
}

// StatusCode returns the HTTP status carried by a Consul API error, or 0
func StatusCode(err error) int {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}
