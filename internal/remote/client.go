package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/v2ray-connector/internal/config"
	"github.com/v2ray-connector/internal/types"
)

var (
	// ErrCatalogUnavailable covers transport and decode failures of the
	// catalog fetch endpoint. An empty candidate list is not an error.
	ErrCatalogUnavailable = errors.New("catalog service unavailable")

	// ErrProbeServiceUnavailable covers transport and decode failures of a
	// batch probe call.
	ErrProbeServiceUnavailable = errors.New("probe service unavailable")
)

const maxResponseBytes = 10 * 1024 * 1024

// Client talks to the backend testing service: catalog fetch, batch probing,
// the results feed and data clearing. One client is shared by the engine and
// the view API.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewClient(cfg config.RemoteConfig) (*Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	// Optional egress through an existing SOCKS5 tunnel, for setups where
	// the backend is only reachable that way.
	if cfg.Socks5Proxy != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.Socks5Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		log.Infof("Remote client egress via SOCKS5 proxy %s", cfg.Socks5Proxy)
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
	}, nil
}

// Wire shapes of the backend API.

type fetchRequest struct {
	URL string `json:"url"`
}

type fetchResponse struct {
	Total   int               `json:"total"`
	Configs []json.RawMessage `json:"configs"`
	Error   string            `json:"error,omitempty"`
}

type probeRequest struct {
	Configs []json.RawMessage `json:"configs"`
}

// wireResult mirrors the backend result document. Latency arrives as a float
// (rounded to 0.1ms, -1 on failure) and is normalized to int64 milliseconds.
type wireResult struct {
	ConfigID        string  `json:"config_id"`
	Protocol        string  `json:"protocol"`
	Server          string  `json:"server"`
	Port            int     `json:"port"`
	Name            string  `json:"name"`
	Country         string  `json:"country"`
	TelegramChannel *string `json:"telegram_channel"`
	IsTelegram      bool    `json:"is_telegram"`
	Success         bool    `json:"success"`
	LatencyMs       float64 `json:"latency_ms"`
	TestedAt        string  `json:"tested_at"`
}

type probeResponse struct {
	Results []wireResult `json:"results"`
}

func mapResult(w wireResult) types.ProbeResult {
	latency := int64(w.LatencyMs)
	if latency < 0 {
		latency = 0
	}
	channel := ""
	if w.TelegramChannel != nil {
		channel = *w.TelegramChannel
	}
	return types.ProbeResult{
		ConfigID:        w.ConfigID,
		Protocol:        w.Protocol,
		Server:          w.Server,
		Port:            w.Port,
		Name:            w.Name,
		Country:         w.Country,
		TelegramChannel: channel,
		IsTelegram:      w.IsTelegram,
		Success:         w.Success,
		LatencyMs:       latency,
		TestedAt:        w.TestedAt,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchCatalog asks the catalog service to fetch and decode the subscription
// at subscriptionURL. Candidates come back as opaque JSON documents that are
// later forwarded verbatim to ProbeBatch. An empty list is a valid outcome.
func (c *Client) FetchCatalog(ctx context.Context, subscriptionURL string) ([]types.Candidate, error) {
	start := time.Now()

	var resp fetchResponse
	if err := c.do(ctx, http.MethodPost, "/configs/fetch", fetchRequest{URL: subscriptionURL}, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrCatalogUnavailable, resp.Error)
	}

	candidates := make([]types.Candidate, len(resp.Configs))
	for i, raw := range resp.Configs {
		candidates[i] = types.Candidate(raw)
	}

	log.Infof("Catalog fetch returned %d candidates (took %v)", len(candidates), time.Since(start))
	return candidates, nil
}

// ProbeBatch tests one batch of candidates. The backend may drop malformed
// entries, so the result count can be lower than the batch size.
func (c *Client) ProbeBatch(ctx context.Context, batch []types.Candidate) ([]types.ProbeResult, error) {
	configs := make([]json.RawMessage, len(batch))
	for i, cand := range batch {
		configs[i] = json.RawMessage(cand)
	}

	var resp probeResponse
	if err := c.do(ctx, http.MethodPost, "/configs/test-batch", probeRequest{Configs: configs}, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeServiceUnavailable, err)
	}

	results := make([]types.ProbeResult, len(resp.Results))
	for i, w := range resp.Results {
		results[i] = mapResult(w)
	}
	return results, nil
}

// FetchAllResults returns the full history of the most recent probing run,
// success-only and latency-sorted by the backend. Used for display, never by
// the state machine.
func (c *Client) FetchAllResults(ctx context.Context) ([]types.ProbeResult, error) {
	var resp probeResponse
	if err := c.do(ctx, http.MethodGet, "/configs/results", nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeServiceUnavailable, err)
	}

	results := make([]types.ProbeResult, len(resp.Results))
	for i, w := range resp.Results {
		results[i] = mapResult(w)
	}
	return results, nil
}

// ClearAllData purges server-held configs and results. The caller clears its
// own persisted selection separately.
func (c *Client) ClearAllData(ctx context.Context) error {
	if err := c.do(ctx, http.MethodDelete, "/configs/clear", nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeServiceUnavailable, err)
	}
	return nil
}
