package binance

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

type Config struct {
	RESTBaseURL string
	APIKey      string
	APISecret   string
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string

	KlineInterval string
	KlineLimit    int
	DepthLimit    int
	TradesLimit   int
	// SnapshotTTL lets concurrent component reads share one fetch.
	SnapshotTTL time.Duration

	Leverage int
	// RecvWindow is forwarded on signed requests, in milliseconds.
	RecvWindow int64
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	out.KlineInterval = strings.ToLower(strings.TrimSpace(out.KlineInterval))
	if out.KlineInterval == "" {
		out.KlineInterval = "5m"
	}
	if out.KlineLimit <= 0 {
		out.KlineLimit = 120
	}
	if out.KlineLimit > maxKlineLimit {
		out.KlineLimit = maxKlineLimit
	}
	out.DepthLimit = normalizeDepthLimit(out.DepthLimit)
	if out.TradesLimit <= 0 {
		out.TradesLimit = 200
	}
	if out.TradesLimit > 1000 {
		out.TradesLimit = 1000
	}
	if out.SnapshotTTL <= 0 {
		out.SnapshotTTL = 2 * time.Second
	}
	if out.Leverage <= 0 {
		out.Leverage = 1
	}
	if out.RecvWindow <= 0 {
		out.RecvWindow = 5000
	}
	return out
}

func newFuturesClient(cfg Config) (*futures.Client, error) {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = cfg.RESTBaseURL
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyEnabled && cfg.RESTProxyURL != "" {
		proxyURL, err := url.Parse(cfg.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return client, nil
}

// Binance only accepts these depth sizes.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

func normalizeDepthLimit(n int) int {
	if n <= 0 {
		return 20
	}
	for _, l := range depthLimits {
		if n <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

// Request weights as published for the USDⓈ-M endpoints.
func klinesWeight(limit int) int {
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

func depthWeight(limit int) int {
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

const (
	tradesWeight       = 5
	tickerWeight       = 1
	premiumIndexWeight = 1
	orderWeight        = 1
	positionWeight     = 5
	accountWeight      = 5
	exchangeInfoWeight = 1
	cancelAllWeight    = 1
)
