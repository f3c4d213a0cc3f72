package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

var errHTTPDisabled = errors.New("http not enabled")

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP performs outbound requests on behalf of scripts, restricted to an
// allow-list of hosts. An allowed host also admits its subdomains.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				if host := req.URL.Hostname(); !isHostAllowed(cfg.AllowedHosts, host) {
					return fmt.Errorf("redirect to host not allowed: %s", host)
				}
				return nil
			},
		},
	}
}

// Request takes method, url, body and headers and returns a table with
// status, body and headers.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	rawURL, ok := args["url"].(string)
	if !ok || rawURL == "" {
		return nil, errors.New("url required")
	}
	if len(rawURL) > h.cfg.MaxURLLength {
		return nil, errors.New("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.New("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, errHTTPDisabled
	}
	host := parsed.Hostname()
	if !isHostAllowed(h.cfg.AllowedHosts, host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}

	var body io.Reader
	if s, ok := args["body"].(string); ok && s != "" {
		if int64(len(s)) > h.cfg.MaxBodySize {
			return nil, errors.New("request body exceeds max size")
		}
		body = strings.NewReader(s)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if vs, ok := v.(string); ok {
				req.Header.Set(k, vs)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"body":    string(respBody),
		"headers": respHeaders,
	}, nil
}

// Get is Request with the method forced to GET.
func (h *HTTP) Get(ctx context.Context, args map[string]any) (any, error) {
	fwd := make(map[string]any, len(args)+1)
	for k, v := range args {
		fwd[k] = v
	}
	fwd["method"] = http.MethodGet
	return h.Request(ctx, fwd)
}

func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", h.Get)
}

func NewHTTPGet(cfg HTTPConfig) Func {
	return NewHTTP(cfg).Get
}

// isHostAllowed compares IP literals by address and names by exact or
// subdomain match. An IP never matches a name entry.
func isHostAllowed(allowed []string, host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	ip, ipErr := netip.ParseAddr(host)
	for _, a := range allowed {
		a = strings.ToLower(strings.Trim(a, "[]"))
		if ipErr == nil {
			if aip, err := netip.ParseAddr(a); err == nil && aip.Unmap() == ip.Unmap() {
				return true
			}
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
