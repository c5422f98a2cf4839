package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/metrics"
)

var (
	// ErrProxyLoop means the request was already forwarded once.
	ErrProxyLoop = errors.New("cluster: request already proxied")
	// ErrNoLeaderURL means neither a configured nor an advertised leader
	// URL is known.
	ErrNoLeaderURL = errors.New("cluster: leader url unknown")
	// ErrBodyTooLarge means the inbound request body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("cluster: request body too large")
	// ErrResponseTooLarge means the leader answered with more than
	// MaxBodyBytes.
	ErrResponseTooLarge = errors.New("cluster: leader response too large")
	// ErrClientGone means the inbound request was canceled before the
	// leader answered. It says nothing about the leader's health.
	ErrClientGone = errors.New("cluster: client canceled request")
)

const minProxyTimeout = time.Second

// ProxyConfig configures a follower Proxy.
type ProxyConfig struct {
	// TargetURL overrides the leader's advertised URL, typically a load
	// balancer address that always resolves to the leader.
	TargetURL string
	Timeout   time.Duration
	// MaxBodyBytes caps the relayed request and response bodies.
	MaxBodyBytes int64
}

// Proxy forwards a follower's write requests to the leader. Each request
// gets exactly one attempt.
type Proxy struct {
	target  string
	timeout time.Duration
	maxBody int64
	client  *http.Client
	breaker *Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxy creates a Proxy. client may be nil.
func NewProxy(cfg ProxyConfig, breaker *Breaker, client *http.Client, m *metrics.Metrics, logger *slog.Logger) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Timeout < minProxyTimeout {
		cfg.Timeout = minProxyTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if client == nil {
		client = &http.Client{}
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0, m.CircuitOpen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		target:  strings.TrimSpace(cfg.TargetURL),
		timeout: cfg.Timeout,
		maxBody: cfg.MaxBodyBytes,
		client:  client,
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

// Configured reports whether a fixed target URL is set.
func (p *Proxy) Configured() bool { return p.target != "" }

// Breaker exposes the proxy's circuit breaker.
func (p *Proxy) Breaker() *Breaker { return p.breaker }

// Forward relays r to the leader and writes the leader's response to w.
// leaderURL is used when no fixed target is configured; label names the
// route for the circuit and metrics.
//
// The request body is buffered up to MaxBodyBytes so the leader receives a
// Content-Length. On a nil return the response has been written. Any error
// leaves w untouched: ErrProxyLoop and ErrNoLeaderURL mean the request should
// be answered as not-leader, ErrBodyTooLarge as 413, ErrClientGone needs no
// answer, and *domain.ProxyUnavailableError means the leader could not be
// reached or its answer could not be relayed.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, leaderURL, label string) error {
	if label == "" {
		label = r.URL.Path
	}

	if ok, wait := p.breaker.Allow(label); !ok {
		p.metrics.ProxyRequest(label, "circuit_open")
		return &domain.ProxyUnavailableError{Path: label, CircuitOpen: true, SuggestedWait: wait}
	}

	base := p.target
	if base == "" {
		base = strings.TrimSpace(leaderURL)
	}
	if base == "" {
		p.metrics.ProxyRequest(label, "missing_base_url")
		return ErrNoLeaderURL
	}
	if r.Header.Get(HeaderProxy) != "" {
		p.metrics.ProxyRequest(label, "loop_prevented")
		return ErrProxyLoop
	}

	target, err := resolve(base, r.URL)
	if err != nil {
		p.metrics.ProxyRequest(label, "invalid_url")
		return &domain.ProxyUnavailableError{Path: label, Err: err}
	}

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body, err = readCapped(r.Body, p.maxBody)
		if errors.Is(err, ErrBodyTooLarge) {
			p.metrics.ProxyRequest(label, "body_too_large")
			return err
		}
		if err != nil {
			p.metrics.ProxyRequest(label, "client_canceled")
			return fmt.Errorf("%w: read body: %v", ErrClientGone, err)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		p.metrics.ProxyRequest(label, "invalid_url")
		return &domain.ProxyUnavailableError{Path: label, Err: err}
	}
	out.Header = outboundHeaders(r)

	start := time.Now()
	resp, err := p.client.Do(out)
	if err != nil {
		return p.fail(r.Context(), label, err)
	}
	defer resp.Body.Close()
	payload, err := readCapped(resp.Body, p.maxBody)
	if errors.Is(err, ErrBodyTooLarge) {
		// The leader answered, so the circuit stays closed.
		p.breaker.Success(label)
		p.metrics.ProxyRequest(label, "response_too_large")
		return &domain.ProxyUnavailableError{Path: label, Err: ErrResponseTooLarge}
	}
	if err != nil {
		return p.fail(r.Context(), label, err)
	}

	// Any upstream status, 5xx included, proves the leader is reachable.
	p.breaker.Success(label)
	p.metrics.ProxyRequest(label, "success")

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderProxied, "1")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(payload); err != nil {
		p.logger.WarnContext(ctx, "cluster: write proxied response failed",
			slog.String("path", label),
			slog.String("error", err.Error()),
		)
	}
	p.logger.DebugContext(ctx, "cluster: proxied to leader",
		slog.String("path", label),
		slog.String("target", target),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// fail records an upstream error. Only dial, transport and timeout errors
// count against the circuit; a request the client abandoned does not.
func (p *Proxy) fail(inbound context.Context, label string, err error) error {
	if inbound.Err() != nil {
		p.metrics.ProxyRequest(label, "client_canceled")
		p.logger.DebugContext(inbound, "cluster: client left before leader answered",
			slog.String("path", label),
		)
		return fmt.Errorf("%w: %v", ErrClientGone, inbound.Err())
	}
	outcome := "network_error"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	p.breaker.Failure(label)
	p.metrics.ProxyRequest(label, outcome)
	p.logger.WarnContext(inbound, "cluster: proxy to leader failed",
		slog.String("path", label),
		slog.String("outcome", outcome),
		slog.String("error", err.Error()),
	)
	return &domain.ProxyUnavailableError{Path: label, Err: err}
}

// readCapped reads all of rc, failing with ErrBodyTooLarge past limit bytes.
func readCapped(rc io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

func resolve(base string, u *url.URL) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("cluster: parse leader url %q: %w", base, err)
	}
	if b.Scheme == "" || b.Host == "" {
		return "", fmt.Errorf("cluster: leader url %q is not absolute", base)
	}
	return b.ResolveReference(&url.URL{Path: u.Path, RawQuery: u.RawQuery}).String(), nil
}
