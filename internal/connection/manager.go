// Package connection is the single authority for HTTPS requests to the
// server (spec §4.1): authentication, token refresh, TLS trust, keep-alive,
// retries, and the wire-level request/response shapes from spec §6.
//
// The reconnect discipline — exponential backoff with jitter, a background
// keep-alive loop, state protected by one mutex and replaced wholesale on
// reconnect — is the same idiom the teacher's gRPC connection manager uses;
// here it rides over net/http and JSON instead of a persistent gRPC stream,
// since the documented wire surface is plain HTTPS.
package connection

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arkeep-io/crsagent/internal/model"
)

const (
	// MaxRequestBytes is the size cap for one event-batch POST (spec §4.1).
	MaxRequestBytes = 2 * 1024 * 1024

	tokenRefreshWindow = 5 * time.Minute
	pingInterval       = 4 * time.Second

	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	jitterFraction = 0.2

	// maxRequestsPerSecond caps outbound HTTP calls so a burst of batches or
	// chunk uploads cannot overrun the server's own rate limiting.
	maxRequestsPerSecond = 20
	requestBurst         = 20
)

// Sentinel errors per the taxonomy in spec §7.
var (
	ErrFatalAuth       = errors.New("connection: fatal authentication failure")
	ErrUpgradeRequired = errors.New("connection: server requires a newer agent version")
	ErrProtocol        = errors.New("connection: malformed server response")
	ErrRetryable       = errors.New("connection: transient failure")
)

// Config holds the parameters needed to reach the server.
type Config struct {
	BaseURL       string
	Mailbox       string
	AccessKey     string
	ClientVersion string
	AgentVersion  string
	AgentRevision string

	// TrustedCAs is an additional bundled trust store checked alongside the
	// system default set (spec §4.1: "accepted if either chain validates").
	TrustedCAs *x509.CertPool

	MaxRetries int
	RetrySleep time.Duration
}

// Listener observes ConnectionManager lifecycle transitions.
type Listener interface {
	Authenticated(vmID string)
	Fatal(err error)
}

// SectionHandler processes one named section (e.g. "#requests") found in an
// event-batch response body.
type SectionHandler func(lines []string)

// Manager is the ConnectionManager described in spec §4.1.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	primaryClient *http.Client // trust: bundled + system, for the API endpoints
	uploadClient  *http.Client // for presigned PUTs; same trust configuration as primaryClient, no broader set

	mu          sync.RWMutex
	token       string
	vmID        string
	lastRefresh time.Time

	sectionsMu sync.RWMutex
	sections   map[string]SectionHandler

	listener Listener
	limiter  *rate.Limiter
}

// New constructs a Manager. Call Start to authenticate.
func New(cfg Config, logger *zap.Logger, listener Listener) *Manager {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetrySleep == 0 {
		cfg.RetrySleep = time.Second
	}

	trustPool := systemPool()

	primaryClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: dualTrustConfig(trustPool, cfg.TrustedCAs),
		},
	}
	uploadClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: dualTrustConfig(trustPool, cfg.TrustedCAs),
		},
	}

	return &Manager{
		cfg:           cfg,
		logger:        logger.Named("connection"),
		primaryClient: primaryClient,
		uploadClient:  uploadClient,
		sections:      make(map[string]SectionHandler),
		listener:      listener,
		limiter:       rate.NewLimiter(rate.Limit(maxRequestsPerSecond), requestBurst),
	}
}

func systemPool() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return x509.NewCertPool()
	}
	return pool
}

// dualTrustConfig builds a tls.Config that accepts a server certificate if
// it validates against either the system trust anchors or the bundled
// store (spec §4.1). InsecureSkipVerify defers chain validation to
// VerifyPeerCertificate so both pools can be tried independently.
func dualTrustConfig(system, bundled *x509.CertPool) *tls.Config {
	if bundled == nil {
		return &tls.Config{RootCAs: system}
	}

	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			certs := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("connection: parsing peer certificate: %w", err)
				}
				certs = append(certs, cert)
			}
			if len(certs) == 0 {
				return errors.New("connection: no peer certificates presented")
			}

			leaf := certs[0]
			intermediates := x509.NewCertPool()
			for _, c := range certs[1:] {
				intermediates.AddCert(c)
			}

			for _, roots := range []*x509.CertPool{system, bundled} {
				if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err == nil {
					return nil
				}
			}
			return errors.New("connection: server certificate validated against neither trust store")
		},
	}
}

// RegisterSection installs a handler for a named response section (e.g.
// "#requests"), invoked whenever sendEventBatch's response carries one.
func (m *Manager) RegisterSection(name string, h SectionHandler) {
	m.sectionsMu.Lock()
	defer m.sectionsMu.Unlock()
	m.sections[name] = h
}

// Start authenticates against the server, obtaining the initial runtime
// token and server-assigned vmId (spec §4.1).
func (m *Manager) Start(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}

	u := fmt.Sprintf("%s/crs/auth/rt/token?clientVersion=%s&mailbox=%s", m.cfg.BaseURL, m.cfg.ClientVersion, m.cfg.Mailbox)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("connection: building token request: %w", err)
	}
	req.Header.Set("x-api-key", m.cfg.AccessKey)

	resp, err := m.primaryClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if err := m.handleTokenResponse(resp); err != nil {
		return err
	}

	m.mu.RLock()
	vmID := m.vmID
	m.mu.RUnlock()

	if m.listener != nil {
		m.listener.Authenticated(vmID)
	}
	return nil
}

func (m *Manager) handleTokenResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusUpgradeRequired {
		return ErrUpgradeRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: token endpoint returned %d", ErrFatalAuth, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading token response: %v", ErrProtocol, err)
	}

	lines := strings.SplitN(strings.TrimRight(string(body), "\n"), "\n", 2)
	if len(lines) != 2 || lines[0] == "" || lines[1] == "" {
		return fmt.Errorf("%w: token response did not carry token and vmId", ErrProtocol)
	}

	m.mu.Lock()
	m.token = lines[0]
	m.vmID = lines[1]
	m.mu.Unlock()

	return nil
}

// refresh exchanges the current token for a fresh pair via a POST carrying
// the old token as the body. Only a successful refresh (not the initial
// token GET in Start) moves lastRefresh.
func (m *Manager) refresh(ctx context.Context) error {
	m.mu.RLock()
	oldToken := m.token
	m.mu.RUnlock()

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/crs/auth/rt/token", strings.NewReader(oldToken))
	if err != nil {
		return fmt.Errorf("connection: building refresh request: %w", err)
	}
	req.Header.Set("x-api-key", m.cfg.AccessKey)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.primaryClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if err := m.handleTokenResponse(resp); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastRefresh = time.Now()
	m.mu.Unlock()
	return nil
}

// withinRefreshWindow reports whether the last refresh happened recently
// enough that a second concurrent 401 should not trigger another refresh.
func (m *Manager) withinRefreshWindow() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastRefresh) < tokenRefreshWindow
}

func (m *Manager) authHeader(req *http.Request) {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-agent-version", m.cfg.AgentVersion+"+"+m.cfg.AgentRevision)
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Connection", "keep-alive")
}

// SendEventBatch fragments events into JSON arrays each <= MaxRequestBytes
// and POSTs each fragment in turn to /crs/instance/{vmId}, stopping at the
// first failed fragment (spec §4.1). Any "#section" lines in a successful
// fragment's response are dispatched to registered handlers.
func (m *Manager) SendEventBatch(ctx context.Context, events []model.VMEvent) error {
	fragments, err := fragmentEvents(events)
	if err != nil {
		return err
	}

	m.mu.RLock()
	vmID := m.vmID
	m.mu.RUnlock()

	for _, fragment := range fragments {
		if err := m.postEventFragment(ctx, vmID, fragment); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) postEventFragment(ctx context.Context, vmID string, body []byte) error {
	return m.requestWithRetries(ctx, func(ctx context.Context) error {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/crs/instance/"+vmID, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("connection: building event batch request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		m.authHeader(req)

		resp, err := m.primaryClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		defer resp.Body.Close()

		return m.handleInstanceResponse(ctx, resp)
	}, "sendEventBatch")
}

func (m *Manager) handleInstanceResponse(ctx context.Context, resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		if !m.withinRefreshWindow() {
			if err := m.refresh(ctx); err == nil {
				return fmt.Errorf("%w: retry after refresh", ErrRetryable)
			}
		}
		return fmt.Errorf("%w: unauthorized and refresh window exhausted", ErrFatalAuth)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", ErrRetryable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: instance endpoint returned %d", ErrProtocol, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading instance response: %v", ErrProtocol, err)
	}

	sections, err := parseSections(string(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	m.sectionsMu.RLock()
	defer m.sectionsMu.RUnlock()
	for name, lines := range sections {
		if h, ok := m.sections[name]; ok {
			h(lines)
		}
	}
	return nil
}

// parseSections scans a response body for "#name\n<N>\n...N lines..." blocks,
// per spec §6. Unknown section names are still parsed (and handed back) so
// callers can skip unrecognized ones by declared line count rather than by
// name, per the Open Question resolution in spec §9.
func parseSections(body string) (map[string][]string, error) {
	out := make(map[string][]string)
	sc := bufio.NewScanner(strings.NewReader(body))

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			continue
		}
		name := line

		if !sc.Scan() {
			return nil, fmt.Errorf("section %q missing line count", name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("section %q has malformed line count: %w", name, err)
		}

		lines := make([]string, 0, n)
		for i := 0; i < n; i++ {
			if !sc.Scan() {
				return nil, fmt.Errorf("section %q truncated: expected %d lines, got %d", name, n, i)
			}
			lines = append(lines, sc.Text())
		}
		out[name] = lines
	}

	return out, sc.Err()
}

// fragmentEvents serializes events one at a time into JSON-array fragments,
// closing the current fragment whenever adding the next event would exceed
// MaxRequestBytes. An event whose own serialized form does not fit in a
// fragment is dropped without logging here rather than fragmented further;
// events.Service.Add logs and drops events larger than MaxRequestBytes
// before they are queued.
func fragmentEvents(events []model.VMEvent) ([][]byte, error) {
	var fragments [][]byte
	var cur bytes.Buffer
	cur.WriteByte('[')
	count := 0

	flush := func() {
		if count == 0 {
			return
		}
		cur.WriteByte(']')
		fragments = append(fragments, append([]byte(nil), cur.Bytes()...))
		cur.Reset()
		cur.WriteByte('[')
		count = 0
	}

	for _, ev := range events {
		encoded, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("connection: marshaling event %s: %w", ev.EventID, err)
		}
		if len(encoded)+2 > MaxRequestBytes {
			continue // oversized single event: dropped without a log entry
		}

		extra := len(encoded) + 1 // ',' or nothing, plus closing ']'
		if count > 0 {
			extra++ // leading comma
		}
		if cur.Len()+extra > MaxRequestBytes {
			flush()
		}

		if count > 0 {
			cur.WriteByte(',')
		}
		cur.Write(encoded)
		count++
	}
	flush()

	return fragments, nil
}

// requestWithRetries wraps op, retrying only on ErrRetryable up to
// cfg.MaxRetries additional attempts with cfg.RetrySleep between them, and
// aborting immediately on any other error (spec §4.1, §8 invariant 8).
func (m *Manager) requestWithRetries(ctx context.Context, op func(ctx context.Context) error, name string) error {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.Is(err, ErrRetryable) {
			if errors.Is(err, ErrFatalAuth) || errors.Is(err, ErrUpgradeRequired) || errors.Is(err, ErrProtocol) {
				if m.listener != nil {
					m.listener.Fatal(err)
				}
			}
			return err
		}

		m.logger.Warn("connection: retrying request", zap.String("op", name), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < m.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.RetrySleep):
			}
		}
	}
	return lastErr
}

// chunkCreateResponse is the decoded body of a successful POST to
// /crs/artifact/chunk.
type chunkCreateResponse struct {
	presignedURL string
	storageKey   string
}

// SendArtifactChunk creates the chunk record then streams data to the
// returned presigned URL (spec §4.1, §4.3).
func (m *Manager) SendArtifactChunk(ctx context.Context, chunk model.VMArtifactChunk, data io.Reader) error {
	var created chunkCreateResponse

	err := m.requestWithRetries(ctx, func(ctx context.Context) error {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}

		body, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("%w: marshaling chunk: %v", ErrProtocol, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/crs/artifact/chunk", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("connection: building chunk request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		m.authHeader(req)

		resp, err := m.primaryClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: chunk endpoint returned %d", ErrRetryable, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: chunk endpoint returned %d", ErrProtocol, resp.StatusCode)
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading chunk response: %v", ErrProtocol, err)
		}
		lines := strings.SplitN(strings.TrimRight(string(respBody), "\n"), "\n", 2)
		if len(lines) != 2 {
			return fmt.Errorf("%w: chunk response missing url/storageKey", ErrProtocol)
		}
		created = chunkCreateResponse{presignedURL: lines[0], storageKey: lines[1]}
		return nil
	}, "sendArtifactChunk:create")
	if err != nil {
		return err
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, created.presignedURL, data)
	if err != nil {
		return fmt.Errorf("connection: building PUT request: %w", err)
	}
	putReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := m.uploadClient.Do(putReq)
	if err != nil {
		return fmt.Errorf("%w: PUT failed: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: PUT returned %d", ErrRetryable, resp.StatusCode)
	}
	return nil
}

// PingLoop issues OPTIONS requests every 4s to hold the TLS session open
// under the server's 5s idle timeout (spec §4.1). Runs until ctx is done.
func (m *Manager) PingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodOptions, m.cfg.BaseURL+"/", nil)
			if err != nil {
				continue
			}
			resp, err := m.primaryClient.Do(req)
			if err != nil {
				m.logger.Debug("connection: ping failed", zap.Error(err))
				continue
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// Run authenticates and keeps the connection alive, reconnecting with
// exponential backoff and jitter when Start fails; an ErrFatalAuth or
// ErrUpgradeRequired failure is reported to the listener and ends Run
// instead — mirroring the
// teacher's gRPC reconnect loop, but over the token-based HTTP handshake
// instead of a persistent stream. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.Start(ctx); err != nil {
			m.logger.Warn("connection: start failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if errors.Is(err, ErrFatalAuth) || errors.Is(err, ErrUpgradeRequired) {
				if m.listener != nil {
					m.listener.Fatal(err)
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
		m.PingLoop(ctx)
		return
	}
}
