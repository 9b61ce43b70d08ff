// Package input implements the Input Opener: given a camera URL and
// protocol hint, it returns a demuxed elementary-stream input or an error.
// Open is stateless across calls — nothing about one stream's attempt is
// remembered for the next, so a reconnect after a dropped connection is
// indistinguishable from a first connection.
//
// Grounded on internal/relay/ingest.go for HTTP transport
// defaults (dial/TLS/response-header timeouts, no overall request timeout
// so long-lived streams aren't cut off) and internal/relay/ts_demuxer.go
// for the mediacommon-based keyframe detection and NAL reordering applied
// to demuxed access units.
package input

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/nightlatch/nvrcore/internal/version"
)

// Errors returned by Open and the Stream it produces.
var (
	ErrUnsupportedProtocol = errors.New("input: unsupported protocol")
	ErrNoVideoTrack        = errors.New("input: no video track found")
)

// Elementary-stream indices used throughout the pipeline. A camera
// contributes at most one video and one audio track, so a fixed
// convention is simpler than mediacommon's dynamic per-PID track list.
const (
	VideoStreamIndex = 0
	AudioStreamIndex = 1
)

// Config configures a single Open call.
type Config struct {
	URL        string
	Protocol   string // "rtsp", "http", "mpegts", "tcp"
	HTTPClient *http.Client
	UserAgent  string

	// ConnectTimeout bounds dialing and the RTSP handshake. It does not
	// bound the lifetime of an opened stream.
	ConnectTimeout time.Duration
}

// DefaultHTTPClient returns an HTTP client tuned for long-lived streaming
// connections: connection and header timeouts are set, but the client's
// own Timeout field is left unset since that field applies to the whole
// request including the body, which would cut off a stream still being
// read from.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Open connects to cfg.URL using cfg.Protocol and returns a demuxed
// Stream. The caller owns the returned Stream and must call Close when
// done with it.
func Open(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = DefaultHTTPClient()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	switch cfg.Protocol {
	case "http", "mpegts", "":
		return openHTTP(ctx, cfg)
	case "tcp":
		return openTCP(ctx, cfg)
	case "rtsp":
		return openRTSP(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, cfg.Protocol)
	}
}

func openHTTP(ctx context.Context, cfg Config) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("input: building request: %w", err)
	}
	req.Header.Set("User-Agent", cfg.UserAgent)

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("input: connecting to %s: %w", cfg.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("input: %s returned status %d", cfg.URL, resp.StatusCode)
	}

	return newStream(resp.Body), nil
}

func openTCP(ctx context.Context, cfg Config) (*Stream, error) {
	host := cfg.URL
	if u, err := url.Parse(cfg.URL); err == nil && u.Host != "" {
		host = u.Host
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("input: dialing %s: %w", host, err)
	}
	return newStream(conn), nil
}
