package feed

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricescout/internal/resilience"
)

// HTTPOptions configures remote feed downloads over HTTP(S).
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	// Transport overrides the client transport.
	Transport http.RoundTripper
	// RequestsPerSecond throttles repeated downloads. Default: 2.
	RequestsPerSecond float64
}

type httpSource struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
}

func newHTTPSource(opts HTTPOptions) *httpSource {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pricescout-feed/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	return &httpSource{
		client:  &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
	}
}

func (s *httpSource) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	retry := s.opts.Retry
	retry.OnRetry = resilience.RetryLogger("feed", "download")
	data, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("User-Agent", s.opts.UserAgent)
		req.Header.Set("Accept", "application/json, text/csv, application/x-yaml, */*")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "request"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			statusErr := eris.Errorf("unexpected status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}
		return readLimited(resp.Body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "feed: download %s", rawURL)
	}
	return data, nil
}

// FTPOptions configures feed downloads over FTP.
type FTPOptions struct {
	Timeout time.Duration
}

type ftpSource struct {
	opts FTPOptions
}

func newFTPSource(opts FTPOptions) *ftpSource {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &ftpSource{opts: opts}
}

type ftpLocation struct {
	host     string
	path     string
	user     string
	password string
}

// parseFTPURL extracts host (with port), path and credentials from an FTP
// URL. Missing credentials mean an anonymous login.
func parseFTPURL(rawURL string) (ftpLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpLocation{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpLocation{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	loc := ftpLocation{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(loc.host); splitErr != nil {
		loc.host = net.JoinHostPort(loc.host, "21")
	}
	if loc.path == "" || loc.path == "/" {
		return ftpLocation{}, eris.New("empty path in ftp url")
	}
	if u.User != nil {
		loc.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			loc.password = pw
		}
	}
	return loc, nil
}

func (s *ftpSource) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	loc, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("feed: ftp connecting", zap.String("host", loc.host), zap.String("path", loc.path))

	conn, err := ftp.Dial(loc.host, ftp.DialWithTimeout(s.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(loc.user, loc.password); err != nil {
		return nil, eris.Wrap(err, "ftp login")
	}
	resp, err := conn.Retr(loc.path)
	if err != nil {
		return nil, eris.Wrap(err, "ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	data, err := readLimited(resp)
	if err != nil {
		return nil, eris.Wrap(err, "ftp read")
	}
	return data, nil
}
