// Package feed loads scrape targets from local files, HTTP(S) URLs and FTP
// servers. YAML, JSON, CSV and XLSX target lists are understood.
package feed

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
)

// Format names a target list encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// maxFeedBytes bounds how much of a remote feed is read.
const maxFeedBytes = 32 << 20

// Options configures Load.
type Options struct {
	// Format overrides detection from the source extension.
	Format Format
	HTTP   HTTPOptions
	FTP    FTPOptions
	// Sheet selects the XLSX sheet by name; the first sheet is used when empty.
	Sheet string
}

// Loader fetches and decodes target lists.
type Loader struct {
	opts Options
	http *httpSource
	ftp  *ftpSource
}

// NewLoader creates a Loader.
func NewLoader(opts Options) *Loader {
	return &Loader{
		opts: opts,
		http: newHTTPSource(opts.HTTP),
		ftp:  newFTPSource(opts.FTP),
	}
}

// Load reads targets from a local path or an http, https or ftp URL.
func Load(ctx context.Context, source string, opts Options) ([]model.ScrapeTarget, error) {
	return NewLoader(opts).Load(ctx, source)
}

// Load reads and decodes the targets at source.
func (l *Loader) Load(ctx context.Context, source string) ([]model.ScrapeTarget, error) {
	data, name, err := l.read(ctx, source)
	if err != nil {
		return nil, err
	}
	format := l.opts.Format
	if format == "" {
		format = DetectFormat(name)
	}
	targets, err := Decode(data, format, l.opts.Sheet)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: decode %s", source)
	}
	zap.L().Info("feed: targets loaded",
		zap.String("source", redact(source)),
		zap.String("format", string(format)),
		zap.Int("targets", len(targets)),
	)
	return targets, nil
}

func (l *Loader) read(ctx context.Context, source string) ([]byte, string, error) {
	u, err := url.Parse(source)
	if err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			data, err := l.http.fetch(ctx, source)
			return data, u.Path, err
		case "ftp":
			data, err := l.ftp.fetch(ctx, source)
			return data, u.Path, err
		}
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, "", eris.Wrapf(err, "feed: read %s", source)
	}
	return data, source, nil
}

// DetectFormat picks a format from a file name, defaulting to YAML.
func DetectFormat(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatYAML
	}
}

// Decode parses a target list and normalizes every row.
func Decode(data []byte, format Format, sheet string) ([]model.ScrapeTarget, error) {
	var (
		targets []model.ScrapeTarget
		err     error
	)
	switch format {
	case FormatYAML:
		targets, err = decodeYAML(data)
	case FormatJSON:
		targets, err = decodeJSON(data)
	case FormatCSV:
		targets, err = decodeCSV(bytes.NewReader(data))
	case FormatXLSX:
		targets, err = decodeXLSX(data, sheet)
	default:
		return nil, eris.Errorf("feed: unknown format %q", format)
	}
	if err != nil {
		return nil, err
	}
	for i := range targets {
		targets[i] = Normalize(targets[i])
	}
	return targets, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFeedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFeedBytes {
		return nil, eris.Errorf("feed: larger than %d bytes", maxFeedBytes)
	}
	return data, nil
}

func redact(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.User == nil {
		return source
	}
	return u.Redacted()
}
