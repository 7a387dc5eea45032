package sheets

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/taxomap/internal/metrics"
	"go.uber.org/zap"
)

type FactoryOptions struct {
	Token             string
	RequestsPerMinute int
	Timeout           time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Registry
}

// BuildClientFromDSN selects a backend by scheme. A bare path is a file
// store. The returned client is instrumented when opts carries metrics.
func BuildClientFromDSN(dsn string, opts FactoryOptions) (Client, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store dsn", ErrInvalidInput)
	}
	client, err := buildClient(dsn, opts)
	if err != nil {
		return nil, err
	}
	return Instrument(client, opts.Metrics), nil
}

func buildClient(dsn string, opts FactoryOptions) (Client, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupClientFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileClient(path)
	case "memory", "mem", "inmem":
		return NewMemoryClient(), nil
	case "http", "https":
		var httpClient *http.Client
		if opts.Timeout > 0 {
			httpClient = &http.Client{Timeout: opts.Timeout}
		}
		return NewHTTPClient(dsn, HTTPClientOptions{
			Token:             opts.Token,
			HTTPClient:        httpClient,
			RequestsPerMinute: opts.RequestsPerMinute,
			Logger:            opts.Logger,
		}), nil
	case "postgres", "postgresql":
		return NewPostgresClient(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteClient(path)
	case "mysql", "sheets":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
	}
}

// dsnPath accepts file:///abs/path, file://rel/path and file:rel/path.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	if host != "" && path != "" {
		return filepath.Join(host, path), nil
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = host
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
