package rules

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"blackhole-dns/pkg/logging"

	"github.com/miekg/dns"
)

// ErrSourceUnavailable is returned when a list source cannot be read. The
// caller keeps serving from the previously compiled store.
var ErrSourceUnavailable = errors.New("rule source unavailable")

// LoadResult holds the parsed patterns from one source along with the count
// of malformed lines that were skipped.
type LoadResult struct {
	Patterns  []Pattern
	Malformed int
}

// Loader reads blocklist/allowlist sources, either local files or HTTP(S)
// URLs returning line-oriented domain lists.
type Loader struct {
	client *http.Client
	logger *logging.Logger
}

// NewLoader creates a list loader with a custom HTTP client. The client
// should resolve hostnames through the configured upstreams (pkg/resolver)
// so list downloads never depend on the host resolver. A nil client falls
// back to a default with a long timeout for large files.
func NewLoader(logger *logging.Logger, client *http.Client) *Loader {
	if client == nil {
		logger.Warn("No HTTP client provided, using default client with system resolver")
		client = &http.Client{
			Timeout: 60 * time.Second,
		}
	}

	return &Loader{
		client: client,
		logger: logger,
	}
}

// Load reads a single source and parses it. A source is a URL when it has an
// http:// or https:// scheme, otherwise a local file path.
func (l *Loader) Load(ctx context.Context, source string) (*LoadResult, error) {
	var (
		reader io.ReadCloser
		err    error
	)

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		reader, err = l.openURL(ctx, source)
	} else {
		reader, err = l.openFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, source, err)
	}
	defer func() { _ = reader.Close() }()

	result, err := l.parse(reader, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, source, err)
	}

	l.logger.Info("Rule source loaded",
		"source", source,
		"patterns", len(result.Patterns),
		"malformed", result.Malformed)

	return result, nil
}

// LoadAll loads every source in order, merging the results. Any unreadable
// source makes the whole load report ErrSourceUnavailable: a partial rule
// set would silently unblock the missing source's entries, so the caller
// keeps the previous store instead. The merged partial result and the
// failure count are still returned for logging.
func (l *Loader) LoadAll(ctx context.Context, sources []string) (*LoadResult, int, error) {
	merged := &LoadResult{}
	failed := 0

	for _, source := range sources {
		result, err := l.Load(ctx, source)
		if err != nil {
			l.logger.Error("Failed to load rule source", "source", source, "error", err)
			failed++
			continue
		}
		merged.Patterns = append(merged.Patterns, result.Patterns...)
		merged.Malformed += result.Malformed
	}

	if failed > 0 {
		return merged, failed, fmt.Errorf("%w: %d of %d sources failed", ErrSourceUnavailable, failed, len(sources))
	}

	return merged, failed, nil
}

func (l *Loader) openURL(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return resp.Body, nil
}

func (l *Loader) openFile(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// parse reads a line-oriented list. Supported formats:
//   - 0.0.0.0 domain.com / 127.0.0.1 domain.com (hosts file)
//   - domain.com (plain list, exact match)
//   - *.domain.com (wildcard: the root and all subdomains)
//   - ||domain.com^ (adblock, treated as wildcard)
//
// Comments (# or !) and blank lines are skipped. Unparseable lines are
// counted as malformed and skipped; they never abort the load.
func (l *Loader) parse(r io.Reader, source string) (*LoadResult, error) {
	result := &LoadResult{}
	scanner := bufio.NewScanner(r)
	lineCount := 0

	for scanner.Scan() {
		lineCount++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}

		pattern, ok := parseLine(line, source)
		if !ok {
			result.Malformed++
			continue
		}
		result.Patterns = append(result.Patterns, pattern)

		if lineCount%100000 == 0 {
			l.logger.Debug("Parsing rule source", "source", source, "lines", lineCount)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// parseLine extracts a pattern from a single list line.
func parseLine(line, source string) (Pattern, bool) {
	wildcard := false
	var raw string

	switch {
	case strings.HasPrefix(line, "||") && strings.Contains(line, "^"):
		raw = strings.TrimPrefix(line, "||")
		raw = strings.SplitN(raw, "^", 2)[0]
		wildcard = true

	case strings.HasPrefix(line, "*."):
		raw = strings.TrimPrefix(line, "*.")
		wildcard = true

	default:
		fields := strings.Fields(line)
		switch {
		case len(fields) == 1:
			raw = fields[0]
		case len(fields) >= 2 && looksLikeIP(fields[0]):
			raw = fields[1]
		default:
			return Pattern{}, false
		}
	}

	name := Normalize(raw)
	if name == "" || name == "localhost" || name == "localhost.localdomain" {
		return Pattern{}, false
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return Pattern{}, false
	}

	return Pattern{Name: name, Wildcard: wildcard, Source: source}, true
}

func looksLikeIP(field string) bool {
	return strings.Contains(field, ".") || strings.Contains(field, ":")
}
