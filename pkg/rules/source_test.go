package rules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"blackhole-dns/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader() *Loader {
	return NewLoader(logging.NewDefault(), http.DefaultClient)
}

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		wantName     string
		wantWildcard bool
		wantOK       bool
	}{
		{
			name:     "plain domain",
			line:     "ads.example.com",
			wantName: "ads.example.com",
			wantOK:   true,
		},
		{
			name:     "hosts file with 0.0.0.0",
			line:     "0.0.0.0 ads.example.com",
			wantName: "ads.example.com",
			wantOK:   true,
		},
		{
			name:     "hosts file with 127.0.0.1",
			line:     "127.0.0.1 ads.example.com",
			wantName: "ads.example.com",
			wantOK:   true,
		},
		{
			name:         "adblock wildcard",
			line:         "||tracker.net^",
			wantName:     "tracker.net",
			wantWildcard: true,
			wantOK:       true,
		},
		{
			name:         "explicit wildcard",
			line:         "*.tracker.net",
			wantName:     "tracker.net",
			wantWildcard: true,
			wantOK:       true,
		},
		{
			name:     "uppercase normalized",
			line:     "ADS.Example.COM",
			wantName: "ads.example.com",
			wantOK:   true,
		},
		{
			name:   "localhost skipped",
			line:   "127.0.0.1 localhost",
			wantOK: false,
		},
		{
			name:   "garbage line",
			line:   "not a domain at all with spaces",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := parseLine(tt.line, "test")
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantName, p.Name)
			assert.Equal(t, tt.wantWildcard, p.Wildcard)
		})
	}
}

func TestParseSkipsCommentsAndCountsMalformed(t *testing.T) {
	input := strings.Join([]string{
		"# a comment",
		"! adblock comment",
		"",
		"ads.example.com",
		"this line is malformed junk",
		"0.0.0.0 tracker.net",
	}, "\n")

	loader := newTestLoader()
	result, err := loader.parse(strings.NewReader(input), "test")
	require.NoError(t, err)

	assert.Len(t, result.Patterns, 2)
	assert.Equal(t, 1, result.Malformed)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	content := "ads.example.com\n*.tracker.net\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loader := newTestLoader()
	result, err := loader.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, result.Patterns, 2)
}

func TestLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0.0.0.0 ads.example.com\n||tracker.net^\n"))
	}))
	defer srv.Close()

	loader := newTestLoader()
	result, err := loader.Load(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, result.Patterns, 2)
}

func TestLoadMissingSource(t *testing.T) {
	loader := newTestLoader()

	_, err := loader.Load(context.Background(), "/nonexistent/blocklist.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestLoadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	loader := newTestLoader()
	_, err := loader.Load(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestLoadAllReportsAnyFailedSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("ads.example.com\n"), 0o600))

	loader := newTestLoader()
	result, failed, err := loader.LoadAll(context.Background(), []string{
		"/nonexistent/list.txt",
		path,
	})

	// One dead source fails the whole load; the partial result is still
	// returned for logging.
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 1, failed)
	assert.Len(t, result.Patterns, 1)
}

func TestLoadAllReportsTotalFailure(t *testing.T) {
	loader := newTestLoader()

	_, failed, err := loader.LoadAll(context.Background(), []string{
		"/nonexistent/a.txt",
		"/nonexistent/b.txt",
	})
	assert.Equal(t, 2, failed)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestLoadAllEmptySources(t *testing.T) {
	loader := newTestLoader()

	result, failed, err := loader.LoadAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, failed)
	assert.Empty(t, result.Patterns)
}
