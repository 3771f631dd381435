package envmgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"plugenv/depspec"
)

// Fetcher downloads direct-reference artifacts into a content-addressed
// cache laid out as <dir>/sha256/<hex>/<file>.
type Fetcher struct {
	Dir    string
	Client *http.Client
	Logger *slog.Logger
}

func NewFetcher(dir string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{Dir: dir, Client: http.DefaultClient, Logger: logger}
}

// Fetch makes the artifact of a direct reference available locally and
// returns its path. When the reference carries a sha256 the content must
// match it, and a cached copy is reused without downloading.
func (f *Fetcher) Fetch(ctx context.Context, req depspec.Requirement) (string, error) {
	if !req.IsDirect() {
		return "", fmt.Errorf("%s is not a direct reference", req.Name)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", req.URL, err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		base = req.Name
	}

	if req.Digest != "" {
		cached := f.cachePath(req.Digest, base)
		if _, err := os.Stat(cached); err == nil {
			f.Logger.Debug("using cached artifact", "url", req.URL, "path", cached)
			return cached, nil
		}
	}

	body, err := f.open(ctx, u)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating download cache: %w", err)
	}
	tmp, err := os.CreateTemp(f.Dir, ".download-"+uuid.NewString()+"-*")
	if err != nil {
		return "", fmt.Errorf("creating download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	_, err = io.Copy(io.MultiWriter(tmp, digester.Hash()), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", req.URL, err)
	}

	got := digester.Digest()
	if req.Digest != "" && got != req.Digest {
		return "", fmt.Errorf("%s: %w: expected %s, got %s", req.URL, ErrChecksumMismatch, req.Digest, got)
	}

	dest := f.cachePath(got, base)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("storing %s in cache: %w", req.URL, err)
	}

	f.Logger.Debug("fetched artifact", "url", req.URL, "digest", got, "path", dest)
	return dest, nil
}

func (f *Fetcher) cachePath(d digest.Digest, base string) string {
	return filepath.Join(f.Dir, d.Algorithm().String(), d.Encoded(), base)
}

func (f *Fetcher) open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if u.Scheme == "file" {
		file, err := os.Open(filepath.FromSlash(u.Path))
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", u, err)
		}
		return file, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", u.Redacted(), err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", u.Redacted(), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: unexpected status %s", u.Redacted(), resp.Status)
	}
	return resp.Body, nil
}

// localRequirement rewrites a direct reference to point at a fetched file.
func localRequirement(req depspec.Requirement, file string) string {
	var b strings.Builder
	b.WriteString(req.Name)
	if len(req.Extras) > 0 {
		b.WriteString("[" + strings.Join(req.Extras, ",") + "]")
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	b.WriteString(" @ ")
	b.WriteString((&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String())
	if req.Marker != "" {
		b.WriteString("; " + req.Marker)
	}
	return b.String()
}
