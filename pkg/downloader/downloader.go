// Package downloader maintains the local artifact cache: given an artifact's
// filename, remote URL and expected hash prefix it returns a verified local
// file, downloading and atomically installing it when absent or corrupt.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/convnets/zoo/pkg/xsync"
)

// ErrDownloadFailed means the artifact could not be obtained: retries were
// exhausted, the remote rejected the request, or the downloaded bytes did not
// match the declared hash.
var ErrDownloadFailed = errors.New("download failed")

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent download error")

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// Artifact identifies one remote file to fetch. The filename already encodes
// architecture, variant and content hash, so it doubles as the cache key.
type Artifact struct {
	Filename   string
	URL        string
	HashPrefix string
}

// ProgressFunc receives transfer status: filename, written and total as
// human-readable sizes, and percentage.
type ProgressFunc func(filename, written, total string, pct float64)

// Downloader owns one cache root directory.
type Downloader struct {
	root     string
	client   *http.Client
	progress ProgressFunc
	attempts int
	backoff  time.Duration

	group singleflight.Group
	// verified records which files were hash-checked this run, so repeated
	// fetches skip re-hashing. Entries appear only after verification.
	verified *xsync.SyncedMap[string, struct{}]
}

type Option func(*Downloader)

// WithHTTPClient swaps the transport used for byte transfer.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		if client != nil {
			d.client = client
		}
	}
}

// WithProgress installs a transfer status callback.
func WithProgress(f ProgressFunc) Option {
	return func(d *Downloader) {
		if f != nil {
			d.progress = f
		}
	}
}

// WithRetry overrides the retry schedule: attempts tries with exponential
// backoff starting at base.
func WithRetry(attempts int, base time.Duration) Option {
	return func(d *Downloader) {
		if attempts > 0 {
			d.attempts = attempts
		}
		if base > 0 {
			d.backoff = base
		}
	}
}

// New creates a Downloader rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Downloader, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating cache root %q: %w", dir, err)
	}
	d := &Downloader{
		root:     dir,
		client:   http.DefaultClient,
		progress: func(string, string, string, float64) {},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		verified: xsync.NewSyncedMap[string, struct{}](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Root returns the cache directory.
func (d *Downloader) Root() string {
	return d.root
}

// Invalidate drops the in-process verification record for filename, forcing
// the next Fetch to re-hash (and possibly re-download) the file.
func (d *Downloader) Invalidate(filename string) {
	d.verified.Delete(filename)
}

// Fetch returns the path of a verified local copy of the artifact.
//
// Concurrent calls for the same filename coalesce onto a single transfer and
// share its outcome. The caller's context cancels only that caller's wait;
// the in-flight transfer keeps running for the remaining waiters.
func (d *Downloader) Fetch(ctx context.Context, art Artifact) (string, error) {
	if art.Filename == "" || strings.Contains(art.Filename, string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: invalid artifact filename %q", ErrDownloadFailed, art.Filename)
	}

	ch := d.group.DoChan(art.Filename, func() (interface{}, error) {
		return d.fetch(context.WithoutCancel(ctx), art)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// fetch runs at most once per filename at a time.
func (d *Downloader) fetch(ctx context.Context, art Artifact) (string, error) {
	local := filepath.Join(d.root, art.Filename)

	// Already confirmed this run.
	if d.verified.Exists(art.Filename) {
		return local, nil
	}

	// Cross-process guard around verify-download-install. The lock file is
	// removed afterwards so the cache stays a flat directory of artifacts.
	lockPath := local + ".lock"
	fileLock := flock.New(lockPath)
	if err := fileLock.Lock(); err != nil {
		return "", fmt.Errorf("%w: locking %q: %v", ErrDownloadFailed, art.Filename, err)
	}
	defer os.Remove(lockPath)
	defer fileLock.Unlock()

	switch valid, err := verifyFile(local, art.HashPrefix); {
	case err == nil && valid:
		log.Debug().Str("file", art.Filename).Msg("cached artifact verified, skipping download")
		d.verified.Set(art.Filename, struct{}{})
		return local, nil
	case err == nil && !valid:
		log.Warn().Str("file", art.Filename).Msg("cached artifact is corrupt, re-downloading")
		if err := os.Remove(local); err != nil {
			return "", fmt.Errorf("%w: removing corrupt %q: %v", ErrDownloadFailed, local, err)
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("%w: checking %q: %v", ErrDownloadFailed, local, err)
	}

	var lastErr error
	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			wait := d.backoff << (attempt - 1)
			log.Debug().Str("file", art.Filename).Int("attempt", attempt+1).Dur("wait", wait).
				Msg("retrying download")
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrDownloadFailed, ctx.Err())
			case <-time.After(wait):
			}
		}
		err := d.transfer(ctx, art, local)
		if err == nil {
			d.verified.Set(art.Filename, struct{}{})
			return local, nil
		}
		lastErr = err
		if errors.Is(err, errPermanent) {
			break
		}
	}
	return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, art.Filename, lastErr)
}

// transfer downloads the artifact to a temporary file, verifies the hash that
// was computed while streaming, and renames the file into place. A partial or
// mismatching file is never left at the final path.
func (d *Downloader) transfer(ctx context.Context, art Artifact, local string) error {
	log.Info().Str("url", art.URL).Msg("downloading artifact")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, art.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("unexpected status %d for %q", resp.StatusCode, art.URL)
		if resp.StatusCode < 500 {
			return fmt.Errorf("%w: %v", errPermanent, err)
		}
		return err
	}

	tmp := local + ".partial"
	if err := removePartialFile(tmp); err != nil {
		return err
	}
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: creating %q: %v", errPermanent, tmp, err)
	}

	pw := &progressWriter{
		fileName: art.Filename,
		total:    resp.ContentLength,
		hash:     sha256.New(),
		status:   d.progress,
		ctx:      ctx,
	}
	_, err = io.Copy(io.MultiWriter(out, pw), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		removePartialFile(tmp)
		return fmt.Errorf("writing %q: %w", tmp, err)
	}

	sum := hex.EncodeToString(pw.hash.Sum(nil))
	if !strings.HasPrefix(sum, art.HashPrefix) {
		removePartialFile(tmp)
		return fmt.Errorf("%w: hash mismatch for %q (got %s, want prefix %s)", errPermanent, art.Filename, sum[:8], art.HashPrefix)
	}
	if err := os.Rename(tmp, local); err != nil {
		removePartialFile(tmp)
		return fmt.Errorf("%w: installing %q: %v", errPermanent, local, err)
	}
	log.Info().Str("file", art.Filename).Msg("artifact downloaded and verified")
	return nil
}

func removePartialFile(tmp string) error {
	if _, err := os.Stat(tmp); err != nil {
		return nil
	}
	if err := os.Remove(tmp); err != nil {
		return fmt.Errorf("removing partial file %q: %w", tmp, err)
	}
	return nil
}

// verifyFile hashes the file at path and compares against the expected
// prefix. The error is os.IsNotExist-able when the file is absent.
func verifyFile(path, hashPrefix string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return strings.HasPrefix(hex.EncodeToString(h.Sum(nil)), hashPrefix), nil
}
