package zoo

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/convnets/zoo/pkg/downloader"
)

type options struct {
	ctx         context.Context
	pretrained  bool
	root        string
	numClasses  int
	strict      bool
	client      *http.Client
	releaseBase string
	progress    downloader.ProgressFunc

	retryAttempts int
	retryBase     time.Duration
}

// Option customizes a single GetModel call.
type Option func(*options)

// hasTransferOptions reports whether the call carries settings that only take
// effect when its cache root is first bound to a downloader.
func (o options) hasTransferOptions() bool {
	return o.client != nil || o.progress != nil || o.retryAttempts > 0 || o.retryBase > 0
}

func defaultOptions() options {
	return options{
		ctx:    context.Background(),
		root:   DefaultRoot(),
		strict: true,
	}
}

// DefaultRoot is the cache directory used when WithRoot is not given.
func DefaultRoot() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "convnets-zoo", "models")
}

// WithPretrained requests that published weights be fetched and loaded.
func WithPretrained() Option {
	return func(o *options) {
		o.pretrained = true
	}
}

// WithRoot overrides the cache directory.
func WithRoot(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.root = dir
		}
	}
}

// WithNumClasses replaces the classifier head size. With pretrained weights
// this only succeeds in permissive mode, since the stored head no longer
// matches.
func WithNumClasses(n int) Option {
	return func(o *options) {
		o.numClasses = n
	}
}

// WithStrict toggles strict shape matching during weight loading. Strict is
// the default.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// WithContext bounds the call, including any download wait.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithHTTPClient swaps the transport used for artifact transfer.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithReleaseBase points weight resolution at a different artifact store,
// e.g. a mirror.
func WithReleaseBase(base string) Option {
	return func(o *options) {
		o.releaseBase = base
	}
}

// WithProgress installs a download status callback.
func WithProgress(f downloader.ProgressFunc) Option {
	return func(o *options) {
		o.progress = f
	}
}

// WithRetry overrides the download retry schedule.
func WithRetry(attempts int, base time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryBase = base
	}
}
