package downloader_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/convnets/zoo/pkg/downloader"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Downloader", func() {
	var (
		dir      string
		payload  []byte
		prefix   string
		requests atomic.Int64
		server   *httptest.Server
	)

	artifact := func() Artifact {
		return Artifact{
			Filename:   "resnet18-0556-" + prefix + ".safetensors",
			URL:        server.URL + "/v0.0.1/resnet18-0556-" + prefix + ".safetensors",
			HashPrefix: prefix,
		}
	}

	newDownloader := func(opts ...Option) *Downloader {
		opts = append([]Option{WithRetry(3, 10*time.Millisecond)}, opts...)
		d, err := New(dir, opts...)
		Expect(err).NotTo(HaveOccurred())
		return d
	}

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "cache-test-*")
		Expect(err).NotTo(HaveOccurred())

		payload = make([]byte, 20000)
		_, err = rand.Read(payload)
		Expect(err).NotTo(HaveOccurred())
		sum := sha256.Sum256(payload)
		prefix = hex.EncodeToString(sum[:])[:8]

		requests.Store(0)
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
		}))
	})

	AfterEach(func() {
		server.Close()
		os.RemoveAll(dir)
	})

	It("downloads, verifies and installs an artifact", func() {
		d := newDownloader()
		path, err := d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(filepath.Join(dir, artifact().Filename)))

		got, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(payload))
		Expect(requests.Load()).To(Equal(int64(1)))

		// no partial file left behind
		_, err = os.Stat(path + ".partial")
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("keeps the cache root free of lock files", func() {
		d := newDownloader()
		_, err := d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())

		d.Invalidate(artifact().Filename)
		_, err = d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())

		locks, err := filepath.Glob(filepath.Join(dir, "*.lock"))
		Expect(err).NotTo(HaveOccurred())
		Expect(locks).To(BeEmpty())
	})

	It("is idempotent for an already-cached valid artifact", func() {
		d := newDownloader()
		_, err := d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		_, err = d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		Expect(requests.Load()).To(Equal(int64(1)))
	})

	It("accepts a pre-existing valid file without any transfer", func() {
		Expect(os.WriteFile(filepath.Join(dir, artifact().Filename), payload, 0o644)).To(Succeed())
		d := newDownloader()
		_, err := d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		Expect(requests.Load()).To(Equal(int64(0)))
	})

	It("re-downloads a corrupted cached file exactly once", func() {
		local := filepath.Join(dir, artifact().Filename)
		Expect(os.WriteFile(local, []byte("corrupted bytes"), 0o644)).To(Succeed())

		d := newDownloader()
		path, err := d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		Expect(requests.Load()).To(Equal(int64(1)))

		got, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(payload))
	})

	It("re-verifies after explicit invalidation", func() {
		d := newDownloader()
		_, err := d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())

		// corrupt the installed file behind the cache's back
		local := filepath.Join(dir, artifact().Filename)
		Expect(os.WriteFile(local, []byte("tampered"), 0o644)).To(Succeed())

		// without invalidation the in-process record short-circuits
		_, err = d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		Expect(requests.Load()).To(Equal(int64(1)))

		d.Invalidate(artifact().Filename)
		_, err = d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		Expect(requests.Load()).To(Equal(int64(2)))
	})

	It("coalesces concurrent fetches into one transfer", func() {
		release := make(chan struct{})
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			<-release
			w.Write(payload)
		}))
		defer slow.Close()

		art := artifact()
		art.URL = slow.URL + "/" + art.Filename

		d := newDownloader()
		const callers = 8
		var wg sync.WaitGroup
		paths := make([]string, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				paths[i], errs[i] = d.Fetch(context.Background(), art)
			}(i)
		}
		time.Sleep(100 * time.Millisecond)
		close(release)
		wg.Wait()

		Expect(requests.Load()).To(Equal(int64(1)))
		for i := 0; i < callers; i++ {
			Expect(errs[i]).NotTo(HaveOccurred())
			Expect(paths[i]).To(Equal(paths[0]))
		}
	})

	It("shares a failure with every coalesced waiter", func() {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer failing.Close()

		art := artifact()
		art.URL = failing.URL + "/" + art.Filename

		d := newDownloader()
		const callers = 4
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = d.Fetch(context.Background(), art)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			Expect(errors.Is(errs[i], ErrDownloadFailed)).To(BeTrue(), "caller %d: %v", i, errs[i])
		}
	})

	It("retries transient server errors with backoff", func() {
		var hits atomic.Int64
		flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write(payload)
		}))
		defer flaky.Close()

		art := artifact()
		art.URL = flaky.URL + "/" + art.Filename

		d := newDownloader()
		_, err := d.Fetch(context.Background(), art)
		Expect(err).NotTo(HaveOccurred())
		Expect(hits.Load()).To(Equal(int64(3)))
	})

	It("gives up after exhausting retries", func() {
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer down.Close()

		art := artifact()
		art.URL = down.URL + "/" + art.Filename

		d := newDownloader()
		_, err := d.Fetch(context.Background(), art)
		Expect(errors.Is(err, ErrDownloadFailed)).To(BeTrue())
		Expect(requests.Load()).To(Equal(int64(3)))
	})

	It("does not retry a 404", func() {
		gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer gone.Close()

		art := artifact()
		art.URL = gone.URL + "/" + art.Filename

		d := newDownloader()
		_, err := d.Fetch(context.Background(), art)
		Expect(errors.Is(err, ErrDownloadFailed)).To(BeTrue())
		Expect(requests.Load()).To(Equal(int64(1)))
	})

	It("rejects a download whose bytes do not match the declared hash", func() {
		art := artifact()
		art.HashPrefix = "00000000"

		d := newDownloader()
		_, err := d.Fetch(context.Background(), art)
		Expect(errors.Is(err, ErrDownloadFailed)).To(BeTrue())
		// hash mismatch is permanent, no retries
		Expect(requests.Load()).To(Equal(int64(1)))

		// neither final nor partial file installed
		local := filepath.Join(dir, art.Filename)
		_, err = os.Stat(local)
		Expect(os.IsNotExist(err)).To(BeTrue())
		_, err = os.Stat(local + ".partial")
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("fails when the artifact store is unreachable", func() {
		art := artifact()
		art.URL = "http://127.0.0.1:1/" + art.Filename

		d := newDownloader()
		_, err := d.Fetch(context.Background(), art)
		Expect(errors.Is(err, ErrDownloadFailed)).To(BeTrue())
	})

	It("aborts only the canceled caller's wait", func() {
		release := make(chan struct{})
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			<-release
			w.Write(payload)
		}))
		defer slow.Close()

		art := artifact()
		art.URL = slow.URL + "/" + art.Filename

		d := newDownloader()
		ctx, cancel := context.WithCancel(context.Background())

		canceled := make(chan error, 1)
		go func() {
			_, err := d.Fetch(ctx, art)
			canceled <- err
		}()
		patient := make(chan error, 1)
		go func() {
			_, err := d.Fetch(context.Background(), art)
			patient <- err
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()
		Expect(errors.Is(<-canceled, context.Canceled)).To(BeTrue())

		close(release)
		Expect(<-patient).NotTo(HaveOccurred())
		Expect(requests.Load()).To(Equal(int64(1)))
	})

	It("rejects path-traversing filenames", func() {
		d := newDownloader()
		_, err := d.Fetch(context.Background(), Artifact{
			Filename:   "../evil",
			URL:        server.URL,
			HashPrefix: prefix,
		})
		Expect(errors.Is(err, ErrDownloadFailed)).To(BeTrue())
	})

	It("reports progress while transferring", func() {
		var calls atomic.Int64
		d := newDownloader(WithProgress(func(file, written, total string, pct float64) {
			calls.Add(1)
		}))
		_, err := d.Fetch(context.Background(), artifact())
		Expect(err).NotTo(HaveOccurred())
		Expect(calls.Load()).To(BeNumerically(">", 0))
	})
})
