package zoo_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/convnets/zoo"
	"github.com/convnets/zoo/pkg/safetensors"
	"github.com/convnets/zoo/pkg/tensor"
)

var _ = Describe("Zoo", func() {
	It("rejects an unknown architecture with suggestions", func() {
		_, err := zoo.GetModel("rsnet")
		Expect(errors.Is(err, zoo.ErrNotFound)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("resnet"))
	})

	It("rejects an unsupported variant", func() {
		_, err := zoo.GetModel("resnet19")
		Expect(errors.Is(err, zoo.ErrInvalidVariant)).To(BeTrue())
	})

	It("constructs a fresh model without touching the network", func() {
		m, err := zoo.GetModel("seresnet20_cifar10")
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Parameters()).NotTo(BeEmpty())
	})

	It("reports pretrained weight availability", func() {
		z, err := zoo.Default()
		Expect(err).NotTo(HaveOccurred())
		Expect(z.HasWeights("resnet18")).To(BeTrue())
		// valid variant, nothing published for it
		Expect(z.HasWeights("resnet12")).To(BeFalse())
		Expect(z.HasWeights("no_such_model")).To(BeFalse())
	})

	It("resizes the classifier head on request", func() {
		m, err := zoo.GetModel("resnet10_wd4", zoo.WithNumClasses(7))
		Expect(err).NotTo(HaveOccurred())
		var head *tensor.Tensor
		for _, p := range m.Parameters() {
			if p.Name == "output.fc.weight" {
				head = p.Data
			}
		}
		Expect(head).NotTo(BeNil())
		Expect(head.Shape[0]).To(Equal(7))
	})

	Describe("pretrained weights", func() {
		const modelName = "resnet10_wd4"

		var (
			root        string
			z           *zoo.Zoo
			server      *httptest.Server
			requests    atomic.Int64
			payload     []byte
			sha         string
			manifestDoc []byte
		)

		BeforeEach(func() {
			var err error
			root, err = os.MkdirTemp("", "zoo-test-*")
			Expect(err).NotTo(HaveOccurred())

			// Package a reference artifact from a deterministically filled
			// skeleton, so loaded values are distinguishable from fresh
			// initialization.
			ref, err := zoo.GetModel(modelName)
			Expect(err).NotTo(HaveOccurred())
			stored := make(map[string]*tensor.Tensor)
			for _, p := range ref.Parameters() {
				for i := range p.Data.Data {
					p.Data.Data[i] = float64(i%13) * 0.25
				}
				stored[p.Name] = p.Data
			}
			var buf bytes.Buffer
			Expect(safetensors.Write(&buf, stored)).To(Succeed())
			payload = buf.Bytes()
			sum := sha256.Sum256(payload)
			sha = hex.EncodeToString(sum[:])

			requests.Store(0)
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.Write(payload)
			}))

			manifestDoc = []byte(fmt.Sprintf(`release_base: %s
models:
  - name: %s
    quality: "2504"
    sha256: %s
    release: v0.0.1
`, server.URL, modelName, sha))
			z, err = zoo.NewWithManifest(manifestDoc)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			server.Close()
			os.RemoveAll(root)
		})

		It("downloads, verifies and loads published weights", func() {
			m, err := z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(err).NotTo(HaveOccurred())
			Expect(requests.Load()).To(Equal(int64(1)))

			for _, p := range m.Parameters() {
				if p.Name == "features.init_block.conv.weight" {
					// float32 on the wire
					Expect(p.Data.Data[1]).To(BeNumerically("~", 0.25, 1e-6))
					return
				}
			}
			Fail("init block conv weight not found")
		})

		It("serves repeat requests from the cache", func() {
			_, err := z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(err).NotTo(HaveOccurred())
			_, err = z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(err).NotTo(HaveOccurred())
			Expect(requests.Load()).To(Equal(int64(1)))
		})

		It("notes when per-call transfer options cannot rebind a cache root", func() {
			_, err := z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(err).NotTo(HaveOccurred())

			var logBuf bytes.Buffer
			prev := log.Logger
			log.Logger = zerolog.New(&logBuf)
			defer func() { log.Logger = prev }()

			// the root is already bound, so the retry schedule is ignored
			_, err = z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root),
				zoo.WithRetry(5, time.Millisecond))
			Expect(err).NotTo(HaveOccurred())
			Expect(logBuf.String()).To(ContainSubstring("ignoring per-call transfer options"))

			// without transfer options the repeat call stays quiet
			logBuf.Reset()
			_, err = z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(err).NotTo(HaveOccurred())
			Expect(logBuf.String()).NotTo(ContainSubstring("ignoring per-call transfer options"))
		})

		It("loads cached weights while the store is offline", func() {
			_, err := z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(err).NotTo(HaveOccurred())
			server.Close()

			// a fresh instance has no in-process verification state, so this
			// exercises the on-disk hash check
			offline, err := zoo.NewWithManifest(manifestDoc)
			Expect(err).NotTo(HaveOccurred())
			m, err := offline.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Parameters()).NotTo(BeEmpty())
		})

		It("fails with a download error when the store is unreachable and nothing is cached", func() {
			server.Close()
			_, err := z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root),
				zoo.WithRetry(2, time.Millisecond))
			Expect(errors.Is(err, zoo.ErrDownloadFailed)).To(BeTrue())
		})

		It("refuses a resized head in strict mode", func() {
			_, err := z.GetModel(modelName,
				zoo.WithPretrained(), zoo.WithRoot(root), zoo.WithNumClasses(10))
			Expect(errors.Is(err, zoo.ErrShapeMismatch)).To(BeTrue())
		})

		It("keeps the fresh head in permissive mode", func() {
			m, err := z.GetModel(modelName,
				zoo.WithPretrained(), zoo.WithRoot(root),
				zoo.WithNumClasses(10), zoo.WithStrict(false))
			Expect(err).NotTo(HaveOccurred())

			var head, stem *tensor.Tensor
			for _, p := range m.Parameters() {
				switch p.Name {
				case "output.fc.weight":
					head = p.Data
				case "features.init_block.conv.weight":
					stem = p.Data
				}
			}
			Expect(head.Shape[0]).To(Equal(10))
			// backbone came from the artifact, head kept its initialization
			Expect(stem.Data[1]).To(BeNumerically("~", 0.25, 1e-6))
			Expect(head.Data[1]).NotTo(BeNumerically("~", 0.25, 1e-6))
		})

		It("reports variants without published weights", func() {
			_, err := z.GetModel("resnet34", zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(errors.Is(err, zoo.ErrNoPretrainedWeights)).To(BeTrue())
		})

		It("surfaces a corrupted artifact store as a download failure", func() {
			bad := fmt.Sprintf(`release_base: %s
models:
  - name: %s
    quality: "2504"
    sha256: %s
    release: v0.0.1
`, server.URL, modelName, "0000000000000000000000000000000000000000000000000000000000000000")
			zb, err := zoo.NewWithManifest([]byte(bad))
			Expect(err).NotTo(HaveOccurred())

			_, err = zb.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root))
			Expect(errors.Is(err, zoo.ErrDownloadFailed)).To(BeTrue())
		})

		It("honors a per-call release base override", func() {
			mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(payload)
			}))
			defer mirror.Close()

			// manifest points at the primary store, the call redirects to the
			// mirror and the primary never sees a request
			m, err := z.GetModel(modelName, zoo.WithPretrained(), zoo.WithRoot(root),
				zoo.WithReleaseBase(mirror.URL))
			Expect(err).NotTo(HaveOccurred())
			Expect(m).NotTo(BeNil())
			Expect(requests.Load()).To(Equal(int64(0)))
		})
	})
})
