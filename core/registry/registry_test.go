package registry_test

import (
	"errors"
	"fmt"

	. "github.com/convnets/zoo/core/registry"
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/convnets/zoo/pkg/nn"
	"github.com/convnets/zoo/pkg/tensor"
)

type fakeModel struct{ v Variant }

func (m *fakeModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }
func (m *fakeModel) Parameters() []*nn.Parameter                      { return nil }

func fakeBuilder(v Variant) (nn.Model, error) {
	return &fakeModel{v: v}, nil
}

func buildTestRegistry() *Registry {
	reg, err := NewBuilder().
		Register("resnet", fakeBuilder, Constraints{
			Depths:      []int{18, 34, 50},
			WidthScales: []float64{0.25, 0.5},
		}).
		Register("seresnet", fakeBuilder, Constraints{
			Depths:   []int{20, 56},
			Datasets: []Dataset{DatasetCIFAR10, DatasetCIFAR100},
		}).
		Register("shufflenetv2", fakeBuilder, Constraints{}).
		Register("shufflenetv2b", fakeBuilder, Constraints{
			WidthScales: []float64{0.5, 2.0},
		}).
		Register("resnext", fakeBuilder, Constraints{
			Depths: []int{50},
			Groups: []Group{{Cardinality: 32, BottleneckWidth: 4}},
		}).
		Build()
	Expect(err).NotTo(HaveOccurred())
	return reg
}

var _ = ginkgo.Describe("Registry", func() {
	var reg *Registry

	ginkgo.BeforeEach(func() {
		reg = buildTestRegistry()
	})

	ginkgo.Context("building", func() {
		ginkgo.It("rejects duplicate ids", func() {
			_, err := NewBuilder().
				Register("resnet", fakeBuilder, Constraints{}).
				Register("resnet", fakeBuilder, Constraints{}).
				Build()
			Expect(err).To(MatchError(ContainSubstring("duplicate")))
		})

		ginkgo.It("lists names sorted", func() {
			Expect(reg.Names()).To(Equal([]string{
				"resnet", "resnext", "seresnet", "shufflenetv2", "shufflenetv2b",
			}))
		})
	})

	ginkgo.Context("lookup", func() {
		ginkgo.It("resolves every registered id through its default variant", func() {
			for _, id := range reg.Names() {
				entry := reg.Entry(id)
				Expect(entry).NotTo(BeNil())
				name := id
				if len(entry.Constraints.Depths) > 0 {
					name = fmt.Sprintf("%s%d", id, entry.Constraints.Depths[0])
				}
				if len(entry.Constraints.Groups) > 0 {
					g := entry.Constraints.Groups[0]
					name = fmt.Sprintf("%s_%dx%dd", name, g.Cardinality, g.BottleneckWidth)
				}
				if len(entry.Constraints.Datasets) > 0 {
					name = fmt.Sprintf("%s_%s", name, entry.Constraints.Datasets[0])
				}
				found, _, err := reg.Lookup(name)
				Expect(err).NotTo(HaveOccurred(), "lookup %q", name)
				Expect(found.ID).To(Equal(id))
			}
		})

		ginkgo.It("parses depth and width modifiers", func() {
			entry, v, err := reg.Lookup("resnet18_wd2")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.ID).To(Equal("resnet"))
			Expect(v.Depth).To(Equal(18))
			Expect(v.WidthScale).To(Equal(0.5))
			Expect(v.Dataset).To(Equal(DatasetImageNet))
		})

		ginkgo.It("parses dataset suffixes", func() {
			_, v, err := reg.Lookup("seresnet20_cifar100")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Dataset).To(Equal(DatasetCIFAR100))
			Expect(v.NumClasses()).To(Equal(100))
		})

		ginkgo.It("parses cardinality tokens", func() {
			_, v, err := reg.Lookup("resnext50_32x4d")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Group).To(Equal(Group{Cardinality: 32, BottleneckWidth: 4}))
		})

		ginkgo.It("prefers the longer of two matching base ids", func() {
			entry, v, err := reg.Lookup("shufflenetv2b_wd2")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.ID).To(Equal("shufflenetv2b"))
			Expect(v.WidthScale).To(Equal(0.5))
		})

		ginkgo.It("falls back to a shorter base id when the longer cannot claim the name", func() {
			entry, _, err := reg.Lookup("shufflenetv2")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.ID).To(Equal("shufflenetv2"))
		})

		ginkgo.It("fails with NotFound for unknown architectures", func() {
			_, _, err := reg.Lookup("nonexistent_model")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		ginkgo.It("suggests similar names on NotFound", func() {
			_, _, err := reg.Lookup("rsnet")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("resnet"))
		})

		ginkgo.It("fails with InvalidVariant for an unsupported depth", func() {
			_, _, err := reg.Lookup("resnet19")
			Expect(errors.Is(err, ErrInvalidVariant)).To(BeTrue())
		})

		ginkgo.It("fails with InvalidVariant for an unsupported width", func() {
			_, _, err := reg.Lookup("resnet18_w2")
			Expect(errors.Is(err, ErrInvalidVariant)).To(BeTrue())
		})

		ginkgo.It("fails with InvalidVariant for an unsupported dataset", func() {
			_, _, err := reg.Lookup("resnet18_cifar10")
			Expect(errors.Is(err, ErrInvalidVariant)).To(BeTrue())
		})

		ginkgo.It("fails with InvalidVariant for a missing required depth", func() {
			_, _, err := reg.Lookup("resnet")
			Expect(errors.Is(err, ErrInvalidVariant)).To(BeTrue())
		})

		ginkgo.It("fails with InvalidVariant for garbage modifiers", func() {
			_, _, err := reg.Lookup("resnet18_foobar")
			Expect(errors.Is(err, ErrInvalidVariant)).To(BeTrue())
		})
	})

	ginkgo.Context("canonical names", func() {
		ginkgo.It("round-trips parsed variants", func() {
			for _, name := range []string{
				"resnet18",
				"resnet18_wd2",
				"seresnet20_cifar10",
				"resnext50_32x4d",
				"shufflenetv2b_wd2",
			} {
				entry, v, err := reg.Lookup(name)
				Expect(err).NotTo(HaveOccurred())
				Expect(v.Canonical(entry.ID)).To(Equal(name))
			}
		})

		ginkgo.It("is unaffected by a classes override", func() {
			entry, v, err := reg.Lookup("resnet18")
			Expect(err).NotTo(HaveOccurred())
			v.Classes = 10
			Expect(v.Canonical(entry.ID)).To(Equal("resnet18"))
			Expect(v.NumClasses()).To(Equal(10))
		})
	})

	ginkgo.Context("search", func() {
		ginkgo.It("matches substrings and fuzzy terms", func() {
			Expect(reg.Search("shuffle")).To(ContainElements("shufflenetv2", "shufflenetv2b"))
			Expect(reg.Search("rsnxt")).To(ContainElement("resnext"))
		})
	})
})
