package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// Dataset tags the classification task a variant was trained for.
type Dataset string

const (
	DatasetImageNet Dataset = "imagenet"
	DatasetCIFAR10  Dataset = "cifar10"
	DatasetCIFAR100 Dataset = "cifar100"
	DatasetSVHN     Dataset = "svhn"
)

// Classes returns the label count of the dataset.
func (d Dataset) Classes() int {
	switch d {
	case DatasetCIFAR10, DatasetSVHN:
		return 10
	case DatasetCIFAR100:
		return 100
	default:
		return 1000
	}
}

// Group is a cardinality/bottleneck-width pair, the NeXt-style "32x4d" token.
type Group struct {
	Cardinality     int
	BottleneckWidth int
}

// Variant is the parsed modifier set of one requested model name.
type Variant struct {
	Depth      int
	WidthScale float64
	Group      Group
	Alpha      int
	Dataset    Dataset

	// Classes overrides the dataset's label count when the caller asks for
	// a custom head. Zero means use the dataset default.
	Classes int
}

// NumClasses returns the effective output size of the variant's head.
func (v Variant) NumClasses() int {
	if v.Classes > 0 {
		return v.Classes
	}
	return v.Dataset.Classes()
}

// widthTokens is the modifier vocabulary for width fractions, shared by every
// family that supports channel scaling.
var widthTokens = map[string]float64{
	"wd4":  0.25,
	"wd2":  0.5,
	"w3d4": 0.75,
	"w3d2": 1.5,
	"w2":   2.0,
}

var datasetTokens = map[string]Dataset{
	"cifar10":  DatasetCIFAR10,
	"cifar100": DatasetCIFAR100,
	"svhn":     DatasetSVHN,
}

// widthToken renders a width scale back into its canonical token, or "" for
// the unscaled network.
func widthToken(scale float64) string {
	for tok, s := range widthTokens {
		if s == scale {
			return tok
		}
	}
	return ""
}

// parseVariant decomposes the remainder of a model name, after the base id
// has been stripped, into modifier values. The remainder looks like
// "18", "18_wd2", "50_32x4d", "20_cifar10", "110_a48_cifar10".
func parseVariant(rest string) (Variant, error) {
	v := Variant{WidthScale: 1, Dataset: DatasetImageNet}

	// A leading integer is the depth modifier.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		v.Depth, _ = strconv.Atoi(rest[:i])
		rest = rest[i:]
	}
	if rest == "" {
		return v, nil
	}
	if !strings.HasPrefix(rest, "_") {
		return Variant{}, fmt.Errorf("unparseable modifier %q", rest)
	}

	for _, tok := range strings.Split(rest[1:], "_") {
		switch {
		case tok == "":
			return Variant{}, fmt.Errorf("empty modifier token")
		case widthTokens[tok] != 0:
			if v.WidthScale != 1 {
				return Variant{}, fmt.Errorf("duplicate width modifier %q", tok)
			}
			v.WidthScale = widthTokens[tok]
		case datasetTokens[tok] != "":
			if v.Dataset != DatasetImageNet {
				return Variant{}, fmt.Errorf("duplicate dataset modifier %q", tok)
			}
			v.Dataset = datasetTokens[tok]
		case parseGroupToken(tok, &v.Group):
			// parsed in place
		case parseAlphaToken(tok, &v.Alpha):
			// parsed in place
		default:
			return Variant{}, fmt.Errorf("unknown modifier token %q", tok)
		}
	}
	return v, nil
}

// parseGroupToken recognizes "<C>x<W>d" cardinality tokens such as "32x4d".
func parseGroupToken(tok string, out *Group) bool {
	if out.Cardinality != 0 || !strings.HasSuffix(tok, "d") {
		return false
	}
	c, w, ok := strings.Cut(strings.TrimSuffix(tok, "d"), "x")
	if !ok {
		return false
	}
	card, err1 := strconv.Atoi(c)
	width, err2 := strconv.Atoi(w)
	if err1 != nil || err2 != nil || card <= 0 || width <= 0 {
		return false
	}
	out.Cardinality, out.BottleneckWidth = card, width
	return true
}

// parseAlphaToken recognizes "a<N>" widening tokens such as "a48".
func parseAlphaToken(tok string, out *int) bool {
	if *out != 0 || len(tok) < 2 || tok[0] != 'a' {
		return false
	}
	n, err := strconv.Atoi(tok[1:])
	if err != nil || n <= 0 {
		return false
	}
	*out = n
	return true
}

func (v Variant) checkAgainst(c Constraints) error {
	if v.Depth == 0 && len(c.Depths) > 0 {
		return fmt.Errorf("depth modifier required, one of %v", c.Depths)
	}
	if v.Depth != 0 {
		if !containsInt(c.Depths, v.Depth) {
			return fmt.Errorf("unsupported depth %d, want one of %v", v.Depth, c.Depths)
		}
	}
	if v.WidthScale != 1 && !containsFloat(c.WidthScales, v.WidthScale) {
		return fmt.Errorf("unsupported width scale %v", v.WidthScale)
	}
	if v.Group.Cardinality == 0 && len(c.Groups) > 0 {
		return fmt.Errorf("cardinality modifier required")
	}
	if v.Group.Cardinality != 0 {
		ok := false
		for _, g := range c.Groups {
			if g == v.Group {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unsupported cardinality %dx%dd", v.Group.Cardinality, v.Group.BottleneckWidth)
		}
	}
	if v.Alpha == 0 && len(c.Alphas) > 0 {
		return fmt.Errorf("alpha modifier required, one of %v", c.Alphas)
	}
	if v.Alpha != 0 && !containsInt(c.Alphas, v.Alpha) {
		return fmt.Errorf("unsupported alpha %d, want one of %v", v.Alpha, c.Alphas)
	}
	if !c.allowsDataset(v.Dataset) {
		return fmt.Errorf("unsupported dataset %q", v.Dataset)
	}
	return nil
}

// Canonical reconstructs the full variant name for a base id. It is the cache
// and manifest key, so its token order is fixed.
func (v Variant) Canonical(baseID string) string {
	var sb strings.Builder
	sb.WriteString(baseID)
	if v.Depth > 0 {
		fmt.Fprintf(&sb, "%d", v.Depth)
	}
	if v.Group.Cardinality > 0 {
		fmt.Fprintf(&sb, "_%dx%dd", v.Group.Cardinality, v.Group.BottleneckWidth)
	}
	if tok := widthToken(v.WidthScale); tok != "" {
		sb.WriteString("_" + tok)
	}
	if v.Alpha > 0 {
		fmt.Fprintf(&sb, "_a%d", v.Alpha)
	}
	if v.Dataset != DatasetImageNet {
		sb.WriteString("_" + string(v.Dataset))
	}
	return sb.String()
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsFloat(xs []float64, x float64) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
