package bids

import (
	"nifti2bids/internal/models"
	"nifti2bids/pkg/config"
	"nifti2bids/pkg/sidecar"
)

// Kind identifies which acquisition a sidecar belongs to
type Kind int

const (
	KindUnknown Kind = iota
	KindT1w
	KindFLAIR
	KindBold
	KindBoldFieldMap
	KindDwi
	KindDwiFieldMap
	KindASL
	KindCBF
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindT1w:          "t1w",
	KindFLAIR:        "flair",
	KindBold:         "bold",
	KindBoldFieldMap: "boldFieldMap",
	KindDwi:          "dwi",
	KindDwiFieldMap:  "dwiFieldMap",
	KindASL:          "asl",
	KindCBF:          "cbf",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Category returns the directory the kind's entries are placed in,
// models.Uncategorized for KindUnknown
func (k Kind) Category() models.Category {
	switch k {
	case KindT1w, KindFLAIR:
		return models.Anat
	case KindBold:
		return models.Func
	case KindDwi:
		return models.Dwi
	case KindBoldFieldMap, KindDwiFieldMap:
		return models.Fmap
	case KindASL, KindCBF:
		return models.Perf
	default:
		return models.Uncategorized
	}
}

// Classifier maps SeriesDescription labels to kinds
type Classifier struct {
	labels map[string]Kind
}

// NewClassifier builds a classifier from the configured series labels.
// The YAML keys of config.Series match the kind names.
func NewClassifier(cfg *config.Config) *Classifier {
	byName := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		byName[name] = k
	}

	c := &Classifier{labels: make(map[string]Kind)}
	for key, label := range cfg.SeriesLabels() {
		if kind, ok := byName[key]; ok && label != "" {
			c.labels[label] = kind
		}
	}
	return c
}

// Classify returns the kind of a sidecar, KindUnknown for unrecognized labels
func (c *Classifier) Classify(m sidecar.Metadata) Kind {
	return c.labels[m.SeriesDescription()]
}
