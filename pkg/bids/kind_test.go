package bids

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nifti2bids/internal/models"
	"nifti2bids/pkg/config"
	"nifti2bids/pkg/sidecar"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(config.DefaultConfig())

	tests := []struct {
		label string
		want  Kind
	}{
		{"3D Sag T1 MPRAGE", KindT1w},
		{"3D Sag T2 FLAIR Cube", KindFLAIR},
		{"fMRI PA", KindBold},
		{"fMRI AP flip polarity", KindBoldFieldMap},
		{"Ax DWI HARDI 96dir PA", KindDwi},
		{"Ax DWI HARDI 6dir AP flip polarity", KindDwiFieldMap},
		{"3D Ax ASL PLD 1525", KindASL},
		{"CBF", KindCBF},
		{"cbf", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got := c.Classify(sidecar.Metadata{sidecar.FieldSeriesDescription: tt.label})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKindCategory(t *testing.T) {
	assert.Equal(t, models.Anat, KindT1w.Category())
	assert.Equal(t, models.Anat, KindFLAIR.Category())
	assert.Equal(t, models.Func, KindBold.Category())
	assert.Equal(t, models.Fmap, KindBoldFieldMap.Category())
	assert.Equal(t, models.Dwi, KindDwi.Category())
	assert.Equal(t, models.Fmap, KindDwiFieldMap.Category())
	assert.Equal(t, models.Perf, KindASL.Category())
	assert.Equal(t, models.Perf, KindCBF.Category())
	assert.Equal(t, models.Uncategorized, KindUnknown.Category())
	assert.Equal(t, models.Uncategorized, Kind(99).Category())
}

func TestKindNamesMatchConfigKeys(t *testing.T) {
	labels := config.DefaultConfig().SeriesLabels()
	for k, name := range kindNames {
		if k == KindUnknown {
			continue
		}
		assert.Contains(t, labels, name, "kind %d has no series.%s config key", k, name)
	}
	assert.Len(t, labels, len(kindNames)-1)
	assert.Equal(t, "unknown", Kind(99).String())
}
