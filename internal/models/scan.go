package models

import (
	"fmt"

	"nifti2bids/pkg/sidecar"
)

// Category is one of the modality directories of a BIDS subject tree
type Category int

const (
	Anat Category = iota
	Func
	Dwi
	Fmap
	Perf
)

// Uncategorized is the category of series that are not placed
const Uncategorized Category = -1

// Categories lists every category in the order the subject tree is created
var Categories = []Category{Anat, Func, Dwi, Fmap, Perf}

// Dir returns the directory name of the category under sub-<subject>
func (c Category) Dir() string {
	switch c {
	case Anat:
		return "anat"
	case Func:
		return "func"
	case Dwi:
		return "dwi"
	case Fmap:
		return "fmap"
	case Perf:
		return "perf"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) String() string { return c.Dir() }

// ScanRecord represents one dcm2niix output: a sidecar and its image
type ScanRecord struct {
	// SidecarPath is the path of the .json sidecar in the source session
	SidecarPath string

	// ImagePath is the path of the .nii.gz image next to the sidecar
	ImagePath string

	// BvalPath and BvecPath are the diffusion companions; they only
	// exist on disk for diffusion acquisitions
	BvalPath string
	BvecPath string

	// Metadata is the decoded sidecar
	Metadata sidecar.Metadata
}

// Placement is a single file put into the target tree
type Placement struct {
	// Path is the file's location in the target tree
	Path string

	// Target is the link target; empty when the file was written
	Target string
}

// Written reports whether the file was materialized rather than linked
func (p Placement) Written() bool { return p.Target == "" }

// TargetEntry groups the files placed for one scan under one base name
type TargetEntry struct {
	Category Category

	// BaseName is the BIDS name without extension, e.g. sub-1_T1w
	BaseName string

	// Source is the sidecar the entry was produced from
	Source string

	Files []Placement
}
