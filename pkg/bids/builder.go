// Package bids lays out one dcm2niix session as a BIDS subject.
//
// Every sidecar of the session is classified by its SeriesDescription and
// handed to the handler for its kind. Handlers link the original files
// into the subject tree under their BIDS names, rewrite sidecars that need
// cross references, and materialize the b=0 volumes of the diffusion field
// map as a new image.
package bids

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"nifti2bids/internal/models"
	"nifti2bids/pkg/config"
	"nifti2bids/pkg/gradient"
	"nifti2bids/pkg/nifti"
	"nifti2bids/pkg/sidecar"
)

const (
	extJSON  = ".json"
	extImage = ".nii.gz"
	extBval  = ".bval"
	extBvec  = ".bvec"
)

var (
	// ErrSourceMissing is returned when the session directory does not exist
	ErrSourceMissing = errors.New("source session directory missing")

	// ErrTargetCollision is returned when two sidecars map to the same BIDS file
	ErrTargetCollision = errors.New("target already placed in this run")

	// ErrMissingImageType is returned for ASL sidecars without ImageType
	ErrMissingImageType = errors.New("sidecar has no ImageType")

	// ErrNoReferenceVolumes is returned when a diffusion field map has no b=0 volume
	ErrNoReferenceVolumes = errors.New("no b=0 volumes")

	// ErrVolumeCountMismatch is returned when b-values and image volumes disagree
	ErrVolumeCountMismatch = errors.New("b-value count does not match volume count")
)

// Params holds everything a Builder needs to run
type Params struct {
	// Config supplies the roots, series labels and conversion options
	Config *config.Config

	// Source is the filesystem holding the dcm2niix sessions
	Source afero.Fs

	// Placer receives every directory, link and file of the subject tree
	Placer Placer

	// Logger receives progress; nil disables logging
	Logger *zap.Logger
}

// Skip records a sidecar that produced no entry
type Skip struct {
	Sidecar string
	Label   string
	Reason  string
}

// Report describes what a run placed
type Report struct {
	RunID      string
	Session    string
	Subject    string
	SubjectDir string
	Entries    []models.TargetEntry
	Skipped    []Skip
}

// Builder converts sessions into BIDS subjects
type Builder struct {
	cfg        *config.Config
	src        afero.Fs
	placer     Placer
	logger     *zap.Logger
	classifier *Classifier
}

// NewBuilder creates a builder from params
func NewBuilder(params *Params) *Builder {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		cfg:        params.Config,
		src:        params.Source,
		placer:     params.Placer,
		logger:     logger,
		classifier: NewClassifier(params.Config),
	}
}

// run is the state of one Process call
type run struct {
	*Builder
	report     *Report
	logger     *zap.Logger
	subjectDir string

	// placed maps every target path to the sidecar that produced it
	placed map[string]string
}

// Process converts session into sub-<subject>. On error the returned
// report lists what was placed before the failure; nothing is cleaned up.
func (b *Builder) Process(session, subject string) (*Report, error) {
	report := &Report{
		RunID:      uuid.NewString(),
		Session:    session,
		Subject:    subject,
		SubjectDir: filepath.Join(b.cfg.Layout.TargetRoot, "sub-"+subject),
	}
	r := &run{
		Builder:    b,
		report:     report,
		subjectDir: report.SubjectDir,
		placed:     make(map[string]string),
		logger: b.logger.With(
			zap.String("run_id", report.RunID),
			zap.String("session", session),
			zap.String("subject", subject),
		),
	}

	sessionDir := filepath.Join(b.cfg.Layout.SourceRoot, session)
	info, err := b.src.Stat(sessionDir)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrSourceMissing, err)
	}
	if !info.IsDir() {
		return report, fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, sessionDir)
	}

	// Step 1: create the subject tree
	if err := r.createSubjectTree(); err != nil {
		return report, err
	}

	// Step 2: discover sidecars
	sidecars, err := afero.Glob(b.src, filepath.Join(sessionDir, "*"+extJSON))
	if err != nil {
		return report, fmt.Errorf("listing sidecars in %s: %w", sessionDir, err)
	}
	r.logger.Info("discovered sidecars", zap.Int("count", len(sidecars)))

	// Step 3: classify and place each scan
	for _, p := range sidecars {
		if err := r.convert(p); err != nil {
			return report, fmt.Errorf("converting %s: %w", p, err)
		}
	}

	r.logger.Info("conversion finished",
		zap.Int("entries", len(report.Entries)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

// createSubjectTree creates sub-<subject> and its category directories.
// The subject directory must not exist yet.
func (r *run) createSubjectTree() error {
	if err := r.placer.Mkdir(r.cfg.Layout.TargetRoot); err != nil && !errors.Is(err, afero.ErrFileExists) {
		return fmt.Errorf("creating target root: %w", err)
	}
	if err := r.placer.Mkdir(r.subjectDir); err != nil {
		return fmt.Errorf("creating subject directory: %w", err)
	}
	for _, c := range models.Categories {
		if err := r.placer.Mkdir(filepath.Join(r.subjectDir, c.Dir())); err != nil {
			return fmt.Errorf("creating %s directory: %w", c.Dir(), err)
		}
	}
	return nil
}

// convert loads one sidecar and dispatches it on its kind. Field types
// are only checked for recognized series.
func (r *run) convert(sidecarPath string) error {
	data, err := afero.ReadFile(r.src, sidecarPath)
	if err != nil {
		return err
	}
	meta, err := sidecar.Decode(data)
	if err != nil {
		return err
	}

	stem := strings.TrimSuffix(sidecarPath, extJSON)
	rec := &models.ScanRecord{
		SidecarPath: sidecarPath,
		ImagePath:   stem + extImage,
		BvalPath:    stem + extBval,
		BvecPath:    stem + extBvec,
		Metadata:    meta,
	}

	kind := r.classifier.Classify(meta)
	if kind == KindUnknown {
		r.skip(rec, "unrecognized series")
		return nil
	}
	if err := meta.Validate(); err != nil {
		return err
	}

	switch kind {
	case KindT1w, KindFLAIR, KindCBF:
		return r.linkScan(rec, kind, r.baseName(kind))
	case KindBold:
		return r.annotateScan(rec, kind, sidecar.FieldTaskName, r.cfg.Task.Name)
	case KindBoldFieldMap:
		return r.annotateScan(rec, kind, sidecar.FieldIntendedFor, r.imageRef(KindBold))
	case KindDwi:
		return r.linkDiffusion(rec)
	case KindDwiFieldMap:
		return r.deriveDiffusionFieldMap(rec)
	case KindASL:
		return r.linkPerfusion(rec)
	default:
		return fmt.Errorf("no handler for %s series", kind)
	}
}

// baseName returns the BIDS file name, without extension, for a kind.
// KindASL is split on ImageType by linkPerfusion and has no single name.
func (r *run) baseName(kind Kind) string {
	var suffix string
	switch kind {
	case KindT1w:
		suffix = "T1w"
	case KindFLAIR:
		suffix = "FLAIR"
	case KindBold:
		suffix = "task-" + r.cfg.Task.Name + "_bold"
	case KindBoldFieldMap:
		suffix = "acq-GE_dir-AP_epi"
	case KindDwi:
		suffix = "dwi"
	case KindDwiFieldMap:
		suffix = "acq-SE_dir-AP_epi"
	case KindCBF:
		suffix = "cbf"
	}
	return "sub-" + r.report.Subject + "_" + suffix
}

// imageRef is the subject-relative path of a kind's image, as used by IntendedFor
func (r *run) imageRef(kind Kind) string {
	return path.Join(kind.Category().Dir(), r.baseName(kind)+extImage)
}

// linkScan links image and sidecar unchanged
func (r *run) linkScan(rec *models.ScanRecord, kind Kind, base string) error {
	entry := r.newEntry(rec, kind, base)
	if err := r.link(entry, rec.SidecarPath, extJSON); err != nil {
		return err
	}
	if err := r.link(entry, rec.ImagePath, extImage); err != nil {
		return err
	}
	r.commit(entry)
	return nil
}

// annotateScan writes the sidecar with key set to value and links the image
func (r *run) annotateScan(rec *models.ScanRecord, kind Kind, key, value string) error {
	entry := r.newEntry(rec, kind, r.baseName(kind))
	if err := r.writeSidecar(entry, rec.Metadata.With(key, value)); err != nil {
		return err
	}
	if err := r.link(entry, rec.ImagePath, extImage); err != nil {
		return err
	}
	r.commit(entry)
	return nil
}

// linkDiffusion links the DWI series together with its gradient table
func (r *run) linkDiffusion(rec *models.ScanRecord) error {
	if r.cfg.Diffusion.ValidateGradients {
		if err := r.validateGradients(rec); err != nil {
			return err
		}
	}

	entry := r.newEntry(rec, KindDwi, r.baseName(KindDwi))
	for _, f := range []struct{ src, ext string }{
		{rec.SidecarPath, extJSON},
		{rec.ImagePath, extImage},
		{rec.BvalPath, extBval},
		{rec.BvecPath, extBvec},
	} {
		if err := r.link(entry, f.src, f.ext); err != nil {
			return err
		}
	}
	r.commit(entry)
	return nil
}

func (r *run) validateGradients(rec *models.ScanRecord) error {
	bvals, err := r.readBvals(rec.BvalPath)
	if err != nil {
		return err
	}

	f, err := r.src.Open(rec.BvecPath)
	if err != nil {
		return fmt.Errorf("opening b-vectors: %w", err)
	}
	defer f.Close()
	bvecs, err := gradient.ReadBvecs(f)
	if err != nil {
		return fmt.Errorf("%s: %w", rec.BvecPath, err)
	}

	if err := gradient.Validate(bvals, bvecs); err != nil {
		return fmt.Errorf("gradient table of %s: %w", rec.SidecarPath, err)
	}
	return nil
}

// deriveDiffusionFieldMap writes the reverse phase-encoded diffusion series
// as a field map made of its b=0 volumes only
func (r *run) deriveDiffusionFieldMap(rec *models.ScanRecord) error {
	entry := r.newEntry(rec, KindDwiFieldMap, r.baseName(KindDwiFieldMap))
	meta := rec.Metadata.With(sidecar.FieldIntendedFor, r.imageRef(KindDwi))
	if err := r.writeSidecar(entry, meta); err != nil {
		return err
	}

	bvals, err := r.readBvals(rec.BvalPath)
	if err != nil {
		return err
	}
	img, err := r.readImage(rec.ImagePath)
	if err != nil {
		return err
	}
	if len(bvals) != img.NumVolumes() {
		return fmt.Errorf("%w: %d b-values, %d volumes", ErrVolumeCountMismatch, len(bvals), img.NumVolumes())
	}

	b0 := gradient.ZeroIndices(bvals)
	if len(b0) == 0 {
		return fmt.Errorf("%w in %s", ErrNoReferenceVolumes, rec.BvalPath)
	}
	derived, err := img.SelectVolumes(b0)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := nifti.Write(&buf, derived, true); err != nil {
		return err
	}
	if err := r.write(entry, extImage, buf.Bytes()); err != nil {
		return err
	}

	r.logger.Debug("derived b=0 volumes",
		zap.String("source", rec.ImagePath),
		zap.Ints("volumes", b0),
		zap.Ints("shape", derived.Shape()))
	r.commit(entry)
	return nil
}

// linkPerfusion names ASL series by whether the scanner reconstructed them
func (r *run) linkPerfusion(rec *models.ScanRecord) error {
	types := rec.Metadata.ImageType()
	if len(types) == 0 {
		return ErrMissingImageType
	}

	var suffix string
	switch types[0] {
	case "ORIGINAL":
		suffix = "m0scan"
	case "DERIVED":
		suffix = "deltam"
	default:
		r.skip(rec, "ASL image type "+types[0])
		return nil
	}
	return r.linkScan(rec, KindASL, "sub-"+r.report.Subject+"_"+suffix)
}

func (r *run) readBvals(p string) ([]float64, error) {
	f, err := r.src.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening b-values: %w", err)
	}
	defer f.Close()

	bvals, err := gradient.ReadBvals(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return bvals, nil
}

func (r *run) readImage(p string) (*nifti.Image, error) {
	f, err := r.src.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	img, err := nifti.Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return img, nil
}

func (r *run) newEntry(rec *models.ScanRecord, kind Kind, base string) *models.TargetEntry {
	return &models.TargetEntry{
		Category: kind.Category(),
		BaseName: base,
		Source:   rec.SidecarPath,
	}
}

// targetPath returns where a file of entry with extension ext goes, and
// claims it for the current source
func (r *run) targetPath(entry *models.TargetEntry, ext string) (string, error) {
	p := filepath.Join(r.subjectDir, entry.Category.Dir(), entry.BaseName+ext)
	if prev, ok := r.placed[p]; ok {
		return "", fmt.Errorf("%w: %s from %s and %s", ErrTargetCollision, p, prev, entry.Source)
	}
	r.placed[p] = entry.Source
	return p, nil
}

func (r *run) link(entry *models.TargetEntry, src, ext string) error {
	p, err := r.targetPath(entry, ext)
	if err != nil {
		return err
	}
	target, err := r.linkTarget(src, filepath.Dir(p))
	if err != nil {
		return err
	}
	if err := r.placer.Link(target, p); err != nil {
		return fmt.Errorf("linking %s: %w", p, err)
	}
	entry.Files = append(entry.Files, models.Placement{Path: p, Target: target})
	return nil
}

func (r *run) write(entry *models.TargetEntry, ext string, data []byte) error {
	p, err := r.targetPath(entry, ext)
	if err != nil {
		return err
	}
	if err := r.placer.WriteFile(p, data); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	entry.Files = append(entry.Files, models.Placement{Path: p})
	return nil
}

func (r *run) writeSidecar(entry *models.TargetEntry, meta sidecar.Metadata) error {
	data, err := sidecar.Encode(meta)
	if err != nil {
		return err
	}
	return r.write(entry, extJSON, data)
}

// linkTarget returns what a link in dir should point to for src
func (r *run) linkTarget(src, dir string) (string, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	if !r.cfg.Layout.RelativeLinks {
		return absSrc, nil
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Rel(absDir, absSrc)
}

func (r *run) commit(entry *models.TargetEntry) {
	r.report.Entries = append(r.report.Entries, *entry)
	r.logger.Info("placed entry",
		zap.String("category", entry.Category.Dir()),
		zap.String("name", entry.BaseName),
		zap.String("source", entry.Source),
		zap.Int("files", len(entry.Files)))
}

func (r *run) skip(rec *models.ScanRecord, reason string) {
	label := rec.Metadata.SeriesDescription()
	r.report.Skipped = append(r.report.Skipped, Skip{Sidecar: rec.SidecarPath, Label: label, Reason: reason})
	r.logger.Debug("skipping sidecar",
		zap.String("sidecar", rec.SidecarPath),
		zap.String("label", label),
		zap.String("reason", reason))
}
