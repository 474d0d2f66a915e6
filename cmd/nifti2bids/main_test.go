package main

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nifti2bids/pkg/config"
)

// setupSession writes a session with a T1w and an unrecognized series
func setupSession(t *testing.T) (root, sourceRoot string) {
	t.Helper()

	root = t.TempDir()
	sourceRoot = filepath.Join(root, "DCM2NIIX")
	dir := filepath.Join(sourceRoot, "ses1")
	require.NoError(t, os.MkdirAll(dir, 0755))

	files := map[string]string{
		"t1.json":      `{"SeriesDescription": "3D Sag T1 MPRAGE"}`,
		"t1.nii.gz":    "image",
		"scout.json":   `{"SeriesDescription": "Localizer"}`,
		"scout.nii.gz": "image",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return root, sourceRoot
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConvert(t *testing.T) {
	root, sourceRoot := setupSession(t)
	targetRoot := filepath.Join(root, "BIDS")

	out, err := execute(t, "ses1", "12",
		"--config", filepath.Join(root, "absent.yaml"),
		"--source-root", sourceRoot,
		"--target-root", targetRoot)
	require.NoError(t, err)

	assert.Contains(t, out, "anat/sub-12_T1w (2 files, 0 written)")
	assert.Contains(t, out, `"Localizer"`)

	target, err := os.Readlink(filepath.Join(targetRoot, "sub-12", "anat", "sub-12_T1w.json"))
	require.NoError(t, err)
	assert.Equal(t, "../../../DCM2NIIX/ses1/t1.json", target)

	_, err = execute(t, "ses1", "12",
		"--config", filepath.Join(root, "absent.yaml"),
		"--source-root", sourceRoot,
		"--target-root", targetRoot)
	require.Error(t, err, "a second run on the same subject must fail")
}

func TestConvertDryRun(t *testing.T) {
	root, sourceRoot := setupSession(t)
	targetRoot := filepath.Join(root, "BIDS")

	out, err := execute(t, "ses1", "12",
		"--config", filepath.Join(root, "absent.yaml"),
		"--source-root", sourceRoot,
		"--target-root", targetRoot,
		"--dry-run")
	require.NoError(t, err)

	assert.Contains(t, out, "Dry run")
	assert.Contains(t, out, filepath.Join(targetRoot, "sub-12", "anat", "sub-12_T1w.nii.gz")+" -> ../../../DCM2NIIX/ses1/t1.nii.gz")

	_, err = os.Stat(targetRoot)
	assert.True(t, os.IsNotExist(err), "dry run must not create the target tree")
}

func TestConvertDryRunOnExistingSubject(t *testing.T) {
	root, sourceRoot := setupSession(t)
	targetRoot := filepath.Join(root, "BIDS")
	require.NoError(t, os.MkdirAll(filepath.Join(targetRoot, "sub-12"), 0755))

	out, err := execute(t, "ses1", "12",
		"--config", filepath.Join(root, "absent.yaml"),
		"--source-root", sourceRoot,
		"--target-root", targetRoot,
		"--dry-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrExist)
	assert.NotContains(t, out, "Planned operations")
}

func TestConvertEnvironmentOverrides(t *testing.T) {
	root, sourceRoot := setupSession(t)
	targetRoot := filepath.Join(root, "dataset")

	t.Setenv("NIFTI2BIDS_SOURCE_ROOT", sourceRoot)
	t.Setenv("NIFTI2BIDS_TARGET_ROOT", targetRoot)
	t.Setenv("NIFTI2BIDS_ABSOLUTE_LINKS", "true")

	_, err := execute(t, "ses1", "3", "--config", filepath.Join(root, "absent.yaml"))
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(targetRoot, "sub-3", "anat", "sub-3_T1w.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sourceRoot, "ses1", "t1.nii.gz"), target)
}

func TestConvertMissingSession(t *testing.T) {
	root, sourceRoot := setupSession(t)

	_, err := execute(t, "ses-other", "1",
		"--config", filepath.Join(root, "absent.yaml"),
		"--source-root", sourceRoot,
		"--target-root", filepath.Join(root, "BIDS"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source session directory missing")
}

func TestConvertRequiresTwoArgs(t *testing.T) {
	_, err := execute(t, "ses1")
	require.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nifti2bids.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = execute(t, "config", "init", path)
	require.Error(t, err, "existing files are not overwritten")
}
