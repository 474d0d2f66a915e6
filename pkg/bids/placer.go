package bids

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// ErrLinkUnsupported is returned when the target filesystem cannot hold symlinks
var ErrLinkUnsupported = errors.New("filesystem does not support symlinks")

// Placer puts entries into the target tree
type Placer interface {
	// Mkdir creates a single directory and fails if it already exists
	Mkdir(path string) error

	// Link creates a symbolic link at path pointing to target
	Link(target, path string) error

	// WriteFile creates or replaces a regular file
	WriteFile(path string, data []byte) error
}

// FSPlacer places entries on an afero filesystem
type FSPlacer struct {
	fs afero.Fs
}

// NewFSPlacer returns a placer writing to fs
func NewFSPlacer(fs afero.Fs) *FSPlacer {
	return &FSPlacer{fs: fs}
}

// Mkdir creates path with mode 0755; its parent must exist
func (p *FSPlacer) Mkdir(path string) error {
	return p.fs.Mkdir(path, 0755)
}

// Link creates a symlink, failing with ErrLinkUnsupported when the
// filesystem does not implement afero.Linker
func (p *FSPlacer) Link(target, path string) error {
	linker, ok := p.fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("%w: %s", ErrLinkUnsupported, p.fs.Name())
	}
	return linker.SymlinkIfPossible(target, path)
}

// WriteFile writes data with mode 0644
func (p *FSPlacer) WriteFile(path string, data []byte) error {
	return afero.WriteFile(p.fs, path, data, 0644)
}

// OpKind is the type of a recorded placement operation
type OpKind string

// Operation kinds
const (
	OpMkdir OpKind = "mkdir"
	OpLink  OpKind = "link"
	OpWrite OpKind = "write"
)

// Op is one operation seen by a RecordingPlacer
type Op struct {
	Kind   OpKind
	Path   string
	Target string
	Data   []byte
}

// RecordingPlacer records operations instead of performing them.
// When it has a filesystem, directory checks also see what exists there.
type RecordingPlacer struct {
	mu   sync.Mutex
	fs   afero.Fs
	ops  []Op
	dirs map[string]bool
}

// NewRecordingPlacer returns an empty recorder
func NewRecordingPlacer() *RecordingPlacer {
	return &RecordingPlacer{dirs: make(map[string]bool)}
}

// NewDryRunPlacer returns a recorder that checks directories against base
// without modifying it
func NewDryRunPlacer(base afero.Fs) *RecordingPlacer {
	return &RecordingPlacer{
		fs:   afero.NewReadOnlyFs(base),
		dirs: make(map[string]bool),
	}
}

// Mkdir records a directory. It fails like a real mkdir when the path was
// already recorded or exists on the filesystem, or when its parent is
// neither.
func (p *RecordingPlacer) Mkdir(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exists(path) {
		return &fs.PathError{Op: "mkdir", Path: path, Err: fs.ErrExist}
	}
	if p.fs != nil && !p.exists(filepath.Dir(path)) {
		return &fs.PathError{Op: "mkdir", Path: path, Err: fs.ErrNotExist}
	}
	p.dirs[path] = true
	p.ops = append(p.ops, Op{Kind: OpMkdir, Path: path})
	return nil
}

func (p *RecordingPlacer) exists(path string) bool {
	if p.dirs[path] {
		return true
	}
	if p.fs == nil {
		return false
	}
	_, err := p.fs.Stat(path)
	return err == nil
}

// Link records a symlink
func (p *RecordingPlacer) Link(target, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ops = append(p.ops, Op{Kind: OpLink, Path: path, Target: target})
	return nil
}

// WriteFile records a copy of data
func (p *RecordingPlacer) WriteFile(path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ops = append(p.ops, Op{Kind: OpWrite, Path: path, Data: append([]byte(nil), data...)})
	return nil
}

// Ops returns the recorded operations in call order
func (p *RecordingPlacer) Ops() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Op(nil), p.ops...)
}
