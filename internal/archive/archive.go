// Package archive reads and writes backup artifacts. An artifact is a zip
// file whose first entry is a JSON snapshot (config.json for containers,
// stack_metadata.json for stacks) followed by dumps, manifests, and volume
// tars, so consumers can identify an artifact from its leading bytes.
package archive

import (
	"archive/zip"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Well-known entry names inside artifacts.
const (
	ConfigEntry        = "config.json"
	StackMetadataEntry = "stack_metadata.json"
	DumpEntry          = "dump.sql"
	ComposeEntry       = "docker-compose.yml"
	EnvEntry           = ".env"
)

// ErrDeadline is returned when an append runs past the writer's wall-clock
// budget. The artifact is unusable at that point and should be aborted.
var ErrDeadline = errors.New("archive deadline exceeded")

// Writer builds one artifact. Entries are written in call order; the zip
// spec preserves that order, which consumers rely on.
type Writer struct {
	path     string
	f        *os.File
	zw       *zip.Writer
	deadline time.Time
	closed   bool
}

// NewWriter creates the artifact file and returns a Writer that enforces
// the given wall-clock budget across all appends. A budget of 0 disables
// the deadline.
func NewWriter(path string, budget time.Duration) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	w := &Writer{path: path, f: f, zw: zw}
	if budget > 0 {
		w.deadline = time.Now().Add(budget)
	}
	return w, nil
}

// Path returns the artifact's filesystem path.
func (w *Writer) Path() string { return w.path }

// AppendBytes writes one entry from a byte slice.
func (w *Writer) AppendBytes(name string, data []byte) error {
	ew, err := w.begin(name)
	if err != nil {
		return err
	}
	if _, err := ew.Write(data); err != nil {
		return fmt.Errorf("write entry %q: %w", name, err)
	}
	return nil
}

// AppendStream writes one entry by draining r, returning the byte count.
func (w *Writer) AppendStream(name string, r io.Reader) (int64, error) {
	ew, err := w.begin(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(ew, r)
	if err != nil {
		return n, fmt.Errorf("write entry %q: %w", name, err)
	}
	return n, nil
}

func (w *Writer) begin(name string) (io.Writer, error) {
	if !w.deadline.IsZero() && time.Now().After(w.deadline) {
		return nil, fmt.Errorf("entry %q: %w", name, ErrDeadline)
	}
	ew, err := w.zw.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create entry %q: %w", name, err)
	}
	return ew, nil
}

// Finalize flushes the central directory and closes the artifact.
// Returns the final size in bytes. Like appends, finalization observes
// the wall-clock budget; past it the partial artifact is discarded.
func (w *Writer) Finalize() (int64, error) {
	if !w.deadline.IsZero() && time.Now().After(w.deadline) {
		w.Abort()
		return 0, fmt.Errorf("finalize: %w", ErrDeadline)
	}
	w.closed = true
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		os.Remove(w.path)
		return 0, fmt.Errorf("finalize artifact: %w", err)
	}
	info, err := w.f.Stat()
	if err != nil {
		w.f.Close()
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return 0, fmt.Errorf("close artifact: %w", err)
	}
	return info.Size(), nil
}

// Abort discards the partial artifact. Safe to call after Finalize.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.zw.Close()
	w.f.Close()
	os.Remove(w.path)
}

// Reader opens an existing artifact for restore.
type Reader struct {
	zr *zip.ReadCloser
}

func Open(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %q: %w", path, err)
	}
	return &Reader{zr: zr}, nil
}

func (r *Reader) Close() error { return r.zr.Close() }

// Files returns every entry in archive order.
func (r *Reader) Files() []*zip.File { return r.zr.File }

// Entry returns the named entry, or nil if absent.
func (r *Reader) Entry(name string) *zip.File {
	for _, f := range r.zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// ReadFile reads the named entry fully. Returns os.ErrNotExist when the
// entry is absent.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	f := r.Entry(name)
	if f == nil {
		return nil, fmt.Errorf("entry %q: %w", name, os.ErrNotExist)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %q: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %q: %w", name, err)
	}
	return data, nil
}
