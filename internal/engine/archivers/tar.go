package archivers

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ortartifact/ort-artifact/internal/engine"
)

const defaultMode = 0o644

// ErrIntegrity is matched by every IntegrityError.
var ErrIntegrity = errors.New("archive integrity fault")

// IntegrityError reports an entry whose source did not yield its declared size.
type IntegrityError struct {
	Name     string
	Declared int64
	// Actual is the number of bytes read before the mismatch was detected.
	// On overrun it is Declared+1: reading stops at the first extra byte.
	Actual int64
}

func (e *IntegrityError) Error() string {
	if e.Actual > e.Declared {
		return fmt.Sprintf("%s: entry %q declared %d bytes but its source has more", ErrIntegrity, e.Name, e.Declared)
	}
	return fmt.Sprintf("%s: entry %q declared %d bytes but its source ended after %d", ErrIntegrity, e.Name, e.Declared, e.Actual)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// TarArchiver streams tar records into an io.Writer. Nothing but the current
// copy buffer is held in memory.
type TarArchiver struct {
	tw      *tar.Writer
	entries int
	payload int64
	closed  bool
	failed  error
}

var _ engine.Archiver = (*TarArchiver)(nil)

// NewTarArchiver creates an archiver writing tar records to w.
func NewTarArchiver(w io.Writer) *TarArchiver {
	return &TarArchiver{tw: tar.NewWriter(w)}
}

// AddEntry writes the header for entry and streams exactly entry.Size bytes
// from entry.Source. A source yielding fewer or more bytes is an IntegrityError,
// after which the archiver refuses further entries.
func (a *TarArchiver) AddEntry(ctx context.Context, entry engine.Entry) error {
	if a.closed {
		return fmt.Errorf("archiver is closed")
	}
	if a.failed != nil {
		return fmt.Errorf("archiver failed earlier: %w", a.failed)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	if entry.Size < 0 {
		return a.fail(fmt.Errorf("entry %q has negative size %d", entry.Name, entry.Size))
	}

	mode := entry.Mode
	if mode == 0 {
		mode = defaultMode
	}
	modTime := entry.ModTime
	if modTime.IsZero() {
		modTime = time.Unix(0, 0)
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     entry.Name,
		Mode:     mode,
		Size:     entry.Size,
		ModTime:  modTime,
	}

	if err := a.tw.WriteHeader(header); err != nil {
		return a.fail(fmt.Errorf("failed to write tar header for %q: %w", entry.Name, err))
	}

	n, err := io.CopyN(a.tw, entry.Source, entry.Size)
	a.payload += n
	if errors.Is(err, io.EOF) {
		return a.fail(&IntegrityError{Name: entry.Name, Declared: entry.Size, Actual: n})
	}
	if err != nil {
		return a.fail(fmt.Errorf("failed to write tar content for %q: %w", entry.Name, err))
	}

	var probe [1]byte
	_, err = io.ReadFull(entry.Source, probe[:])
	switch {
	case err == nil:
		return a.fail(&IntegrityError{Name: entry.Name, Declared: entry.Size, Actual: entry.Size + 1})
	case !errors.Is(err, io.EOF):
		return a.fail(fmt.Errorf("failed to read %q: %w", entry.Name, err))
	}

	a.entries++
	return nil
}

// Close writes the end-of-archive marker. It does not close the underlying writer.
func (a *TarArchiver) Close() error {
	if a.closed {
		return fmt.Errorf("archiver already closed")
	}
	a.closed = true

	if a.failed != nil {
		return fmt.Errorf("archiver failed earlier: %w", a.failed)
	}

	if err := a.tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	return nil
}

// Entries returns the number of entries fully written.
func (a *TarArchiver) Entries() int {
	return a.entries
}

// PayloadBytes returns the number of payload bytes copied from entry sources.
func (a *TarArchiver) PayloadBytes() int64 {
	return a.payload
}

func (a *TarArchiver) fail(err error) error {
	a.failed = err
	return err
}
