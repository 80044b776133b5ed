// Package sdk downloads and unpacks third-party SDK archives (cuDNN,
// TensorRT and friends) the build links against.
package sdk

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Minute

	kindZip = "zip"
)

// SDK is one archive to fetch.
type SDK struct {
	Name string
	URL  string
	Dest string
	// StripComponents drops leading path elements from every entry.
	StripComponents int
	// Kind overrides archive detection from the URL: "zip" or a compress
	// format name for tarballs.
	Kind    string
	Headers map[string]string
}

// Result describes what Fetch did.
type Result struct {
	Skipped bool
	Files   int
	Bytes   int64
}

type Fetcher struct {
	fs         afero.Fs
	httpClient *http.Client
	logger     *zap.Logger
}

type FetcherOption func(*Fetcher)

func WithHttpClient(httpClient *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.httpClient = httpClient
	}
}

func NewFetcher(fs afero.Fs, logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{fs: fs, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   DefaultTimeout,
		}
	}
	return f
}

// Fetch downloads s.URL and unpacks it into s.Dest. A destination that
// already holds files is left alone; an empty one is replaced.
func (f *Fetcher) Fetch(ctx context.Context, s SDK) (Result, error) {
	logger := f.logger.With(zap.String("sdk", s.Name), zap.String("dest", s.Dest))

	skip, err := f.prepareDest(s.Dest)
	if err != nil {
		return Result{}, err
	}
	if skip {
		logger.Info("sdk already present, skipping download")
		return Result{Skipped: true}, nil
	}

	kind, err := archiveKind(s)
	if err != nil {
		return Result{}, err
	}

	body, err := f.download(ctx, s)
	if err != nil {
		return Result{}, err
	}
	defer body.Close()

	logger.Info("extracting sdk", zap.String("url", s.URL), zap.String("kind", kind))
	x := &extractor{fs: f.fs, dest: filepath.Clean(s.Dest), strip: s.StripComponents, logger: logger}

	if kind == kindZip {
		err = f.extractZip(x, body)
	} else {
		err = f.extractTar(x, compress.Format(kind), body)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to extract %s: %w", s.Name, err)
	}

	logger.Info("sdk ready", zap.Int("files", x.files), zap.Int64("bytes", x.bytes))
	return Result{Files: x.files, Bytes: x.bytes}, nil
}

func (f *Fetcher) prepareDest(dest string) (bool, error) {
	exists, err := afero.DirExists(f.fs, dest)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", dest, err)
	}
	if exists {
		empty, err := afero.IsEmpty(f.fs, dest)
		if err != nil {
			return false, fmt.Errorf("failed to list %s: %w", dest, err)
		}
		if !empty {
			return true, nil
		}
		if err := f.fs.RemoveAll(dest); err != nil {
			return false, fmt.Errorf("failed to remove empty %s: %w", dest, err)
		}
	}
	if err := f.fs.MkdirAll(dest, 0o755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	return false, nil
}

func (f *Fetcher) download(ctx context.Context, s SDK) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", s.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to download %s: unexpected status %d", s.URL, resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *Fetcher) extractTar(x *extractor, format compress.Format, body io.Reader) error {
	dec, err := compress.NewReader(format, body, compress.Options{})
	if err != nil {
		return err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		switch h.Typeflag {
		case tar.TypeDir:
			err = x.dir(h.Name)
		case tar.TypeReg:
			err = x.file(h.Name, os.FileMode(h.Mode).Perm(), tr)
		case tar.TypeSymlink:
			err = x.symlink(h.Name, h.Linkname)
		default:
			x.logger.Debug("skipping tar entry", zap.String("name", h.Name), zap.Uint8("type", h.Typeflag))
		}
		if err != nil {
			return err
		}
	}
}

// extractZip spools the body to a temporary file since zip needs random access.
func (f *Fetcher) extractZip(x *extractor, body io.Reader) error {
	tmp, err := afero.TempFile(f.fs, "", "ort-artifact-sdk-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		f.fs.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, body)
	if err != nil {
		return fmt.Errorf("failed to spool archive: %w", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			if err := x.dir(zf.Name); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", zf.Name, err)
		}
		err = x.file(zf.Name, zf.Mode().Perm(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func archiveKind(s SDK) (string, error) {
	if s.Kind != "" {
		if s.Kind == kindZip {
			return kindZip, nil
		}
		f, err := compress.ParseFormat(s.Kind)
		if err != nil {
			return "", err
		}
		return string(f), nil
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("invalid sdk url %q: %w", s.URL, err)
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".zip") {
		return kindZip, nil
	}
	f, err := compress.FormatFromPath(u.Path)
	if err != nil {
		return "", err
	}
	return string(f), nil
}

type extractor struct {
	fs     afero.Fs
	dest   string
	strip  int
	logger *zap.Logger
	files  int
	bytes  int64
}

// target maps an archive entry name to a path under dest. ok is false when
// stripping leaves nothing.
func (x *extractor) target(name string) (string, bool, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) <= x.strip {
		return "", false, nil
	}
	rel := filepath.FromSlash(path.Join(parts[x.strip:]...))
	if rel == "." {
		return "", false, nil
	}

	target := filepath.Join(x.dest, rel)
	if !within(x.dest, target) {
		return "", false, fmt.Errorf("archive entry %q points outside destination", name)
	}
	return target, true, nil
}

func (x *extractor) dir(name string) error {
	target, ok, err := x.target(name)
	if err != nil || !ok {
		return err
	}
	return x.fs.MkdirAll(target, 0o755)
}

func (x *extractor) file(name string, mode os.FileMode, r io.Reader) error {
	target, ok, err := x.target(name)
	if err != nil || !ok {
		return err
	}
	if err := x.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	if mode == 0 {
		mode = 0o644
	}

	out, err := x.fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	x.files++
	x.bytes += n
	return nil
}

func (x *extractor) symlink(name, linkname string) error {
	target, ok, err := x.target(name)
	if err != nil || !ok {
		return err
	}
	if filepath.IsAbs(linkname) || !within(x.dest, filepath.Join(filepath.Dir(target), linkname)) {
		return fmt.Errorf("symlink %q points outside destination", name)
	}

	linker, ok := x.fs.(afero.Linker)
	if !ok {
		x.logger.Debug("filesystem cannot create symlinks, skipping", zap.String("name", name))
		return nil
	}
	if err := x.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	if err := linker.SymlinkIfPossible(linkname, target); err != nil {
		return fmt.Errorf("failed to link %s: %w", target, err)
	}
	x.files++
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
