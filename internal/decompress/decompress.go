// Package decompress caches the decompressed form of compressed source files
// (gzip, zstd, bzip2) so repeated reads of one granule decompress it once.
package decompress

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/calvinalkan/dapcache/pkg/filecache"
)

// ErrNotCompressed is returned for a source in no supported format.
var ErrNotCompressed = errors.New("not a compressed file")

// Format is a compression format.
type Format int

const (
	None Format = iota
	Gzip
	Zstd
	Bzip2
)

func (f Format) String() string {
	switch f {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case Bzip2:
		return "bzip2"
	default:
		return "none"
	}
}

// Operation is the operation part of every decompression cache key.
const Operation = "decompress"

// MaxDecoderMemory limits the memory a zstd decoder may allocate.
const MaxDecoderMemory = 1 << 30

var magics = []struct {
	format Format
	magic  []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{Bzip2, []byte("BZh")},
}

var extensions = map[string]Format{
	".gz":  Gzip,
	".tgz": Gzip,
	".zst": Zstd,
	".bz2": Bzip2,
}

// DetectHeader identifies a format by the leading bytes of a file.
func DetectHeader(header []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(header, m.magic) {
			return m.format
		}
	}

	return None
}

// DetectName identifies a format by file extension.
func DetectName(name string) Format {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// Detect identifies the format of the file at path by its content, falling
// back to the extension for files too short to carry a magic number.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return None, err
	}
	defer f.Close()

	header := make([]byte, 4)

	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return None, fmt.Errorf("reading %s: %w", path, err)
	}

	if format := DetectHeader(header[:n]); format != None {
		return format, nil
	}

	return DetectName(path), nil
}

// Key returns the cache key of the decompressed form of the file at path.
func Key(path string) (filecache.Key, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filecache.NewKey(abs, Operation), nil
}

// NewReader returns a reader decompressing r. The returned close function
// must be called when done.
func NewReader(r io.Reader, format Format) (io.Reader, func(), error) {
	switch format {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}

		return zr, func() { _ = zr.Close() }, nil
	case Zstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(MaxDecoderMemory))
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}

		return zr, zr.Close, nil
	case Bzip2:
		return bzip2.NewReader(r), func() {}, nil
	default:
		return nil, nil, ErrNotCompressed
	}
}

// Build returns a build procedure that decompresses the file at path.
func Build(path string, format Format) filecache.BuildFunc {
	return func(ctx context.Context, w io.Writer) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		r, release, err := NewReader(bufio.NewReader(f), format)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defer release()

		if _, err := io.Copy(w, ctxReader{ctx: ctx, r: r}); err != nil {
			return fmt.Errorf("decompressing %s: %w", path, err)
		}

		return nil
	}
}

// Get returns the cached decompressed form of the file at path, building it
// on a miss. An entry older than the source file is rebuilt.
func Get(ctx context.Context, store *filecache.Store, path string) (*filecache.Entry, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}

	if format == None {
		return nil, fmt.Errorf("%s: %w", path, ErrNotCompressed)
	}

	key, err := Key(path)
	if err != nil {
		return nil, err
	}

	return store.GetOrBuild(ctx, key, store.SourceFreshness(path), Build(path, format))
}

// Direct decompresses the file at path straight to w, for when no cache is
// available.
func Direct(ctx context.Context, path string, w io.Writer) error {
	format, err := Detect(path)
	if err != nil {
		return err
	}

	if format == None {
		return fmt.Errorf("%s: %w", path, ErrNotCompressed)
	}

	return Build(path, format)(ctx, w)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
