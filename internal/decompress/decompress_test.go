package decompress_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dapcache/internal/decompress"
	"github.com/calvinalkan/dapcache/pkg/filecache"
)

var plain = bytes.Repeat([]byte("temperature,salinity\n"), 500)

func gzipped(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func zstded(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// bzip2Sample is "hello, granule\n" compressed with bzip2 -9; the standard
// library only decompresses bzip2.
var bzip2Sample = []byte{
	0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0x62, 0x69,
	0x00, 0xef, 0x00, 0x00, 0x03, 0xd1, 0x80, 0x00, 0x10, 0x40, 0x04, 0x22,
	0xc5, 0x92, 0x00, 0x20, 0x00, 0x31, 0x03, 0x40, 0xd0, 0x20, 0x01, 0x91,
	0x30, 0x08, 0x19, 0x9d, 0xb4, 0x18, 0xf7, 0x8b, 0xb9, 0x22, 0x9c, 0x28,
	0x48, 0x31, 0x34, 0x80, 0x77, 0x80,
}

func write(t *testing.T, name string, data []byte) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))

	return p
}

func newStore(t *testing.T) *filecache.Store {
	t.Helper()

	store, err := filecache.New(filecache.Config{Name: "decompress", Dir: t.TempDir(), Prefix: "dc_", MaxSize: 64 << 20})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func Test_Detect_Recognizes_Formats_By_Content_And_Extension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		data []byte
		want decompress.Format
	}{
		{name: "GzipMagic", file: "a.bin", data: gzipped(t), want: decompress.Gzip},
		{name: "ZstdMagic", file: "a.bin", data: zstded(t), want: decompress.Zstd},
		{name: "Bzip2Magic", file: "a.bin", data: bzip2Sample, want: decompress.Bzip2},
		{name: "ShortFileByExtension", file: "a.gz", data: []byte{1}, want: decompress.Gzip},
		{name: "Plain", file: "a.csv", data: plain, want: decompress.None},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := decompress.Detect(write(t, tt.file, tt.data))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func Test_Build_Decompresses_Every_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		data   []byte
		format decompress.Format
		want   []byte
	}{
		{name: "Gzip", data: gzipped(t), format: decompress.Gzip, want: plain},
		{name: "Zstd", data: zstded(t), format: decompress.Zstd, want: plain},
		{name: "Bzip2", data: bzip2Sample, format: decompress.Bzip2, want: []byte("hello, granule\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer

			err := decompress.Build(write(t, "src", tt.data), tt.format)(t.Context(), &out)
			require.NoError(t, err)
			require.Equal(t, tt.want, out.Bytes())
		})
	}
}

func Test_Get_Decompresses_Once_And_Rebuilds_When_Source_Changes(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	src := write(t, "granule.nc.gz", gzipped(t))

	first, err := decompress.Get(t.Context(), store, src)
	require.NoError(t, err)
	require.True(t, first.Built)

	data, err := first.Bytes()
	require.NoError(t, err)
	require.Equal(t, plain, data)
	require.NoError(t, first.Close())

	second, err := decompress.Get(t.Context(), store, src)
	require.NoError(t, err)
	require.False(t, second.Built, "unchanged source must be served from cache")
	require.NoError(t, second.Close())

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	third, err := decompress.Get(t.Context(), store, src)
	require.NoError(t, err)
	require.True(t, third.Built, "newer source must be decompressed again")
	require.NoError(t, third.Close())
}

func Test_Get_Returns_ErrNotCompressed_For_Plain_File(t *testing.T) {
	t.Parallel()

	_, err := decompress.Get(t.Context(), newStore(t), write(t, "plain.csv", plain))
	require.ErrorIs(t, err, decompress.ErrNotCompressed)
}

func Test_Build_Fails_And_Cache_Keeps_Nothing_When_Source_Is_Corrupt(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	corrupt := append([]byte{0x1f, 0x8b}, bytes.Repeat([]byte{0xff}, 64)...)
	src := write(t, "broken.gz", corrupt)

	_, err := decompress.Get(t.Context(), store, src)
	require.ErrorIs(t, err, filecache.ErrBuild)

	st, err := store.Stat()
	require.NoError(t, err)
	require.Zero(t, st.Entries)
}

func Test_Build_Stops_When_Context_Is_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := decompress.Build(write(t, "a.gz", gzipped(t)), decompress.Gzip)(ctx, io.Discard)
	require.True(t, errors.Is(err, context.Canceled), "err=%v", err)
}
