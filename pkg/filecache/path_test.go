package filecache_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/dapcache/pkg/filecache"
)

func Test_PathBuilder_DerivePath_Returns_Dir_Prefix_And_Digest(t *testing.T) {
	t.Parallel()

	b, err := filecache.NewPathBuilder("/var/cache/dap//", "x")
	if err != nil {
		t.Fatalf("NewPathBuilder: %v", err)
	}

	got, err := b.DerivePath("ds#f(a)")
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}

	want := "/var/cache/dap/x" + filecache.Digest("ds#f(a)")
	if got != want {
		t.Fatalf("DerivePath=%q, want %q", got, want)
	}

	if n := len(filecache.Digest("ds#f(a)")); n != filecache.DigestLen {
		t.Fatalf("len(Digest)=%d, want %d", n, filecache.DigestLen)
	}

	again, _ := b.DerivePath("ds#f(a)")
	if again != got {
		t.Fatalf("DerivePath not deterministic: %q then %q", got, again)
	}
}

func Test_PathBuilder_DerivePath_Returns_ErrInvalidKey_When_Key_Is_Empty_Or_Only_Separators(t *testing.T) {
	t.Parallel()

	b, err := filecache.NewPathBuilder(t.TempDir(), "x")
	if err != nil {
		t.Fatalf("NewPathBuilder: %v", err)
	}

	for _, key := range []filecache.Key{"", "/", "////"} {
		if _, err := b.DerivePath(key); !errors.Is(err, filecache.ErrInvalidKey) {
			t.Fatalf("DerivePath(%q): err=%v, want %v", key, err, filecache.ErrInvalidKey)
		}
	}
}

func Test_PathBuilder_Keeps_Entries_Inside_Dir_When_Prefix_Starts_With_Separator(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	b, err := filecache.NewPathBuilder(dir, "//x")
	if err != nil {
		t.Fatalf("NewPathBuilder: %v", err)
	}

	if b.Prefix() != "x" {
		t.Fatalf("Prefix=%q, want %q", b.Prefix(), "x")
	}

	p, _ := b.DerivePath("k")
	if filepath.Dir(p) != dir {
		t.Fatalf("DerivePath=%q escapes %q", p, dir)
	}
}

func Test_NewPathBuilder_Returns_ErrConfiguration_When_Input_Is_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		dir    string
		prefix string
	}{
		{name: "EmptyDir", dir: "", prefix: "x"},
		{name: "BlankDir", dir: "  ", prefix: "x"},
		{name: "NestedPrefix", dir: "/tmp", prefix: "a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := filecache.NewPathBuilder(tt.dir, tt.prefix); !errors.Is(err, filecache.ErrConfiguration) {
				t.Fatalf("NewPathBuilder(%q, %q): err=%v, want %v", tt.dir, tt.prefix, err, filecache.ErrConfiguration)
			}
		})
	}
}

func Test_Normalize_Helpers(t *testing.T) {
	t.Parallel()

	segments := map[string]string{
		"":         "",
		"a":        "a",
		"/a":       "a",
		"///a/b/":  "a/b/",
		"//":       "",
		"prefix_/": "prefix_/",
	}

	for in, want := range segments {
		if got := filecache.NormalizeSegment(in); got != want {
			t.Fatalf("NormalizeSegment(%q)=%q, want %q", in, got, want)
		}
	}

	dirs := map[string]string{
		"/var/cache":    "/var/cache/",
		"/var/cache/":   "/var/cache/",
		"/var//cache//": "/var/cache/",
		"/":             "/",
	}

	for in, want := range dirs {
		if got := filecache.NormalizeDir(in); got != want {
			t.Fatalf("NormalizeDir(%q)=%q, want %q", in, got, want)
		}
	}
}

func Test_PathBuilder_IsEntryName_Accepts_Only_Prefixed_Digests(t *testing.T) {
	t.Parallel()

	b, _ := filecache.NewPathBuilder("/c", "x")
	d := filecache.Digest("k")

	cases := map[string]bool{
		"x" + d:                  true,
		"y" + d:                  false,
		"x" + d[:63]:             false,
		"x" + strings.ToUpper(d): false,
		"x" + d + ".1234.tmp":    false,
		"xindex.json":            false,
		"xevict.lock":            false,
	}

	for name, want := range cases {
		if got := b.IsEntryName(name); got != want {
			t.Fatalf("IsEntryName(%q)=%v, want %v", name, got, want)
		}
	}
}

func FuzzDerivePath(f *testing.F) {
	f.Add("ds#f(a)", "ds#f(b)")
	f.Add("a", "a/")
	f.Add("/data/x.nc#", "/data/x.nc# ")

	b, err := filecache.NewPathBuilder("/cache", "x")
	if err != nil {
		f.Fatalf("NewPathBuilder: %v", err)
	}

	f.Fuzz(func(t *testing.T, k1, k2 string) {
		p1, err1 := b.DerivePath(filecache.Key(k1))
		p2, err2 := b.DerivePath(filecache.Key(k2))

		if err1 != nil || err2 != nil {
			return
		}

		if (k1 == k2) != (p1 == p2) {
			t.Fatalf("keys %q,%q -> paths %q,%q", k1, k2, p1, p2)
		}

		if !strings.HasPrefix(p1, "/cache/x") || len(p1) != len("/cache/x")+filecache.DigestLen {
			t.Fatalf("DerivePath(%q)=%q, want /cache/x + %d hex chars", k1, p1, filecache.DigestLen)
		}
	})
}
