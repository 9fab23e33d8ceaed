package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func Test_Real_Exists_Returns_False_When_Path_Is_Missing(t *testing.T) {
	t.Parallel()

	exists, err := NewReal().Exists(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Exists: err=%v, want nil", err)
	}

	if exists {
		t.Fatalf("Exists=true, want false")
	}
}

func Test_Real_Exists_Returns_True_For_Files_And_Directories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "entry")

	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	for _, p := range []string{path, dir} {
		exists, err := NewReal().Exists(p)
		if err != nil || !exists {
			t.Fatalf("Exists(%q)=%v,%v, want true,nil", p, exists, err)
		}
	}
}

func Test_Real_WriteFileAtomic_Replaces_Content_And_Applies_Mode(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "index.json")

	if err := fsys.WriteFileAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic first: %v", err)
	}

	if err := fsys.WriteFileAtomic(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic second: %v", err)
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if got, want := string(data), "second"; got != want {
		t.Fatalf("content=%q, want=%q", got, want)
	}

	info, err := fsys.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if got, want := info.Mode().Perm(), os.FileMode(0o644); got != want {
		t.Fatalf("mode=%v, want=%v", got, want)
	}
}

func Test_Real_WriteFileAtomic_Never_Exposes_Mixed_Content_When_Writers_Race(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			content := strings.Repeat(string(rune('A'+id)), 4096)
			for range 10 {
				_ = fsys.WriteFileAtomic(path, []byte(content), 0o644)
			}
		}(i)
	}

	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if len(data) != 4096 || strings.Count(string(data), string(data[0])) != len(data) {
		t.Fatalf("content mixed between writers: len=%d", len(data))
	}
}

func Test_Real_Link_Returns_ErrExist_When_Target_Exists(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	for _, p := range []string{src, dst} {
		if err := os.WriteFile(p, []byte(p), 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	if err := fsys.Link(src, dst); !errors.Is(err, os.ErrExist) {
		t.Fatalf("Link: err=%v, want %v", err, os.ErrExist)
	}
}
