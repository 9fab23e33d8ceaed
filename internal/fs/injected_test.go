package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func Test_Injected_Fails_Only_Matching_Operation_And_Path_Until_Cleared(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	entry := filepath.Join(dir, "x-entry")
	other := filepath.Join(dir, "y-entry")

	for _, p := range []string{entry, other} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	inj := NewInjected(NewReal())
	inj.Fail(OpOpenFile, func(path string) bool {
		return strings.HasPrefix(filepath.Base(path), "x-")
	}, syscall.EIO)

	_, err := inj.OpenFile(entry, os.O_RDONLY, 0)
	if !errors.Is(err, syscall.EIO) || !IsInjected(err) {
		t.Fatalf("OpenFile(%q): err=%v, want injected EIO", entry, err)
	}

	var pathErr *os.PathError
	if !errors.As(err, &pathErr) || pathErr.Path != entry {
		t.Fatalf("OpenFile(%q): err=%v, want *PathError naming the path", entry, err)
	}

	f, err := inj.OpenFile(other, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile(%q): %v", other, err)
	}
	_ = f.Close()

	if _, err := inj.Stat(entry); err != nil {
		t.Fatalf("Stat(%q) with only OpenFile armed: %v", entry, err)
	}

	inj.Clear()

	f, err = inj.OpenFile(entry, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile(%q) after Clear: %v", entry, err)
	}
	_ = f.Close()
}

func Test_Injected_Locker_Reports_CreateTemp_Failure_When_Staging_Is_Armed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inj := NewInjected(NewReal())
	inj.Fail(OpCreateTemp, nil, syscall.ENOSPC)

	_, err := NewLocker(inj).CreateLocked(filepath.Join(dir, "entry"))
	if !errors.Is(err, syscall.ENOSPC) || !IsInjected(err) {
		t.Fatalf("CreateLocked: err=%v, want injected ENOSPC", err)
	}

	if IsInjected(errors.New("real")) || IsInjected(nil) {
		t.Fatalf("IsInjected reported a plain error as injected")
	}
}
