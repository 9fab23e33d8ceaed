package cli_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/dapcache/internal/cli"
)

func Test_Purge_Removes_Entry_When_It_Exists(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.ConfigureCache(1)
	src := c.WriteFile("granule.txt", "abc\n")

	c.MustRun(getArgs("granule.txt", "upper", countingBuild)...)

	stdout := c.MustRun("purge", "--source", "granule.txt", "--op", "upper")
	if got, want := stdout, "purged "+src+"#upper"; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	if got := c.MustRun("ls"); got != "" {
		t.Errorf("ls=%q, want empty", got)
	}

	stdout = c.MustRun("purge", "--source", "granule.txt", "--op", "upper")
	cli.AssertContains(t, stdout, "nothing to purge")

	c.MustRun(getArgs("granule.txt", "upper", countingBuild)...)

	if got, want := buildCount(t, c), 2; got != want {
		t.Errorf("builds=%d, want=%d", got, want)
	}
}

func Test_Purge_Fails_When_Cache_Is_Unavailable(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("purge", "--source", "f", "--op", "x")

	cli.AssertContains(t, stderr, "filecache: unavailable")
}

func Test_Ls_Lists_Digest_Size_And_Key_When_Entries_Exist(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.ConfigureCache(1)
	src := c.WriteFile("granule.txt", "abc\n")

	c.MustRun(getArgs("granule.txt", "upper", countingBuild)...)

	fields := strings.Fields(c.MustRun("ls"))
	if len(fields) != 4 {
		t.Fatalf("ls fields=%q, want 4", fields)
	}

	if got, want := len(fields[0]), 64; got != want {
		t.Errorf("digest len=%d, want=%d", got, want)
	}

	if got, want := fields[1], "4"; got != want {
		t.Errorf("size=%q, want=%q", got, want)
	}

	if got, want := fields[3], src+"#upper"; got != want {
		t.Errorf("key=%q, want=%q", got, want)
	}

	var entry string

	for _, name := range c.CacheFiles() {
		if strings.HasSuffix(name, fields[0]) {
			entry = name
		}
	}

	if got, want := entry, "res-"+fields[0]; got != want {
		t.Errorf("entry file=%q, want=%q", got, want)
	}
}

func Test_Stat_Reports_Totals_And_Budget_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.ConfigureCache(1)
	c.WriteFile("granule.txt", "abc\n")

	c.MustRun(getArgs("granule.txt", "upper", countingBuild)...)

	stdout := c.MustRun("stat")

	cli.AssertContains(t, stdout, "cache=ResultsCache")
	cli.AssertContains(t, stdout, "dir="+c.CacheDir())
	cli.AssertContains(t, stdout, "prefix=res-")
	cli.AssertContains(t, stdout, "entries=1")
	cli.AssertContains(t, stdout, "total_bytes=4")
	cli.AssertContains(t, stdout, "max_bytes=1048576")
}

func Test_Stat_Uses_Selected_Cache_When_Cache_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(`{
  "Data.root": "data",
  "MetadataStore": {"subdir": "meta", "prefix": "md-", "size": 3}
}`)

	stderr := c.MustFail("--cache", "MetadataStore", "stat")
	cli.AssertContains(t, stderr, "filecache: unavailable")

	if err := os.MkdirAll(filepath.Join(c.Dir, "data", "meta"), 0o755); err != nil {
		t.Fatal(err)
	}

	stdout := c.MustRun("--cache", "MetadataStore", "stat")

	cli.AssertContains(t, stdout, "cache=MetadataStore")
	cli.AssertContains(t, stdout, "prefix=md-")
	cli.AssertContains(t, stdout, "max_bytes=3145728")
}

func Test_Evict_Brings_Cache_Under_Budget_When_Over(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.ConfigureCache(1)
	c.WriteFile("a.txt", "a\n")
	c.WriteFile("b.txt", "b\n")

	big := []string{"--", "sh", "-c", "head -c 700000 /dev/zero"}

	c.MustRun(getArgs("a.txt", "big", big)...)
	c.MustRun(getArgs("b.txt", "big", big)...)

	stdout := c.MustRun("evict")
	cli.AssertContains(t, stdout, "removed=")

	stat := c.MustRun("stat")
	cli.AssertContains(t, stat, "entries=1")
	cli.AssertContains(t, stat, "total_bytes=700000")
}

func Test_Evict_Does_Nothing_When_Under_Budget(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.ConfigureCache(1)
	c.WriteFile("granule.txt", "abc\n")

	c.MustRun(getArgs("granule.txt", "upper", countingBuild)...)

	if got, want := c.MustRun("evict"), "removed=0 removed_bytes=0 skipped=0 orphans=0 total_bytes=4"; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}
}
