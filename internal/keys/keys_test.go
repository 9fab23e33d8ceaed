package keys_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/dapcache/internal/keys"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func Test_Parse_Flattens_Nested_Objects_And_Keeps_Number_Text(t *testing.T) {
	t.Parallel()

	got, err := keys.Parse([]byte(`{
		// results of server functions
		"ResultsCache": {"dir": "/var/cache/dap", "size": 500, "prefix": "dods_"},
		"MetadataStore.size": 1.5,
		"Data": {"root": "/srv/data", "follow": true,}, // trailing comma
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := map[string]string{
		"ResultsCache.dir":    "/var/cache/dap",
		"ResultsCache.size":   "500",
		"ResultsCache.prefix": "dods_",
		"MetadataStore.size":  "1.5",
		"Data.root":           "/srv/data",
		"Data.follow":         "true",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func Test_Parse_Returns_Error_When_Value_Is_Unsupported(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{`{"a": [1]}`, `{"a": null}`, `{"a": `, `[]`} {
		if _, err := keys.Parse([]byte(doc)); err == nil {
			t.Fatalf("Parse(%s): want error", doc)
		}
	}
}

func Test_Load_Applies_Precedence_Global_Project_Override(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	work := t.TempDir()

	global := filepath.Join(home, "xdg", "dapcache", "keys.json")
	writeFile(t, global, `{"ResultsCache.dir": "/global", "ResultsCache.size": 1, "ResultsCache.prefix": "g_"}`)

	project := filepath.Join(work, keys.ProjectFileName)
	writeFile(t, project, `{"ResultsCache": {"dir": "/project", "size": 2}}`)

	got, err := keys.Load(keys.LoadInput{
		WorkDirOverride: work,
		Overrides:       []string{"ResultsCache.size=3"},
		Defaults:        map[string]string{"ResultsCache.wait": "1s"},
		Env:             map[string]string{"XDG_CONFIG_HOME": filepath.Join(home, "xdg")},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		key, value, source string
	}{
		{key: "ResultsCache.dir", value: "/project", source: project},
		{key: "ResultsCache.prefix", value: "g_", source: global},
		{key: "ResultsCache.size", value: "3", source: keys.SourceOverride},
		{key: "ResultsCache.wait", value: "1s", source: keys.SourceDefault},
	}

	for _, tt := range tests {
		v, ok := got.Keys.Get(tt.key)
		if !ok || v != tt.value {
			t.Fatalf("Get(%q)=%q,%v, want %q", tt.key, v, ok, tt.value)
		}

		if src := got.Keys.Source(tt.key); src != tt.source {
			t.Fatalf("Source(%q)=%q, want %q", tt.key, src, tt.source)
		}
	}

	if got.Sources.Global != global || got.Sources.Project != project {
		t.Fatalf("Sources=%+v, want global=%s project=%s", got.Sources, global, project)
	}

	if got.WorkDir != work {
		t.Fatalf("WorkDir=%q, want %q", got.WorkDir, work)
	}
}

func Test_Load_Uses_Explicit_File_Instead_Of_Project_File(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	writeFile(t, filepath.Join(work, keys.ProjectFileName), `{"a": "project"}`)
	writeFile(t, filepath.Join(work, "custom.json"), `{"a": "explicit"}`)

	got, err := keys.Load(keys.LoadInput{WorkDirOverride: work, ConfigPath: "custom.json"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if v, _ := got.Keys.Get("a"); v != "explicit" {
		t.Fatalf("a=%q, want %q", v, "explicit")
	}
}

func Test_Load_Returns_Error_When_Input_Is_Bad(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	writeFile(t, filepath.Join(work, "broken.json"), `{"a": `)

	tests := []struct {
		name  string
		input keys.LoadInput
		want  error
	}{
		{name: "MissingExplicit", input: keys.LoadInput{WorkDirOverride: work, ConfigPath: "nope.json"}, want: keys.ErrConfigFileNotFound},
		{name: "BrokenFile", input: keys.LoadInput{WorkDirOverride: work, ConfigPath: "broken.json"}, want: keys.ErrConfigInvalid},
		{name: "BadOverride", input: keys.LoadInput{WorkDirOverride: work, Overrides: []string{"=x"}}, want: keys.ErrOverrideInvalid},
		{name: "OverrideWithoutEquals", input: keys.LoadInput{WorkDirOverride: work, Overrides: []string{"a"}}, want: keys.ErrOverrideInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := keys.Load(tt.input); !errors.Is(err, tt.want) {
				t.Fatalf("Load: err=%v, want %v", err, tt.want)
			}
		})
	}
}

func Test_ParseOverride_Allows_Empty_Value_And_Equals_In_Value(t *testing.T) {
	t.Parallel()

	k, v, err := keys.ParseOverride("ResultsCache.dir=/a=b")
	if err != nil || k != "ResultsCache.dir" || v != "/a=b" {
		t.Fatalf("ParseOverride=%q,%q,%v", k, v, err)
	}

	k, v, err = keys.ParseOverride("x=")
	if err != nil || k != "x" || v != "" {
		t.Fatalf("ParseOverride=%q,%q,%v", k, v, err)
	}
}

func Test_Keys_Names_Are_Sorted(t *testing.T) {
	t.Parallel()

	var k keys.Keys
	k.Set("b", "1", "t")
	k.Set("a", "2", "t")

	if diff := cmp.Diff([]string{"a", "b"}, k.Names()); diff != "" {
		t.Fatalf("Names mismatch (-want +got):\n%s", diff)
	}
}
