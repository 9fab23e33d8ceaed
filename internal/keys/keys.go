// Package keys resolves the dotted configuration keys ("ResultsCache.dir",
// "Data.root", ...) that cache stores and the CLI are configured with.
//
// Keys come from JSONC files layered by precedence and from command-line
// overrides. Nested objects are flattened, so
//
//	{"ResultsCache": {"dir": "/var/cache/dap", "size": 500}}
//
// and
//
//	{"ResultsCache.dir": "/var/cache/dap", "ResultsCache.size": 500}
//
// define the same two keys.
package keys

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tailscale/hujson"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrOverrideInvalid    = errors.New("invalid key override, want key=value")
)

// ProjectFileName is the optional keys file looked up in the working directory.
const ProjectFileName = ".dapcache.json"

// Source names for values that do not come from a file.
const (
	SourceOverride = "--key"
	SourceDefault  = "default"
)

// Keys is a resolved set of configuration keys. The zero value is empty and
// ready to use.
type Keys struct {
	values  map[string]string
	sources map[string]string
}

// New returns keys holding defaults, recorded with [SourceDefault].
func New(defaults map[string]string) *Keys {
	k := &Keys{}

	for name, v := range defaults {
		k.Set(name, v, SourceDefault)
	}

	return k
}

// Get returns the value of key. Lookups are exact and case-sensitive.
func (k *Keys) Get(key string) (string, bool) {
	v, ok := k.values[key]

	return v, ok
}

// Set defines key, replacing any earlier value, and records where it came from.
func (k *Keys) Set(key, value, source string) {
	if k.values == nil {
		k.values = make(map[string]string)
		k.sources = make(map[string]string)
	}

	k.values[key] = value
	k.sources[key] = source
}

// Source returns the file (or [SourceOverride], [SourceDefault]) the current
// value of key came from.
func (k *Keys) Source(key string) string {
	return k.sources[key]
}

// Names returns all defined keys, sorted.
func (k *Keys) Names() []string {
	names := make([]string, 0, len(k.values))
	for name := range k.values {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Sources lists the files that were loaded.
type Sources struct {
	Global  string // empty if no global file was loaded
	Project string // project or explicit file, empty if none was loaded
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd; os.Getwd() if empty
	ConfigPath      string            // -c/--config; must exist when set
	Overrides       []string          // --key k=v, applied in order
	Defaults        map[string]string // lowest precedence
	Env             map[string]string
}

// Loaded is the result of [Load].
type Loaded struct {
	Keys    *Keys
	WorkDir string
	Sources Sources
}

// Load resolves keys with the following precedence (highest wins):
//  1. Defaults
//  2. Global file ($XDG_CONFIG_HOME/dapcache/keys.json or ~/.config/dapcache/keys.json)
//  3. Project file (.dapcache.json in the working directory), or the explicit
//     file given by ConfigPath instead
//  4. Overrides
func Load(input LoadInput) (Loaded, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Loaded{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = wd
	}

	out := Loaded{Keys: New(input.Defaults), WorkDir: workDir}

	if global := globalPath(input.Env); global != "" {
		loaded, err := loadFile(out.Keys, global, false)
		if err != nil {
			return Loaded{}, err
		}

		if loaded {
			out.Sources.Global = global
		}
	}

	project, mustExist := filepath.Join(workDir, ProjectFileName), false

	if input.ConfigPath != "" {
		project, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(project) {
			project = filepath.Join(workDir, project)
		}

		if _, err := os.Stat(project); err != nil {
			return Loaded{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	loaded, err := loadFile(out.Keys, project, mustExist)
	if err != nil {
		return Loaded{}, err
	}

	if loaded {
		out.Sources.Project = project
	}

	for _, o := range input.Overrides {
		key, value, err := ParseOverride(o)
		if err != nil {
			return Loaded{}, err
		}

		out.Keys.Set(key, value, SourceOverride)
	}

	return out, nil
}

// ParseOverride splits a "key=value" override. The value may be empty; the
// key may not.
func ParseOverride(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)

	if !ok || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrOverrideInvalid, s)
	}

	return key, value, nil
}

// globalPath returns the global keys file, or "" if neither XDG_CONFIG_HOME
// nor HOME is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "dapcache", "keys.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "dapcache", "keys.json")
	}

	return ""
}

func loadFile(into *Keys, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return false, nil
		}

		return false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	values, err := Parse(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	for k, v := range values {
		into.Set(k, v, path)
	}

	return true, nil
}

// Parse decodes a JSONC keys document into flat dotted keys. Values must be
// strings, numbers or booleans; numbers keep their literal text.
func Parse(data []byte) (map[string]string, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	out := make(map[string]string)
	if err := flatten(out, "", raw); err != nil {
		return nil, err
	}

	return out, nil
}

func flatten(out map[string]string, prefix string, obj map[string]any) error {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}

		switch val := v.(type) {
		case map[string]any:
			if err := flatten(out, name, val); err != nil {
				return err
			}
		case string:
			out[name] = val
		case json.Number:
			out[name] = val.String()
		case bool:
			out[name] = fmt.Sprint(val)
		default:
			return fmt.Errorf("key %q: unsupported value %v", name, v)
		}
	}

	return nil
}
