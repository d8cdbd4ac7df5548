package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	harvester "github.com/wolfeidau/catalog-harvester"
)

// manifestNames are tried in order inside a bundle directory.
var manifestNames = []string{"manifest.toml", "manifest.yaml", "manifest.yml"}

// bundleGlob finds bundle manifests one level below an extensions directory.
const bundleGlob = "*/manifest.{toml,yaml,yml}"

// Bundle is a validated manifest plus the extension script.
type Bundle struct {
	Manifest *Manifest
	Source   string
	// Dir is the bundle directory; empty for bundles built in memory.
	Dir string
	// Hash is the BLAKE3 digest of the manifest and script bytes.
	Hash harvester.Hash
}

// NewBundle builds a bundle from raw manifest and script bytes.
func NewBundle(manifest []byte, format Format, source []byte) (*Bundle, error) {
	m, err := ParseManifest(manifest, format)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Manifest: m,
		Source:   string(source),
		Hash:     bundleHash(manifest, source),
	}, nil
}

// LoadBundle reads a bundle directory.
func LoadBundle(dir string) (*Bundle, error) {
	var (
		raw    []byte
		format Format
	)
	for _, name := range manifestNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &LoadError{Kind: BundleUnreadable, Path: dir, Err: err}
		}
		raw = data
		format, _ = FormatFromName(name)
		break
	}
	if raw == nil {
		return nil, &LoadError{Kind: BundleUnreadable, Path: dir, Err: errors.New("no manifest found")}
	}

	m, err := ParseManifest(raw, format)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = dir
		}
		return nil, err
	}

	source, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(m.Entry)))
	if err != nil {
		return nil, &LoadError{Kind: BundleUnreadable, Extension: m.ID, Path: dir, Err: fmt.Errorf("reading entry: %w", err)}
	}

	return &Bundle{
		Manifest: m,
		Source:   string(source),
		Dir:      dir,
		Hash:     bundleHash(raw, source),
	}, nil
}

// FindBundles returns the bundle directories under root, sorted.
func FindBundles(root string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), bundleGlob)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	seen := make(map[string]bool)
	var dirs []string
	for _, m := range matches {
		dir := path.Dir(m)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, filepath.Join(root, filepath.FromSlash(dir)))
	}
	sort.Strings(dirs)
	return dirs, nil
}

func bundleHash(manifest, source []byte) harvester.Hash {
	buf := make([]byte, 0, len(manifest)+len(source)+1)
	buf = append(buf, manifest...)
	buf = append(buf, 0)
	buf = append(buf, source...)
	return harvester.HashBytes(buf)
}
