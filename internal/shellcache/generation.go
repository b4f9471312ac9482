// Package shellcache keeps the application shell available offline. It owns
// versioned cache generations on disk and serves same-origin GET traffic
// with a stale-while-revalidate strategy: cached content returns
// immediately while the network refreshes the entry for next time.
package shellcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// GenerationPrefix is the cache naming scheme. Activation prunes every
// directory matching the prefix except the current version; anything else
// in the cache root is left alone.
const GenerationPrefix = "clinic-shell-"

// Entry is one cached response.
type Entry struct {
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	CapturedAt  time.Time `json:"captured_at"`
	Body        []byte    `json:"-"`
}

// Generation is a single mutable cache generation: one directory holding a
// gzip-compressed body and a metadata sidecar per entry. Entries are
// overwritten in place without coordination; a concurrent writer at worst
// causes one more stale serve.
type Generation struct {
	dir string
}

// OpenGeneration opens (or creates) the generation for version under root.
func OpenGeneration(root, version string) (*Generation, error) {
	dir := filepath.Join(root, GenerationPrefix+version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache generation: %w", err)
	}
	return &Generation{dir: dir}, nil
}

// Dir returns the generation directory.
func (g *Generation) Dir() string { return g.dir }

// Key derives the request identity digest for method + URL.
func Key(method, url string) string {
	sum := sha256.Sum256([]byte(method + " " + url))
	return hex.EncodeToString(sum[:16])
}

// Put stores an entry, overwriting any previous one for the same identity.
func (g *Generation) Put(method, url string, e Entry) error {
	key := Key(method, url)
	e.URL = url
	if e.CapturedAt.IsZero() {
		e.CapturedAt = time.Now()
	}

	body := filepath.Join(g.dir, key+".body.gz")
	f, err := os.Create(body + ".tmp")
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(e.Body); err != nil {
		f.Close()
		os.Remove(body + ".tmp")
		return fmt.Errorf("cache compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(body + ".tmp")
		return fmt.Errorf("cache compress: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(body + ".tmp")
		return err
	}
	if err := os.Rename(body+".tmp", body); err != nil {
		os.Remove(body + ".tmp")
		return err
	}

	meta, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache meta: %w", err)
	}
	return os.WriteFile(filepath.Join(g.dir, key+".meta.json"), meta, 0o644)
}

// Get looks an entry up by request identity. A miss returns (nil, nil).
func (g *Generation) Get(method, url string) (*Entry, error) {
	key := Key(method, url)
	meta, err := os.ReadFile(filepath.Join(g.dir, key+".meta.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(meta, &e); err != nil {
		return nil, fmt.Errorf("cache meta decode: %w", err)
	}

	f, err := os.Open(filepath.Join(g.dir, key+".body.gz"))
	if os.IsNotExist(err) {
		return nil, nil // body lost; treat as miss
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("cache decompress: %w", err)
	}
	defer zr.Close()
	e.Body, err = io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	return &e, nil
}

// PruneSiblings deletes every generation under root that matches the naming
// scheme but is not this one. Returns the pruned directory names.
func (g *Generation) PruneSiblings(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan cache root: %w", err)
	}
	keep := filepath.Base(g.dir)
	var pruned []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == keep {
			continue
		}
		if len(name) < len(GenerationPrefix) || name[:len(GenerationPrefix)] != GenerationPrefix {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			return pruned, fmt.Errorf("prune %s: %w", name, err)
		}
		pruned = append(pruned, name)
	}
	return pruned, nil
}
