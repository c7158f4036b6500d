// Package template discovers WIRL workflow templates on disk and compiles
// them on demand, cached by source hash.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wirl-dev/wirlflow/pkg/compiler"
	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/wirl"
)

// ErrTemplateNotFound marks lookups of unknown template names.
var ErrTemplateNotFound = errors.New("template not found")

// IsTemplateNotFound reports whether err wraps ErrTemplateNotFound.
func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

// Loader scans a definitions directory for *.wirl files. The template id is
// the file stem; compiled graphs are cached by source hash so redeploys of a
// changed file recompile while running workers keep serving the old hash.
type Loader struct {
	root string

	mu    sync.RWMutex
	cache map[string]*compiled
}

type compiled struct {
	graph *compiler.Graph
	hash  string
}

// NewLoader creates a loader rooted at the definitions directory.
func NewLoader(root string) *Loader {
	return &Loader{root: root, cache: make(map[string]*compiled)}
}

// List returns every discovered template sorted by id.
func (l *Loader) List() ([]models.TemplateInfo, error) {
	var templates []models.TemplateInfo

	err := filepath.WalkDir(l.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wirl") {
			return nil
		}

		id := strings.TrimSuffix(entry.Name(), ".wirl")
		templates = append(templates, models.TemplateInfo{ID: id, Name: id, Path: path})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow definitions: %w", err)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })

	return templates, nil
}

// Get returns metadata for one template.
func (l *Loader) Get(name string) (*models.TemplateInfo, error) {
	templates, err := l.List()
	if err != nil {
		return nil, err
	}

	for i := range templates {
		if templates[i].ID == name {
			return &templates[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
}

// Load parses and compiles the named template, returning the graph and its
// source hash. Identical sources hit the compile cache.
func (l *Loader) Load(name string) (*compiler.Graph, string, error) {
	info, err := l.Get(name)
	if err != nil {
		return nil, "", err
	}

	source, err := os.ReadFile(info.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read workflow file: %w", err)
	}

	hash := SourceHash(source)

	l.mu.RLock()
	cached, ok := l.cache[hash]
	l.mu.RUnlock()

	if ok {
		return cached.graph, cached.hash, nil
	}

	file, err := wirl.Parse(source)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse template %q: %w", name, err)
	}

	graph, err := compiler.Compile(file)
	if err != nil {
		return nil, "", fmt.Errorf("failed to compile template %q: %w", name, err)
	}

	l.mu.Lock()
	l.cache[hash] = &compiled{graph: graph, hash: hash}
	l.mu.Unlock()

	return graph, hash, nil
}

// SourceHash returns the hex sha256 of a template source.
func SourceHash(source []byte) string {
	sum := sha256.Sum256(source)

	return hex.EncodeToString(sum[:])
}
