package callable

import (
	"os"
	"path/filepath"
)

// DirResolver resolves callable modules to executables living in a
// directory: module "report" becomes <dir>/report, spoken to over stdio. An
// optional in-process registry takes precedence, so Go-registered modules
// shadow executables of the same name.
type DirResolver struct {
	dir      string
	fallback *Registry
}

// NewDirResolver creates a resolver rooted at dir. registry may be nil.
func NewDirResolver(dir string, registry *Registry) *DirResolver {
	return &DirResolver{dir: dir, fallback: registry}
}

// Resolve returns the callable for module/name.
func (r *DirResolver) Resolve(module, name string) (Func, error) {
	if r.fallback != nil {
		fn, err := r.fallback.Resolve(module, name)
		if err == nil {
			return fn, nil
		}

		if !IsMissingCallable(err) {
			return nil, err
		}
	}

	path := filepath.Join(r.dir, module)

	if _, err := os.Stat(path); err != nil {
		return nil, &MissingCallableError{Module: module, Name: name}
	}

	return NewSubprocess(path).Resolve(module, name)
}
