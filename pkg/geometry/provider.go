package geometry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"fibconv/pkg/matfile"
)

// ErrResourceNotFound is returned for an unknown geometry key
var ErrResourceNotFound = errors.New("geometry resource not found")

// DefaultKey is the tessellation DSI Studio uses for reconstructed ODFs
const DefaultKey = "odf8"

// builtin maps the packaged geometry keys to their subdivision frequency
var builtin = map[string]int{
	"odf4": 4,
	"odf5": 5,
	"odf6": 6,
	"odf8": 8,
}

// Keys lists the packaged geometry keys
func Keys() []string {
	keys := make([]string, 0, len(builtin))
	for k := range builtin {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Provider loads spheres by key and caches them
type Provider struct {
	// resource optionally points at a level-4 file with <key>_vertices
	// and <key>_faces matrices, consulted before the packaged set
	resource string

	mu    sync.Mutex
	cache map[string]*Sphere
}

// NewProvider creates a Provider. resource may be empty.
func NewProvider(resource string) *Provider {
	return &Provider{
		resource: resource,
		cache:    make(map[string]*Sphere),
	}
}

// Load returns the sphere for key
func (p *Provider) Load(key string) (*Sphere, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.cache[key]; ok {
		return s, nil
	}

	var (
		s   *Sphere
		err error
	)
	if p.resource != "" {
		s, err = loadResource(p.resource, key)
		if err != nil && !errors.Is(err, ErrResourceNotFound) {
			return nil, err
		}
	}
	if s == nil {
		s, err = Load(key)
		if err != nil {
			return nil, err
		}
	}
	p.cache[key] = s
	return s, nil
}

// Load builds a packaged sphere without caching
func Load(key string) (*Sphere, error) {
	freq, ok := builtin[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, key)
	}
	return Tessellate(key, freq)
}

func loadResource(path, key string) (*Sphere, error) {
	f, err := matfile.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geometry resource %s: %w", path, err)
	}
	vv, ok := f.Get(key + "_vertices")
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrResourceNotFound, key, path)
	}
	fv, ok := f.Get(key + "_faces")
	if !ok {
		return nil, fmt.Errorf("%w: %q faces in %s", ErrResourceNotFound, key, path)
	}
	return FromMatrices(key, vv, fv)
}

// FromMatrices builds a sphere from 3 x 2N vertex and 3 x F face matrices,
// the layout used by fib files and geometry resources.
func FromMatrices(key string, vertices, faces *matfile.Var) (*Sphere, error) {
	if vertices.Rows != 3 || faces.Rows != 3 {
		return nil, fmt.Errorf("sphere %s: expected 3-row matrices, got %dx%d vertices and %dx%d faces",
			key, vertices.Rows, vertices.Cols, faces.Rows, faces.Cols)
	}
	vals := vertices.Float64s()
	verts := make([]r3.Vec, vertices.Cols)
	for i := range verts {
		verts[i] = r3.Vec{X: vals[3*i], Y: vals[3*i+1], Z: vals[3*i+2]}
	}
	idx := faces.Ints()
	fs := make([][3]int, faces.Cols)
	for i := range fs {
		fs[i] = [3]int{idx[3*i], idx[3*i+1], idx[3*i+2]}
	}
	return NewSphere(key, verts, fs)
}
