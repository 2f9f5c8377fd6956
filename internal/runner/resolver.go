package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/store"
)

var (
	// ErrUnknownProgram is returned for a program address with no
	// registered image. Retrying does not help.
	ErrUnknownProgram = errors.New("unknown program")
	// ErrHashMismatch is returned when fetched bytes do not match the
	// registered content hash.
	ErrHashMismatch = errors.New("image hash mismatch")
)

// Registry maps program addresses to image references.
type Registry interface {
	Program(ctx context.Context, addr ir.Address) (ir.ImageRef, error)
}

// Fetcher retrieves image bytes by reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref ir.ImageRef) ([]byte, error)
}

// DirFetcher reads artifacts from a local content-addressed directory,
// one file per sha256 hex digest.
type DirFetcher struct {
	Dir string
}

// Fetch implements Fetcher.
func (f DirFetcher) Fetch(_ context.Context, ref ir.ImageRef) ([]byte, error) {
	code, err := os.ReadFile(filepath.Join(f.Dir, ref.Hash))
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", ref.Hash, err)
	}
	return code, nil
}

// Put stores code in the artifact directory and returns its content hash.
func (f DirFetcher) Put(code []byte) (string, error) {
	hash := ir.ContentHash(code)
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	final := filepath.Join(f.Dir, hash)
	if _, err := os.Stat(final); err == nil {
		return hash, nil
	}
	tmp, err := os.CreateTemp(f.Dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(code); err != nil {
		tmp.Close()
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return hash, nil
}

// Resolver turns program addresses into verified images. Resolved images
// are cached by content hash.
type Resolver struct {
	registry Registry
	fetcher  Fetcher
	cache    *lru.Cache[string, []byte]
}

// NewResolver creates a resolver caching up to size images.
func NewResolver(registry Registry, fetcher Fetcher, size int) (*Resolver, error) {
	cache, err := lru.New[string, []byte](max(size, 1))
	if err != nil {
		return nil, fmt.Errorf("image cache: %w", err)
	}
	return &Resolver{registry: registry, fetcher: fetcher, cache: cache}, nil
}

// Resolve returns the image bound to program.
func (r *Resolver) Resolve(ctx context.Context, program ir.Address) (ir.ProgramImage, error) {
	ref, err := r.registry.Program(ctx, program)
	if errors.Is(err, store.ErrNotFound) {
		return ir.ProgramImage{}, fmt.Errorf("%w: %s", ErrUnknownProgram, program)
	}
	if err != nil {
		return ir.ProgramImage{}, fmt.Errorf("resolve %s: %w", program, err)
	}
	// Named container images are pulled by the runtime itself.
	if ref.Kind == ir.ImageContainer && ref.Hash == "" {
		return ir.ProgramImage{Ref: ref}, nil
	}
	if code, ok := r.cache.Get(ref.Hash); ok {
		return ir.ProgramImage{Ref: ref, Code: code}, nil
	}

	code, err := r.fetcher.Fetch(ctx, ref)
	if err != nil {
		return ir.ProgramImage{}, err
	}
	if err := ir.VerifyContent(code, ref.Hash); err != nil {
		return ir.ProgramImage{}, fmt.Errorf("%w: %v", ErrHashMismatch, err)
	}
	r.cache.Add(ref.Hash, code)
	return ir.ProgramImage{Ref: ref, Code: code}, nil
}

// Cached reports whether an image with hash is resident.
func (r *Resolver) Cached(hash string) bool {
	return r.cache.Contains(hash)
}
