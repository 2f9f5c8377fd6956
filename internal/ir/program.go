package ir

import "fmt"

// ImageKind selects the runner technology for a program.
type ImageKind string

const (
	// ImageLua is a Lua module run by the in-process interpreter.
	ImageLua ImageKind = "lua"
	// ImageContainer is an OCI image run by the container runtime.
	ImageContainer ImageKind = "container"
)

// ImageRef binds a program address to a content-addressed image.
// Name is the container reference for ImageContainer and informational
// otherwise.
type ImageRef struct {
	Program Address   `json:"program"`
	Kind    ImageKind `json:"kind"`
	Hash    string    `json:"hash"`
	Name    string    `json:"name,omitempty"`
}

// Validate checks the ref is resolvable.
func (r ImageRef) Validate() error {
	if r.Program.IsZero() {
		return fmt.Errorf("image ref without program address")
	}
	switch r.Kind {
	case ImageLua:
		if len(r.Hash) != 64 {
			return fmt.Errorf("program %s: lua image needs a sha256 content hash", r.Program)
		}
	case ImageContainer:
		if r.Name == "" && len(r.Hash) != 64 {
			return fmt.Errorf("program %s: container image needs a name or hash", r.Program)
		}
	default:
		return fmt.Errorf("program %s: unknown image kind %q", r.Program, r.Kind)
	}
	return nil
}

// ProgramImage is a resolved, verified image. Immutable once resolved.
type ProgramImage struct {
	Ref  ImageRef
	Code []byte
}
