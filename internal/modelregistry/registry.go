// Package modelregistry loads the curated set of embedding models once
// at daemon start into a fixed map, the way the design notes (§9)
// call for replacing ad-hoc JSON lookups: a referenced model that is
// missing from the registry is a hard error at the call site, never a
// silent zero-value dimension.
package modelregistry

import "fmt"

type Kind string

const (
	KindONNX   Kind = "onnx"
	KindPython Kind = "python"
)

// Model is a curated model descriptor (the spec's "Model descriptor").
type Model struct {
	ID          string
	DisplayName string
	Kind        Kind
	Dimensions  int
	Installed   bool
}

// Registry is a process-wide catalogue of curated models. Its set of
// models is fixed at construction; only an entry's Installed flag
// changes afterwards, through MarkInstalled.
type Registry struct {
	byID map[string]Model
}

// New builds a Registry from a fixed list, failing fast if two entries
// share an ID or any entry has non-positive dimensions.
func New(models []Model) (*Registry, error) {
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("modelregistry: duplicate model id %q", m.ID)
		}
		if m.Dimensions <= 0 {
			return nil, fmt.Errorf("modelregistry: model %q missing dimensions", m.ID)
		}
		byID[m.ID] = m
	}
	return &Registry{byID: byID}, nil
}

// ErrUnknownModel is returned by Lookup for an id not in the registry.
type ErrUnknownModel struct {
	ID string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("unknown model %q", e.ID)
}

// Lookup returns the curated descriptor for id, or ErrUnknownModel.
func (r *Registry) Lookup(id string) (Model, error) {
	m, ok := r.byID[id]
	if !ok {
		return Model{}, &ErrUnknownModel{ID: id}
	}
	return m, nil
}

// MarkInstalled sets id's Installed flag in place, used once the model
// download manager (C9) completes a fetch. Unknown ids are ignored.
func (r *Registry) MarkInstalled(id string) {
	if m, ok := r.byID[id]; ok {
		m.Installed = true
		r.byID[id] = m
	}
}

// All returns every curated model, for the FMDM installed-model
// catalogue.
func (r *Registry) All() []Model {
	out := make([]Model, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}

// Default returns the built-in curated catalogue: a small installed
// ONNX model, a larger, not-yet-downloaded ONNX one, and a
// not-yet-downloaded Python-backed model, matching the scenarios in §8
// (S1 uses an installed model, S2 one that must download).
func Default() *Registry {
	r, err := New([]Model{
		{ID: "mini-384", DisplayName: "MiniLM 384", Kind: KindONNX, Dimensions: 384, Installed: true},
		{ID: "bigger-768", DisplayName: "MPNet 768", Kind: KindONNX, Dimensions: 768, Installed: false},
		{ID: "multilingual-e5", DisplayName: "Multilingual E5", Kind: KindPython, Dimensions: 1024, Installed: false},
	})
	if err != nil {
		// Built-in table is a compile-time invariant; a duplicate or
		// zero-dimension entry here is a programming error.
		panic(err)
	}
	return r
}
