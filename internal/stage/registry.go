package stage

import (
	"sync"
)

// Registry binds stage names to implementations. The name set is closed:
// looking up anything outside the fifteen known stages is a permanent
// unknown_stage failure. Registration order is the tie-break order the
// orchestrator uses between stages at equal graph depth.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	stages map[string]Stage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage, 15)}
}

// Register binds an implementation to its name. Registering a name twice
// replaces the implementation and keeps the original order slot, which is
// how tests substitute a single stage.
func (r *Registry) Register(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, exists := r.stages[name]; !exists {
		r.order = append(r.order, name)
	}
	r.stages[name] = s
}

// Lookup resolves a stage name.
func (r *Registry) Lookup(name string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[name]
	if !ok {
		return nil, Errorf(CodeUnknownStage, "stage %q is not registered", name)
	}
	return s, nil
}

// Names returns the registered stage names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}

// Deps bundles the adapters the built-in stage implementations consume.
type Deps struct {
	Objects   ObjectStore
	AI        AIClient
	Artifacts ArtifactStore
}

// NewDefaultRegistry binds all fifteen built-in stage implementations in
// canonical order.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(&uploadStage{deps})
	r.Register(&textExtractionStage{deps})
	r.Register(&tableExtractionStage{deps})
	r.Register(&svgProcessingStage{deps})
	r.Register(&imageProcessingStage{deps})
	r.Register(&linkExtractionStage{deps})
	r.Register(&chunkPrepStage{deps})
	r.Register(&classificationStage{deps})
	r.Register(&metadataExtractionStage{deps})
	r.Register(&partsExtractionStage{deps})
	r.Register(&seriesDetectionStage{deps})
	r.Register(&visualEmbeddingStage{deps})
	r.Register(&embeddingStage{deps})
	r.Register(&storageStage{deps})
	r.Register(&searchIndexingStage{deps})
	return r
}
