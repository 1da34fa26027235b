package stage

import (
	"fmt"
)

// Stage groups, coarse labels used in logs and metrics.
const (
	GroupInitialization = "initialization"
	GroupExtraction     = "extraction"
	GroupProcessing     = "processing"
	GroupEnrichment     = "enrichment"
	GroupFinalization   = "finalization"
)

// prerequisites is the static dependency graph: stage -> stages that must
// be completed before it may run.
var prerequisites = map[string][]string{
	Upload:             {},
	TextExtraction:     {Upload},
	TableExtraction:    {Upload},
	SVGProcessing:      {Upload},
	ImageProcessing:    {Upload},
	LinkExtraction:     {TextExtraction},
	ChunkPrep:          {TextExtraction},
	Classification:     {ChunkPrep},
	MetadataExtraction: {ChunkPrep},
	PartsExtraction:    {Classification},
	SeriesDetection:    {Classification},
	VisualEmbedding:    {ImageProcessing},
	Embedding:          {MetadataExtraction, VisualEmbedding},
	Storage:            {TableExtraction, SVGProcessing, ImageProcessing},
	SearchIndexing:     {PartsExtraction, SeriesDetection, Embedding, Storage},
}

var groups = map[string]string{
	Upload:             GroupInitialization,
	TextExtraction:     GroupExtraction,
	TableExtraction:    GroupExtraction,
	SVGProcessing:      GroupExtraction,
	ImageProcessing:    GroupExtraction,
	LinkExtraction:     GroupExtraction,
	ChunkPrep:          GroupProcessing,
	Classification:     GroupProcessing,
	MetadataExtraction: GroupProcessing,
	PartsExtraction:    GroupProcessing,
	SeriesDetection:    GroupProcessing,
	VisualEmbedding:    GroupEnrichment,
	Embedding:          GroupEnrichment,
	Storage:            GroupFinalization,
	SearchIndexing:     GroupFinalization,
}

// Graph is the static DAG over the fifteen stages. It is immutable after
// construction; all methods are safe for concurrent use.
type Graph struct {
	order      []string
	prereqs    map[string][]string
	dependents map[string][]string
}

// NewGraph builds the fixed stage graph.
func NewGraph() *Graph {
	g := &Graph{
		order:      Names(),
		prereqs:    prerequisites,
		dependents: make(map[string][]string, len(prerequisites)),
	}
	for _, name := range g.order {
		for _, pre := range g.prereqs[name] {
			g.dependents[pre] = append(g.dependents[pre], name)
		}
	}
	return g
}

// Contains reports whether name is one of the fifteen stages.
func (g *Graph) Contains(name string) bool {
	_, ok := g.prereqs[name]
	return ok
}

// Group returns the coarse group label for a stage, or "" for unknown names.
func (g *Graph) Group(name string) string { return groups[name] }

// Prerequisites returns the direct prerequisites of a stage.
func (g *Graph) Prerequisites(name string) []string {
	return append([]string(nil), g.prereqs[name]...)
}

// Dependents returns the stages that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// TransitiveDependents returns every stage downstream of name, in registry
// order.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := map[string]bool{}
	var walk func(n string)
	walk = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Ready reports whether every prerequisite of a stage is completed in the
// given status map.
func (g *Graph) Ready(name string, statuses map[string]string) bool {
	for _, pre := range g.prereqs[name] {
		if statuses[pre] != StatusCompleted {
			return false
		}
	}
	return true
}

// TopologicalOrder orders the given stages so every stage appears after its
// prerequisites that are also in the set. Ties at equal depth are broken by
// registry declaration order. Unknown names are an error; the fixed graph
// is acyclic, so a cycle here indicates a corrupted edge table.
func (g *Graph) TopologicalOrder(stages []string) ([]string, error) {
	in := make(map[string]bool, len(stages))
	for _, s := range stages {
		if !g.Contains(s) {
			return nil, fmt.Errorf("unknown stage %q", s)
		}
		in[s] = true
	}

	indegree := make(map[string]int, len(in))
	for s := range in {
		for _, pre := range g.prereqs[s] {
			if in[pre] {
				indegree[s]++
			}
		}
	}

	out := make([]string, 0, len(in))
	done := make(map[string]bool, len(in))
	for len(out) < len(in) {
		progressed := false
		for _, s := range g.order {
			if !in[s] || done[s] || indegree[s] != 0 {
				continue
			}
			out = append(out, s)
			done[s] = true
			progressed = true
			for _, d := range g.dependents[s] {
				if in[d] {
					indegree[d]--
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle among stages %v", stages)
		}
	}
	return out, nil
}
