package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	chunkSize    = 800
	chunkOverlap = 100
)

// Chunk is one retrieval unit produced by chunk_prep.
type Chunk struct {
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// ChunksPayload is the chunk_prep output. ChunksChecksum binds downstream
// canonical inputs to the chunk content.
type ChunksPayload struct {
	ObjectKey      string `json:"object_key"`
	ChunksChecksum string `json:"chunks_checksum"`
	ChunkCount     int    `json:"chunk_count"`
}

// ClassificationPayload is the classification output. It carries the chunk
// reference forward for its dependents (parts_extraction, series_detection).
type ClassificationPayload struct {
	DocType        string  `json:"doc_type"`
	Confidence     float64 `json:"confidence"`
	ObjectKey      string  `json:"object_key"`
	ChunksChecksum string  `json:"chunks_checksum"`
}

// MetadataPayload is the metadata_extraction output; the chunk reference is
// carried forward for the embedding stage.
type MetadataPayload struct {
	Title          string `json:"title"`
	WordCount      int    `json:"word_count"`
	CharCount      int    `json:"char_count"`
	ObjectKey      string `json:"object_key"`
	ChunksChecksum string `json:"chunks_checksum"`
}

// PartsPayload is the parts_extraction output.
type PartsPayload struct {
	Parts     []string `json:"parts"`
	PartCount int      `json:"part_count"`
}

// SeriesGroup is one detected part series.
type SeriesGroup struct {
	Prefix  string   `json:"prefix"`
	Members []string `json:"members"`
}

// SeriesPayload is the series_detection output.
type SeriesPayload struct {
	Series      []SeriesGroup `json:"series"`
	SeriesCount int           `json:"series_count"`
}

// chunkInput is the shared canonical-input shape for stages whose only
// prerequisite is chunk_prep.
func chunkInput(name string, pctx *Context) ([]byte, error) {
	chunks, err := prereqPayload(pctx, ChunkPrep)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage      string          `json:"stage"`
		DocumentID string          `json:"document_id"`
		Chunks     json.RawMessage `json:"chunks"`
	}{name, pctx.Document.ID, chunks})
}

// classificationInput is the shared canonical-input shape for stages whose
// only prerequisite is classification.
func classificationInput(name string, pctx *Context) ([]byte, error) {
	cls, err := prereqPayload(pctx, Classification)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage          string          `json:"stage"`
		DocumentID     string          `json:"document_id"`
		Classification json.RawMessage `json:"classification"`
	}{name, pctx.Document.ID, cls})
}

// loadChunks fetches and decodes the chunk list behind an object key.
func loadChunks(ctx context.Context, deps Deps, objectKey string) ([]Chunk, error) {
	data, err := deps.Objects.Get(ctx, objectKey)
	if err != nil {
		return nil, fmt.Errorf("read chunks %s: %w", objectKey, err)
	}
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, WrapError(CodeValidation, err, "malformed chunk object")
	}
	return chunks, nil
}

// --- chunk_prep ---

type chunkPrepStage struct {
	deps Deps
}

func (s *chunkPrepStage) Name() string { return ChunkPrep }

func (s *chunkPrepStage) CanonicalInput(pctx *Context) ([]byte, error) {
	text, err := prereqPayload(pctx, TextExtraction)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage      string          `json:"stage"`
		DocumentID string          `json:"document_id"`
		Text       json.RawMessage `json:"text"`
	}{s.Name(), pctx.Document.ID, text})
}

func (s *chunkPrepStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	raw, err := prereqPayload(pctx, TextExtraction)
	if err != nil {
		return Output{}, err
	}
	var tp TextPayload
	if err := decodePayload(raw, &tp); err != nil {
		return Output{}, err
	}
	text, err := s.deps.Objects.Get(ctx, tp.ObjectKey)
	if err != nil {
		return Output{}, fmt.Errorf("read extracted text: %w", err)
	}

	chunks := splitChunks(string(text), chunkSize, chunkOverlap)
	encoded, err := json.Marshal(chunks)
	if err != nil {
		return Output{}, fmt.Errorf("encode chunks: %w", err)
	}
	key := OutputPrefix(pctx.Document.ID, s.Name()) + "chunks.json"
	if err := s.deps.Objects.Put(ctx, key, encoded, "application/json"); err != nil {
		return Output{}, fmt.Errorf("write chunks: %w", err)
	}

	sum := sha256.Sum256(encoded)
	payload := ChunksPayload{
		ObjectKey:      key,
		ChunksChecksum: hex.EncodeToString(sum[:]),
		ChunkCount:     len(chunks),
	}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "chunks", payload, key)
}

func (s *chunkPrepStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// splitChunks divides text into rune-aligned windows of size runes with the
// given overlap. Empty text yields no chunks.
func splitChunks(text string, size, overlap int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step < 1 {
		step = size
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Offset: start,
			Text:   string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// --- classification ---

type classificationStage struct {
	deps Deps
}

func (s *classificationStage) Name() string { return Classification }

func (s *classificationStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return chunkInput(s.Name(), pctx)
}

// docTypeSignals maps document classes to the keywords that vote for them.
// Evaluation order is fixed so classification stays deterministic.
var docTypeSignals = []struct {
	docType  string
	keywords []string
}{
	{"parts_catalog", []string{"parts list", "parts catalog", "part number", "exploded view"}},
	{"service_bulletin", []string{"service bulletin", "repair", "replace", "troubleshooting"}},
	{"datasheet", []string{"specification", "datasheet", "electrical characteristics", "ratings"}},
	{"manual", []string{"installation", "operating instructions", "user manual", "safety"}},
}

func (s *classificationStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	raw, err := prereqPayload(pctx, ChunkPrep)
	if err != nil {
		return Output{}, err
	}
	var cp ChunksPayload
	if err := decodePayload(raw, &cp); err != nil {
		return Output{}, err
	}
	chunks, err := loadChunks(ctx, s.deps, cp.ObjectKey)
	if err != nil {
		return Output{}, err
	}

	var corpus strings.Builder
	for _, c := range chunks {
		corpus.WriteString(strings.ToLower(c.Text))
		corpus.WriteByte('\n')
	}
	body := corpus.String()

	docType := "technical_document"
	best := 0
	for _, sig := range docTypeSignals {
		hits := 0
		for _, kw := range sig.keywords {
			hits += strings.Count(body, kw)
		}
		if hits > best {
			best = hits
			docType = sig.docType
		}
	}
	confidence := 0.5
	if best > 0 {
		confidence = 0.5 + 0.1*float64(min(best, 5))
	}

	payload := ClassificationPayload{
		DocType:        docType,
		Confidence:     confidence,
		ObjectKey:      cp.ObjectKey,
		ChunksChecksum: cp.ChunksChecksum,
	}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "classification", payload)
}

func (s *classificationStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// --- metadata_extraction ---

type metadataExtractionStage struct {
	deps Deps
}

func (s *metadataExtractionStage) Name() string { return MetadataExtraction }

func (s *metadataExtractionStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return chunkInput(s.Name(), pctx)
}

func (s *metadataExtractionStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	raw, err := prereqPayload(pctx, ChunkPrep)
	if err != nil {
		return Output{}, err
	}
	var cp ChunksPayload
	if err := decodePayload(raw, &cp); err != nil {
		return Output{}, err
	}
	chunks, err := loadChunks(ctx, s.deps, cp.ObjectKey)
	if err != nil {
		return Output{}, err
	}

	title := ""
	words, chars := 0, 0
	for _, c := range chunks {
		if title == "" {
			for _, line := range strings.Split(c.Text, "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					title = line
					if len(title) > 120 {
						title = title[:120]
					}
					break
				}
			}
		}
		words += len(strings.Fields(c.Text))
		chars += len(c.Text)
	}

	payload := MetadataPayload{
		Title:          title,
		WordCount:      words,
		CharCount:      chars,
		ObjectKey:      cp.ObjectKey,
		ChunksChecksum: cp.ChunksChecksum,
	}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "metadata", payload)
}

func (s *metadataExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// --- parts_extraction ---

type partsExtractionStage struct {
	deps Deps
}

func (s *partsExtractionStage) Name() string { return PartsExtraction }

func (s *partsExtractionStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return classificationInput(s.Name(), pctx)
}

var partPattern = regexp.MustCompile(`\b[A-Z]{2,5}-\d{3,6}\b`)

func (s *partsExtractionStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	raw, err := prereqPayload(pctx, Classification)
	if err != nil {
		return Output{}, err
	}
	var cls ClassificationPayload
	if err := decodePayload(raw, &cls); err != nil {
		return Output{}, err
	}
	chunks, err := loadChunks(ctx, s.deps, cls.ObjectKey)
	if err != nil {
		return Output{}, err
	}

	seen := map[string]bool{}
	var parts []string
	for _, c := range chunks {
		for _, p := range partPattern.FindAllString(c.Text, -1) {
			if !seen[p] {
				seen[p] = true
				parts = append(parts, p)
			}
		}
	}
	sort.Strings(parts)

	payload := PartsPayload{Parts: parts, PartCount: len(parts)}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "parts", payload)
}

func (s *partsExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// --- series_detection ---

type seriesDetectionStage struct {
	deps Deps
}

func (s *seriesDetectionStage) Name() string { return SeriesDetection }

func (s *seriesDetectionStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return classificationInput(s.Name(), pctx)
}

func (s *seriesDetectionStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	raw, err := prereqPayload(pctx, Classification)
	if err != nil {
		return Output{}, err
	}
	var cls ClassificationPayload
	if err := decodePayload(raw, &cls); err != nil {
		return Output{}, err
	}
	chunks, err := loadChunks(ctx, s.deps, cls.ObjectKey)
	if err != nil {
		return Output{}, err
	}

	byPrefix := map[string]map[string]bool{}
	for _, c := range chunks {
		for _, p := range partPattern.FindAllString(c.Text, -1) {
			prefix := p[:strings.Index(p, "-")]
			if byPrefix[prefix] == nil {
				byPrefix[prefix] = map[string]bool{}
			}
			byPrefix[prefix][p] = true
		}
	}

	var series []SeriesGroup
	prefixes := make([]string, 0, len(byPrefix))
	for prefix := range byPrefix {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		members := byPrefix[prefix]
		if len(members) < 2 {
			continue
		}
		group := SeriesGroup{Prefix: prefix}
		for m := range members {
			group.Members = append(group.Members, m)
		}
		sort.Strings(group.Members)
		series = append(series, group)
	}

	payload := SeriesPayload{Series: series, SeriesCount: len(series)}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "series", payload)
}

func (s *seriesDetectionStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}
