package stage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TextPayload is the text_extraction output consumed by link_extraction and
// chunk_prep. The extracted text lives in the object store; TextChecksum
// binds downstream canonical inputs to its content.
type TextPayload struct {
	ObjectKey    string `json:"object_key"`
	TextChecksum string `json:"text_checksum"`
	Chars        int    `json:"chars"`
	Lines        int    `json:"lines"`
}

// TablesPayload is the table_extraction output.
type TablesPayload struct {
	ObjectKey  string `json:"object_key"`
	TableCount int    `json:"table_count"`
	RowCount   int    `json:"row_count"`
}

// SVGPayload is the svg_processing output.
type SVGPayload struct {
	ObjectKeys []string `json:"object_keys"`
	SVGCount   int      `json:"svg_count"`
}

// ImagesPayload is the image_processing output consumed by visual_embedding
// and storage.
type ImagesPayload struct {
	ObjectKeys []string `json:"object_keys"`
	ImageCount int      `json:"image_count"`
	Formats    []string `json:"formats"`
}

// LinksPayload is the link_extraction output.
type LinksPayload struct {
	Links     []string `json:"links"`
	LinkCount int      `json:"link_count"`
}

// uploadInput is the shared canonical-input shape for stages whose only
// prerequisite is upload.
func uploadInput(name string, pctx *Context) ([]byte, error) {
	up, err := prereqPayload(pctx, Upload)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(struct {
		Stage      string          `json:"stage"`
		DocumentID string          `json:"document_id"`
		Upload     json.RawMessage `json:"upload"`
	}{name, pctx.Document.ID, up})
}

// readUploadBytes resolves the normalized source object for a stage that
// depends on upload.
func readUploadBytes(ctx context.Context, deps Deps, pctx *Context) ([]byte, error) {
	raw, err := prereqPayload(pctx, Upload)
	if err != nil {
		return nil, err
	}
	var up UploadPayload
	if err := decodePayload(raw, &up); err != nil {
		return nil, err
	}
	data, err := deps.Objects.Get(ctx, up.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read normalized source %s: %w", up.ObjectKey, err)
	}
	return data, nil
}

// --- text_extraction ---

type textExtractionStage struct {
	deps Deps
}

func (s *textExtractionStage) Name() string { return TextExtraction }

func (s *textExtractionStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return uploadInput(s.Name(), pctx)
}

func (s *textExtractionStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	data, err := readUploadBytes(ctx, s.deps, pctx)
	if err != nil {
		return Output{}, err
	}

	text := extractText(data)
	key := OutputPrefix(pctx.Document.ID, s.Name()) + "text.txt"
	if err := s.deps.Objects.Put(ctx, key, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return Output{}, fmt.Errorf("write extracted text: %w", err)
	}

	sum := sha256.Sum256([]byte(text))
	payload := TextPayload{
		ObjectKey:    key,
		TextChecksum: hex.EncodeToString(sum[:]),
		Chars:        utf8.RuneCountInString(text),
		Lines:        strings.Count(text, "\n") + 1,
	}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "text", payload, key)
}

func (s *textExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// extractText keeps the printable runes of the source bytes. Invalid UTF-8
// sequences and control characters other than whitespace are dropped.
func extractText(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// --- table_extraction ---

type tableExtractionStage struct {
	deps Deps
}

func (s *tableExtractionStage) Name() string { return TableExtraction }

func (s *tableExtractionStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return uploadInput(s.Name(), pctx)
}

func (s *tableExtractionStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	data, err := readUploadBytes(ctx, s.deps, pctx)
	if err != nil {
		return Output{}, err
	}

	tables := extractTables(extractText(data))
	rows := 0
	for _, t := range tables {
		rows += len(t)
	}

	encoded, err := json.Marshal(tables)
	if err != nil {
		return Output{}, fmt.Errorf("encode tables: %w", err)
	}
	key := OutputPrefix(pctx.Document.ID, s.Name()) + "tables.json"
	if err := s.deps.Objects.Put(ctx, key, encoded, "application/json"); err != nil {
		return Output{}, fmt.Errorf("write tables: %w", err)
	}

	payload := TablesPayload{ObjectKey: key, TableCount: len(tables), RowCount: rows}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "tables", payload, key)
}

func (s *tableExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

// extractTables groups consecutive pipe- or tab-delimited lines into
// tables; a table needs at least two rows.
func extractTables(text string) [][][]string {
	var tables [][][]string
	var current [][]string

	flush := func() {
		if len(current) >= 2 {
			tables = append(tables, current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		sep := ""
		switch {
		case strings.Count(line, "|") >= 2:
			sep = "|"
		case strings.Count(line, "\t") >= 1:
			sep = "\t"
		}
		if sep == "" {
			flush()
			continue
		}
		var cells []string
		for _, c := range strings.Split(line, sep) {
			c = strings.TrimSpace(c)
			if c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) == 0 {
			flush()
			continue
		}
		current = append(current, cells)
	}
	flush()
	return tables
}

// --- svg_processing ---

type svgProcessingStage struct {
	deps Deps
}

func (s *svgProcessingStage) Name() string { return SVGProcessing }

func (s *svgProcessingStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return uploadInput(s.Name(), pctx)
}

func (s *svgProcessingStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	data, err := readUploadBytes(ctx, s.deps, pctx)
	if err != nil {
		return Output{}, err
	}

	segments := extractSVGs(data)
	keys := make([]string, 0, len(segments))
	prefix := OutputPrefix(pctx.Document.ID, s.Name())
	for i, seg := range segments {
		key := fmt.Sprintf("%ssvg_%03d.svg", prefix, i)
		if err := s.deps.Objects.Put(ctx, key, seg, "image/svg+xml"); err != nil {
			return Output{}, fmt.Errorf("write svg %d: %w", i, err)
		}
		keys = append(keys, key)
	}

	payload := SVGPayload{ObjectKeys: keys, SVGCount: len(keys)}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "svgs", payload, keys...)
}

func (s *svgProcessingStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

func extractSVGs(data []byte) [][]byte {
	var out [][]byte
	rest := data
	for {
		start := bytes.Index(rest, []byte("<svg"))
		if start < 0 {
			return out
		}
		end := bytes.Index(rest[start:], []byte("</svg>"))
		if end < 0 {
			return out
		}
		end += start + len("</svg>")
		out = append(out, append([]byte(nil), rest[start:end]...))
		rest = rest[end:]
	}
}

// --- image_processing ---

type imageProcessingStage struct {
	deps Deps
}

func (s *imageProcessingStage) Name() string { return ImageProcessing }

func (s *imageProcessingStage) CanonicalInput(pctx *Context) ([]byte, error) {
	return uploadInput(s.Name(), pctx)
}

func (s *imageProcessingStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
	data, err := readUploadBytes(ctx, s.deps, pctx)
	if err != nil {
		return Output{}, err
	}

	images := extractImages(data)
	keys := make([]string, 0, len(images))
	formats := make([]string, 0, len(images))
	prefix := OutputPrefix(pctx.Document.ID, s.Name())
	for i, img := range images {
		key := fmt.Sprintf("%simage_%03d.%s", prefix, i, img.format)
		if err := s.deps.Objects.Put(ctx, key, img.data, "image/"+img.format); err != nil {
			return Output{}, fmt.Errorf("write image %d: %w", i, err)
		}
		keys = append(keys, key)
		formats = append(formats, img.format)
	}

	payload := ImagesPayload{ObjectKeys: keys, ImageCount: len(keys), Formats: formats}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "images", payload, keys...)
}

func (s *imageProcessingStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}

type embeddedImage struct {
	data   []byte
	format string
}

var (
	pngHeader  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	pngTrailer = []byte{'I', 'E', 'N', 'D'}
	jpegHeader = []byte{0xff, 0xd8, 0xff}
	jpegEOI    = []byte{0xff, 0xd9}
)

// extractImages finds embedded PNG and JPEG byte ranges by signature.
func extractImages(data []byte) []embeddedImage {
	var out []embeddedImage

	rest := data
	for {
		start := bytes.Index(rest, pngHeader)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], pngTrailer)
		if end < 0 {
			break
		}
		end += start + len(pngTrailer) + 4 // IEND CRC
		if end > len(rest) {
			end = len(rest)
		}
		out = append(out, embeddedImage{data: append([]byte(nil), rest[start:end]...), format: "png"})
		rest = rest[end:]
	}

	rest = data
	for {
		start := bytes.Index(rest, jpegHeader)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start+len(jpegHeader):], jpegEOI)
		if end < 0 {
			break
		}
		end += start + len(jpegHeader) + len(jpegEOI)
		out = append(out, embeddedImage{data: append([]byte(nil), rest[start:end]...), format: "jpeg"})
		rest = rest[end:]
	}

	return out
}

// --- link_extraction ---

type linkExtractionStage struct {
	deps Deps
}

func (s *linkExtractionStage) Name() string { return LinkExtraction }

func (s *linkExtractionStage) CanonicalInput(pctx *Context) ([]byte, error) {
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

var linkPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

func (s *linkExtractionStage) Execute(ctx context.Context, pctx *Context) (Output, error) {
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

	seen := map[string]bool{}
	var links []string
	for _, l := range linkPattern.FindAllString(string(text), -1) {
		l = strings.TrimRight(l, ".,;")
		if !seen[l] {
			seen[l] = true
			links = append(links, l)
		}
	}
	sort.Strings(links)

	payload := LinksPayload{Links: links, LinkCount: len(links)}
	return saveOutput(ctx, s.deps, pctx.Document.ID, s.Name(), "links", payload)
}

func (s *linkExtractionStage) Cleanup(ctx context.Context, documentID string) error {
	return cleanupNamespace(ctx, s.deps, documentID, s.Name())
}
