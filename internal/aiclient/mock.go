package aiclient

import (
	"context"
	"sync"
)

// Mock is a test double for embedding backends. It returns a fixed
// 4-dimensional unit vector per input, tracking calls, and pops queued
// errors in order so tests can script failures.
type Mock struct {
	mu        sync.Mutex
	errs      []error
	errIndex  int
	textCalls [][]string
	imgCalls  int
}

var _ Client = (*Mock)(nil)

// NewMock creates a mock that always succeeds.
func NewMock() *Mock {
	return &Mock{}
}

// NewMockWithErrors creates a mock whose calls pop the given errors in
// order; a nil entry means that call succeeds. Calls past the end succeed.
func NewMockWithErrors(errs ...error) *Mock {
	return &Mock{errs: errs}
}

// FixedVector is the deterministic embedding every mock call returns.
func FixedVector() []float64 {
	return []float64{0.5, 0.5, 0.5, 0.5}
}

func (m *Mock) nextErr() error {
	if m.errIndex < len(m.errs) {
		err := m.errs[m.errIndex]
		m.errIndex++
		return err
	}
	return nil
}

func (m *Mock) EmbedTexts(_ context.Context, texts []string) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.textCalls = append(m.textCalls, texts)
	if err := m.nextErr(); err != nil {
		return nil, err
	}

	vectors := make([][]float64, len(texts))
	for i := range vectors {
		vectors[i] = FixedVector()
	}
	return vectors, nil
}

func (m *Mock) EmbedImage(_ context.Context, _ []byte) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.imgCalls++
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return FixedVector(), nil
}

func (m *Mock) Name() string { return "mock" }

// TextCallCount returns how many times EmbedTexts was called.
func (m *Mock) TextCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.textCalls)
}

// ImageCallCount returns how many times EmbedImage was called.
func (m *Mock) ImageCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imgCalls
}
