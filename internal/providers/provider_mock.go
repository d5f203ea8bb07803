package providers

import (
	"context"
	"sync/atomic"
)

// MockProvider is a func-field implementation of Provider for tests.
type MockProvider struct {
	NameValue    string
	GenerateFunc func(ctx context.Context, req *Request) (*Result, error)
	CloseFunc    func() error

	// ResolveModelFunc backs ResolveModel; nil returns the name unchanged.
	ResolveModelFunc func(model string) string

	calls atomic.Int32
}

// Ensure MockProvider implements the provider interfaces.
var (
	_ Provider      = (*MockProvider)(nil)
	_ ModelResolver = (*MockProvider)(nil)
)

func (m *MockProvider) Name() string {
	if m.NameValue == "" {
		return string(Stability)
	}
	return m.NameValue
}

// Generate records the call and delegates to GenerateFunc.
func (m *MockProvider) Generate(ctx context.Context, req *Request) (*Result, error) {
	m.calls.Add(1)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Result{Success: true, Provider: m.Name(), Model: req.Model}, nil
}

func (m *MockProvider) ResolveModel(model string) string {
	if m.ResolveModelFunc != nil {
		return m.ResolveModelFunc(model)
	}
	return model
}

func (m *MockProvider) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Calls returns how many times Generate was invoked.
func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}
