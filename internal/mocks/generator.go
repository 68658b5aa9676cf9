package mocks

import (
	"context"

	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/stretchr/testify/mock"
)

// MockGenerator is a mock implementation of llm.Generator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, prompt llm.Prompt) (*llm.Generated, error) {
	args := m.Called(ctx, prompt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Generated), args.Error(1)
}

func (m *MockGenerator) Name() string {
	return "mock"
}
