package llm

import "context"

// MockProvider permite tests sin llamar a un LLM real.
type MockProvider struct {
	Response  string
	Embedding []float32
	Err       error
	Calls     int
	Prompts   []string
}

func (m *MockProvider) GenerateText(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	m.Calls++
	m.Prompts = append(m.Prompts, prompt)
	return m.Response, m.Err
}

func (m *MockProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return m.Embedding, m.Err
}

var _ Provider = (*MockProvider)(nil)
