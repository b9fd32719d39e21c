package llm

import "context"

// GenerateOptions controla una llamada de generación.
type GenerateOptions struct {
	Temperature       float64
	SystemInstruction string
}

// Provider define el puerto hacia el modelo de lenguaje. El núcleo depende
// solo de este contrato, nunca del SDK de un proveedor concreto.
type Provider interface {
	GenerateText(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Transcriber convierte audio del canal en texto.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL, mimeType string) (string, error)
}

// VisionDescriber describe una imagen del canal en texto.
type VisionDescriber interface {
	Describe(ctx context.Context, mediaURL, mimeType string) (string, error)
}
