package domain

// Roles de un turno de conversación.
const (
	RoleUser   = "user"
	RoleModel  = "model"
	RoleSystem = "system"
)

// NeuralMessage es un turno de conversación dentro de la memoria por usuario.
// Inmutable una vez escrito; solo envejece por TTL o por recorte de capacidad.
type NeuralMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Tipos de mensaje entrante normalizados por el canal.
const (
	MessageTypeText         = "text"
	MessageTypeAudio        = "audio"
	MessageTypeImage        = "image"
	MessageTypeInteractive  = "interactive"
	MessageTypeFlowResponse = "flow_response"
)

// InboundMessage es la representación normalizada de un mensaje del canal.
// La produce el normalizador del webhook y la consumen dispatcher y orquestador.
type InboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Timestamp int64  `json:"timestamp"`
	TraceID   string `json:"trace_id"`
}
