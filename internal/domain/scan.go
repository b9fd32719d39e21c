package domain

// Niveles de amenaza para clasificación visible en logs.
const (
	ThreatLow      = "LOW"
	ThreatMedium   = "MEDIUM"
	ThreatHigh     = "HIGH"
	ThreatCritical = "CRITICAL"
)

// ScanResult es el veredicto del escáner de seguridad sobre un texto.
// Se calcula fresco en cada llamada y no se persiste como entidad.
type ScanResult struct {
	IsSafe        bool    `json:"is_safe"`
	SanitizedText string  `json:"sanitized_text"`
	ThreatLevel   string  `json:"threat_level"`
	ThreatScore   float64 `json:"threat_score"`
	Reason        string  `json:"reason,omitempty"`
}
