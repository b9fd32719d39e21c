package config

import "github.com/caarlos0/env/v10"

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LLMAPIKey         string `env:"LLM_API_KEY"`
	LLMBaseURL        string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel          string `env:"LLM_MODEL" envDefault:"gpt-5.1"`
	LLMEmbedModel     string `env:"LLM_EMBED_MODEL" envDefault:"text-embedding-3-small"`
	LLMTimeoutSeconds int    `env:"LLM_TIMEOUT_SECONDS" envDefault:"45"`

	WhatsAppBaseURL     string `env:"WHATSAPP_BASE_URL" envDefault:"https://graph.facebook.com/v19.0"`
	WhatsAppToken       string `env:"WHATSAPP_TOKEN"`
	WhatsAppPhoneID     string `env:"WHATSAPP_PHONE_ID"`
	WhatsAppVerifyToken string `env:"WHATSAPP_VERIFY_TOKEN"`

	QueueMaxAttempts   int `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	QueueBackoffBaseMS int `env:"QUEUE_BACKOFF_BASE_MS" envDefault:"1500"`

	MemoryFetchLimit  int `env:"MEMORY_FETCH_LIMIT" envDefault:"30"`
	MemoryHardCap     int `env:"MEMORY_HARD_CAP" envDefault:"100"`
	MemoryTTLHours    int `env:"MEMORY_TTL_HOURS" envDefault:"72"`
	MemoryTokenBudget int `env:"MEMORY_TOKEN_BUDGET" envDefault:"4000"`

	TypingCharsPerMinute int `env:"TYPING_CHARS_PER_MINUTE" envDefault:"1000"`
	TypingMaxDelayMS     int `env:"TYPING_MAX_DELAY_MS" envDefault:"8000"`
	TypingBaseLatencyMS  int `env:"TYPING_BASE_LATENCY_MS" envDefault:"400"`

	// Claves para payloads cifrados de flows, ordenadas de la más nueva a la más vieja.
	FlowCryptoSecrets []string `env:"FLOW_CRYPTO_SECRETS" envSeparator:","`

	SupportChannelUserID string `env:"SUPPORT_CHANNEL_USER_ID"`

	AgentDirective string `env:"AGENT_DIRECTIVE" envDefault:"Sos el asistente del marketplace: ayudás a clientes y freelancers a publicar proyectos, enviar propuestas y resolver dudas. Respondés en el idioma del usuario, con calidez y sin tecnicismos."`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
