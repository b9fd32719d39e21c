package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WhatsAppSender implementa Sender contra la Graph API de WhatsApp Cloud.
type WhatsAppSender struct {
	baseURL string
	token   string
	phoneID string
	client  *http.Client
	logger  *zap.Logger
}

func NewWhatsAppSender(baseURL, token, phoneID string, logger *zap.Logger) *WhatsAppSender {
	return &WhatsAppSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		phoneID: phoneID,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (s *WhatsAppSender) SendMessage(ctx context.Context, to, body string) (string, error) {
	reqBody := outboundMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             outboundText{Body: body},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if s.logger != nil {
			s.logger.Warn("channel error status",
				zap.Int("status", resp.StatusCode),
				zap.ByteString("body", respBody),
			)
		}
		return "", fmt.Errorf("channel http error: status=%d", resp.StatusCode)
	}

	var out outboundResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("channel empty response")
	}
	return out.Messages[0].ID, nil
}

type outboundMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             outboundText `json:"text"`
}

type outboundText struct {
	Body string `json:"body"`
}

type outboundResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

var _ Sender = (*WhatsAppSender)(nil)
