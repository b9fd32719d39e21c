package channel

import "context"

// Sender define el puerto de envío hacia el canal de mensajería.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (messageID string, err error)
}

// MockSender registra los envíos para tests.
type MockSender struct {
	Sent []SentMessage
	Err  error
}

type SentMessage struct {
	To   string
	Body string
}

func (m *MockSender) SendMessage(ctx context.Context, to, body string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return "wamid.mock", nil
}

var _ Sender = (*MockSender)(nil)
