package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// WebhookSender posts messages to an HTTP push relay (Expo-style: one JSON
// object per message with the device token in "to").
type WebhookSender struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewWebhookSender(endpoint, token string) *WebhookSender {
	return &WebhookSender{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookPayload struct {
	To string `json:"to"`
	Message
}

func (w *WebhookSender) Send(ctx context.Context, token string, msg Message) error {
	b, err := json.Marshal(webhookPayload{To: token, Message: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// LogSender only logs; used when no push provider is configured.
type LogSender struct {
	Log logrus.FieldLogger
}

func (l *LogSender) Send(_ context.Context, token string, msg Message) error {
	l.Log.WithFields(logrus.Fields{
		"token":  token,
		"title":  msg.Title,
		"silent": msg.Silent(),
		"data":   msg.Data,
	}).Info("push_message")
	return nil
}
