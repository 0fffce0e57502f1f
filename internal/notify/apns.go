package notify

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
)

// APNSSender delivers directly to Apple Push Notification service using
// token-based auth.
type APNSSender struct {
	client *apns2.Client
	topic  string
}

func NewAPNSSender(keyFile, keyID, teamID, topic string, production bool) (*APNSSender, error) {
	authKey, err := token.AuthKeyFromFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load apns auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{AuthKey: authKey, KeyID: keyID, TeamID: teamID})
	if production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &APNSSender{client: client, topic: topic}, nil
}

func (a *APNSSender) Send(ctx context.Context, deviceToken string, msg Message) error {
	resp, err := a.client.PushWithContext(ctx, buildAPNSNotification(a.topic, deviceToken, msg))
	if err != nil {
		return err
	}
	if !resp.Sent() {
		return fmt.Errorf("apns rejected push: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

func buildAPNSNotification(topic, deviceToken string, msg Message) *apns2.Notification {
	aps := map[string]any{}
	n := &apns2.Notification{DeviceToken: deviceToken, Topic: topic}
	if msg.Silent() {
		aps["content-available"] = 1
		n.Priority = apns2.PriorityLow
		n.PushType = apns2.PushTypeBackground
	} else {
		aps["alert"] = map[string]string{"title": msg.Title, "body": msg.Body}
		if msg.Sound != "" {
			aps["sound"] = msg.Sound
		}
		if msg.ContentAvailable {
			aps["content-available"] = 1
		}
		n.Priority = apns2.PriorityHigh
		n.PushType = apns2.PushTypeAlert
	}
	payload := map[string]any{"aps": aps}
	for k, v := range msg.Data {
		payload[k] = v
	}
	n.Payload = payload
	return n
}
