package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender delivers through Firebase Cloud Messaging.
type FCMSender struct {
	client fcmClient
}

func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (f *FCMSender) Send(ctx context.Context, token string, msg Message) error {
	_, err := f.client.Send(ctx, buildFCMMessage(token, msg))
	return err
}

func buildFCMMessage(token string, msg Message) *messaging.Message {
	m := &messaging.Message{
		Token: token,
		Data:  msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: msg.Priority,
		},
	}
	aps := &messaging.Aps{ContentAvailable: msg.ContentAvailable}
	headers := map[string]string{"apns-priority": "10"}
	if msg.Silent() {
		// background pushes must use priority 5 on APNs
		headers["apns-priority"] = "5"
		headers["apns-push-type"] = "background"
	} else {
		m.Notification = &messaging.Notification{Title: msg.Title, Body: msg.Body}
		m.Android.Notification = &messaging.AndroidNotification{
			Title:     msg.Title,
			Body:      msg.Body,
			Sound:     msg.Sound,
			ChannelID: msg.ChannelID,
		}
		aps.Alert = &messaging.ApsAlert{Title: msg.Title, Body: msg.Body}
		aps.Sound = msg.Sound
	}
	m.APNS = &messaging.APNSConfig{Headers: headers, Payload: &messaging.APNSPayload{Aps: aps}}
	return m
}
