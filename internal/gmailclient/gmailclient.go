// Package gmailclient wraps the Gmail API for the email triage pipeline:
// listing recent mail with decoded bodies and sending replies. Clients
// are built per request from the tokens the mobile app supplies.
package gmailclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Email is one fetched message with its body already decoded.
type Email struct {
	ID       string
	ThreadID string
	Sender   string
	Subject  string
	Date     time.Time
	Body     string
}

// Client is the Gmail collaborator the triage pipeline depends on.
type Client interface {
	ListRecent(ctx context.Context, max int64) ([]Email, error)
	Send(ctx context.Context, to, subject, body, threadID string) error
}

// Service implements Client over google.golang.org/api/gmail/v1.
type Service struct {
	svc *gm.Service
}

// NewFromToken builds a Service from a raw OAuth access token, the path
// taken when the app forwards its own short-lived token.
func NewFromToken(ctx context.Context, accessToken string) (*Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gm.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gmailclient: new service: %w", err)
	}
	return &Service{svc: svc}, nil
}

// NewFromRefreshToken builds a Service that refreshes server-side using
// the stored refresh token and the app's OAuth client credentials.
func NewFromRefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*Service, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/gmail.send",
		},
	}
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	svc, err := gm.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gmailclient: new service: %w", err)
	}
	return &Service{svc: svc}, nil
}

// ListRecent fetches up to max inbox messages, newest first, with
// decoded bodies. Individual message failures are skipped so one bad
// message cannot sink the batch.
func (s *Service) ListRecent(ctx context.Context, max int64) ([]Email, error) {
	resp, err := s.svc.Users.Messages.List("me").
		LabelIds("INBOX").
		MaxResults(max).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("gmailclient: list messages: %w", err)
	}

	var out []Email
	for _, ref := range resp.Messages {
		msg, err := s.svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			continue
		}
		headers := headerMap(msg.Payload.Headers)
		date, derr := dateparse.ParseAny(headers["Date"])
		if derr != nil {
			date = time.Unix(msg.InternalDate/1000, 0)
		}
		out = append(out, Email{
			ID:       msg.Id,
			ThreadID: msg.ThreadId,
			Sender:   headers["From"],
			Subject:  headers["Subject"],
			Date:     date,
			Body:     extractBody(msg.Payload),
		})
	}
	return out, nil
}

// Send delivers a plain-text message, threading it when threadID is set.
func (s *Service) Send(ctx context.Context, to, subject, body, threadID string) error {
	var raw strings.Builder
	fmt.Fprintf(&raw, "To: %s\r\n", to)
	fmt.Fprintf(&raw, "Subject: %s\r\n", subject)
	raw.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	raw.WriteString("\r\n")
	raw.WriteString(body)

	msg := &gm.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw.String())),
		ThreadId: threadID,
	}
	_, err := s.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmailclient: send: %w", err)
	}
	return nil
}

// extractBody walks a message payload recursively, preferring text/plain
// and falling back to HTML.
func extractBody(payload *gm.MessagePart) string {
	if payload == nil {
		return ""
	}
	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := decodeBase64URL(payload.Body.Data); err == nil {
			return decoded
		}
	}
	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
		if len(part.Parts) > 0 {
			if body := extractBody(part); body != "" {
				return body
			}
		}
	}
	for _, part := range payload.Parts {
		if part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
	}
	return ""
}

func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Name] = h.Value
	}
	return m
}

// decodeBase64URL decodes Gmail's unpadded URL-safe base64 content.
func decodeBase64URL(data string) (string, error) {
	data = strings.ReplaceAll(data, "-", "+")
	data = strings.ReplaceAll(data, "_", "/")
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
