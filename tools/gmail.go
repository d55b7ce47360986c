package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const googleTokenURL = "https://oauth2.googleapis.com/token"

// GmailToolkit provides send_gmail_message and search_gmail using the
// OAuth token held in the toolkit's credential.
type GmailToolkit struct {
	// Options are appended to every service constructor.
	Options []option.ClientOption
}

func (k *GmailToolkit) Tools(ctx context.Context, env ToolkitEnv) ([]Tool, error) {
	ts, err := gmailTokenSource(ctx, env.Credential)
	if err != nil {
		return nil, err
	}
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, k.Options...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: %w", err)
	}
	return []Tool{
		&gmailSendTool{svc: svc},
		&gmailSearchTool{svc: svc},
	}, nil
}

// gmailTokenSource builds a refreshing source when the credential carries
// a refresh token and client, a static one otherwise.
func gmailTokenSource(ctx context.Context, cred map[string]any) (oauth2.TokenSource, error) {
	access := credentialString(cred, "access_token", "token")
	refresh := credentialString(cred, "refresh_token")
	if access == "" && refresh == "" {
		return nil, fmt.Errorf("gmail: credential has no access_token")
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}

	clientID := credentialString(cred, "client_id")
	clientSecret := credentialString(cred, "client_secret")
	if refresh == "" || clientID == "" || clientSecret == "" {
		return oauth2.StaticTokenSource(tok), nil
	}
	tokenURL := credentialString(cred, "token_uri")
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return conf.TokenSource(ctx, tok), nil
}

type gmailSendTool struct {
	svc *gmail.Service
}

func (t *gmailSendTool) Name() string  { return "send_gmail_message" }
func (t *gmailSendTool) Mutates() bool { return true }

func (t *gmailSendTool) Description() string {
	return "Send an email from the connected Gmail account."
}

func (t *gmailSendTool) Parameters() map[string]any {
	return schema(map[string]any{
		"to":      prop("string", "Recipient email address"),
		"subject": prop("string", "Email subject"),
		"body":    prop("string", "Plain-text body"),
	}, "to", "subject", "body")
}

func (t *gmailSendTool) Execute(ctx context.Context, args Args) (string, error) {
	to, err := args.String("to")
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	subject := args.StringOr("subject", "")
	raw := composeMessage("", to, subject, args.StringOr("body", ""))

	msg, err := t.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Sprintf("Failed to send email: %v", err), nil
	}
	return fmt.Sprintf("Email sent to %s with subject %q (id=%s)", to, subject, msg.Id), nil
}

type gmailSearchTool struct {
	svc *gmail.Service
}

func (t *gmailSearchTool) Name() string { return "search_gmail" }

func (t *gmailSearchTool) Description() string {
	return "Search the connected Gmail mailbox using Gmail query syntax."
}

func (t *gmailSearchTool) Parameters() map[string]any {
	return schema(map[string]any{
		"query": prop("string", "Gmail search query, e.g. 'from:alice newer_than:7d'"),
		"limit": prop("integer", "Max messages (default 5)"),
	}, "query")
}

func (t *gmailSearchTool) Execute(ctx context.Context, args Args) (string, error) {
	query, err := args.String("query")
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	limit := args.IntOr("limit", 5)
	if limit < 1 || limit > 25 {
		limit = 5
	}

	list, err := t.svc.Users.Messages.List("me").Q(query).MaxResults(int64(limit)).Context(ctx).Do()
	if err != nil {
		return fmt.Sprintf("Gmail search failed: %v", err), nil
	}
	if len(list.Messages) == 0 {
		return "No messages found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d messages:", len(list.Messages))
	for _, m := range list.Messages {
		full, err := t.svc.Users.Messages.Get("me", m.Id).
			Format("metadata").
			MetadataHeaders("From", "Subject", "Date").
			Context(ctx).Do()
		if err != nil {
			fmt.Fprintf(&b, "\n- id=%s (unavailable: %v)", m.Id, err)
			continue
		}
		headers := map[string]string{}
		if full.Payload != nil {
			for _, h := range full.Payload.Headers {
				headers[h.Name] = h.Value
			}
		}
		fmt.Fprintf(&b, "\n- From: %s | Subject: %s | Date: %s (id=%s)\n  %s",
			headers["From"], headers["Subject"], headers["Date"], full.Id, full.Snippet)
	}
	return b.String(), nil
}
