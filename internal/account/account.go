// Package account is a typed client for the signed-in user's data on the
// backend: usage stats, stored documents, conversations and data export.
package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/ragchat-go/internal/gateway"
)

// Sender is the part of the gateway the client needs.
type Sender interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// Stats is passed through as the backend reports it.
type Stats map[string]any

type Document struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Chunks     int    `json:"chunks"`
	UploadedAt string `json:"uploadedAt"`
}

type Turn struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	CreatedAt string `json:"createdAt"`
}

type Conversation struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Messages []Turn `json:"messages"`
}

type Client struct {
	sender Sender
}

func New(sender Sender) *Client {
	return &Client{sender: sender}
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.sender.Send(ctx, gateway.Request{Endpoint: "/api/user/stats"}, &out); err != nil {
		return nil, goerr.Wrap(err, "failed to get stats")
	}
	return out, nil
}

func (c *Client) Documents(ctx context.Context) ([]Document, error) {
	var out []Document
	if err := c.sender.Send(ctx, gateway.Request{Endpoint: "/api/user/documents"}, &out); err != nil {
		return nil, goerr.Wrap(err, "failed to list documents")
	}
	return out, nil
}

func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	req := gateway.Request{
		Method:   http.MethodDelete,
		Endpoint: "/api/user/documents/" + url.PathEscape(id),
		Route:    "/api/user/documents/:id",
	}
	if err := c.sender.Send(ctx, req, nil); err != nil {
		return goerr.Wrap(err, "failed to delete document", goerr.V("id", id))
	}
	return nil
}

// ClearData removes every document and conversation of the user.
func (c *Client) ClearData(ctx context.Context) error {
	if err := c.sender.Send(ctx, gateway.Request{Method: http.MethodPost, Endpoint: "/api/user/clear-data"}, nil); err != nil {
		return goerr.Wrap(err, "failed to clear data")
	}
	return nil
}

// exportMaxBytes bounds the export document, which carries every stored
// conversation and so outgrows the default response cap.
const exportMaxBytes int64 = 256 << 20

// Export returns the backend's export document unchanged.
func (c *Client) Export(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	req := gateway.Request{Endpoint: "/api/user/export-data", MaxResponseBytes: exportMaxBytes}
	if err := c.sender.Send(ctx, req, &out); err != nil {
		return nil, goerr.Wrap(err, "failed to export data")
	}
	return out, nil
}

func (c *Client) Conversation(ctx context.Context, id string) (Conversation, error) {
	var out Conversation
	req := gateway.Request{
		Endpoint: "/api/conversations/" + url.PathEscape(id),
		Route:    "/api/conversations/:id",
	}
	if err := c.sender.Send(ctx, req, &out); err != nil {
		return Conversation{}, goerr.Wrap(err, "failed to get conversation", goerr.V("id", id))
	}
	return out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	req := gateway.Request{
		Method:   http.MethodDelete,
		Endpoint: "/api/conversations/" + url.PathEscape(id),
		Route:    "/api/conversations/:id",
	}
	if err := c.sender.Send(ctx, req, nil); err != nil {
		return goerr.Wrap(err, "failed to delete conversation", goerr.V("id", id))
	}
	return nil
}
