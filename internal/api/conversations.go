// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the kernel conversation and
// credit APIs.
package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/morganforge/kernelchat/internal/model"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// conversationRecord is the conversation shape served by the backend.
// Identifiers are numeric server-side; the client treats them as opaque
// strings everywhere above this package.
type conversationRecord struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary,omitempty"`
	TotalMessages int       `json:"total_messages"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r conversationRecord) toModel() *model.Conversation {
	return &model.Conversation{
		ID:           strconv.FormatInt(r.ID, 10),
		Title:        r.Title,
		Summary:      r.Summary,
		MessageCount: r.TotalMessages,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// messageRecord is the message shape served by the backend.
type messageRecord struct {
	ID             int64             `json:"id"`
	ConversationID int64             `json:"conversation_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	TokensUsed     int               `json:"tokens_used,omitempty"`
	CostUSD        float64           `json:"cost_usd,omitempty"`
	Attachment     *model.Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (r messageRecord) toModel() *model.Message {
	return &model.Message{
		ID:             strconv.FormatInt(r.ID, 10),
		ConversationID: strconv.FormatInt(r.ConversationID, 10),
		Role:           model.Role(r.Role),
		Content:        r.Content,
		Attachment:     r.Attachment,
		Usage:          model.Usage{TokensUsed: r.TokensUsed, CostUSD: r.CostUSD},
		CreatedAt:      r.CreatedAt,
	}
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Conversations []*model.Conversation
	Total         int
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// ListConversations fetches a page of the user's conversations, most
// recently updated first. The result is authoritative; callers replace
// their local list wholesale.
func (c *Client) ListConversations(ctx context.Context, skip, limit int) (*ConversationPage, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))

	var data struct {
		Conversations []conversationRecord `json:"conversations"`
		Total         int                  `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/?"+q.Encode(), nil, &data); err != nil {
		return nil, err
	}

	page := &ConversationPage{
		Conversations: make([]*model.Conversation, 0, len(data.Conversations)),
		Total:         data.Total,
	}
	for _, rec := range data.Conversations {
		page.Conversations = append(page.Conversations, rec.toModel())
	}
	return page, nil
}

// CreateConversation creates a conversation and returns the server record.
func (c *Client) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	reqBody := struct {
		Title string `json:"title,omitempty"`
	}{Title: title}

	var rec conversationRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations/", reqBody, &rec); err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

// GetConversation fetches a single conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var rec conversationRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

// UpdateConversation renames a conversation and returns the updated record.
func (c *Client) UpdateConversation(ctx context.Context, id, title string) (*model.Conversation, error) {
	reqBody := struct {
		Title string `json:"title"`
	}{Title: title}

	var rec conversationRecord
	if err := c.do(ctx, http.MethodPut, "/api/v1/conversations/"+url.PathEscape(id), reqBody, &rec); err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

// DeleteConversation deletes a conversation server-side.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/conversations/"+url.PathEscape(id), nil, nil)
}

// ListMessages fetches messages for a conversation in insertion order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var data struct {
		Messages []messageRecord `json:"messages"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	messages := make([]*model.Message, 0, len(data.Messages))
	for _, rec := range data.Messages {
		messages = append(messages, rec.toModel())
	}
	return messages, nil
}

// =============================================================================
// CREDIT OPERATIONS
// =============================================================================

// GetBalance fetches the read-only credit balance. Billing itself is
// entirely server-side.
func (c *Client) GetBalance(ctx context.Context) (*model.Balance, error) {
	var bal model.Balance
	if err := c.do(ctx, http.MethodGet, "/api/v1/credits/balance", nil, &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}
