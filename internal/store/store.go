// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store owns all conversation and message state for the client.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/morganforge/kernelchat/internal/api"
	"github.com/morganforge/kernelchat/internal/model"
	"github.com/morganforge/kernelchat/internal/realtime"
	"github.com/morganforge/kernelchat/internal/stream"
)

// =============================================================================
// ERRORS AND CONSTANTS
// =============================================================================

var (
	// ErrSessionBusy indicates the conversation already has a live streaming
	// session. The send is rejected, never queued.
	ErrSessionBusy = errors.New("conversation already has an active stream")

	// ErrClosed indicates the store has been shut down.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound indicates the conversation is not loaded.
	ErrNotFound = errors.New("conversation not found")
)

const (
	// conversationPageSize bounds one conversation list fetch.
	conversationPageSize = 50

	// messagePageLimit bounds one message history fetch.
	messagePageLimit = 200
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// ConversationAPI is the REST surface the store depends on. *api.Client
// satisfies it; tests substitute fakes.
type ConversationAPI interface {
	ListConversations(ctx context.Context, skip, limit int) (*api.ConversationPage, error)
	CreateConversation(ctx context.Context, title string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, id, title string) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*model.Message, error)
	GetBalance(ctx context.Context) (*model.Balance, error)
}

// StreamSession is the slice of a streaming session the store consumes.
type StreamSession interface {
	Process(stream.Callback) error
	Cancel()
	FinalContent() string
	Usage() model.Usage
}

// Streamer opens streaming query sessions.
type Streamer interface {
	Open(ctx context.Context, q stream.Query) (StreamSession, error)
}

// NewStreamer adapts a *stream.Assembler to the Streamer interface.
func NewStreamer(asm *stream.Assembler) Streamer {
	return assemblerStreamer{asm: asm}
}

type assemblerStreamer struct {
	asm *stream.Assembler
}

func (a assemblerStreamer) Open(ctx context.Context, q stream.Query) (StreamSession, error) {
	session, err := a.asm.Open(ctx, q)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Realtime is the slice of the notification channel the store uses.
// *realtime.Manager satisfies it.
type Realtime interface {
	Subscribe(kind realtime.EventKind, h realtime.Handler) int
	Unsubscribe(kind realtime.EventKind, id int)
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	SendTyping(conversationID string, isTyping bool) error
}

// =============================================================================
// NOTICES
// =============================================================================

// NoticeKind classifies a notice surfaced to the UI.
type NoticeKind string

const (
	NoticeStatus     NoticeKind = "status"
	NoticeSystem     NoticeKind = "system"
	NoticeTyping     NoticeKind = "typing"
	NoticeUserStatus NoticeKind = "user_status"
	NoticeError      NoticeKind = "error"
)

// Notice is a transient, display-only event. Notices never carry state; the
// store's snapshot accessors remain the single source of truth.
type Notice struct {
	Kind           NoticeKind
	Text           string
	ConversationID string
}

// =============================================================================
// STORE
// =============================================================================

// activeStream tracks one in-flight streaming session per conversation.
type activeStream struct {
	session     StreamSession
	userMsgID   string
	assistantID string
}

// Store is the sole owner of conversation and message state.
type Store struct {
	backend  ConversationAPI
	streamer Streamer
	rt       Realtime
	userID   string
	logger   *slog.Logger

	mu            sync.Mutex
	conversations []*model.Conversation
	current       *model.Conversation
	balance       model.Balance
	streams       map[string]*activeStream
	closed        bool
	onChange      func()
	onNotice      func(Notice)
	subIDs        map[realtime.EventKind]int
}

// New creates a store wired to its collaborators. rt may be nil when no
// realtime channel is available; push-driven refreshes are then disabled.
func New(backend ConversationAPI, streamer Streamer, rt Realtime, userID string) *Store {
	s := &Store{
		backend:  backend,
		streamer: streamer,
		rt:       rt,
		userID:   userID,
		streams:  make(map[string]*activeStream),
		subIDs:   make(map[realtime.EventKind]int),
		logger:   slog.Default().With("component", "store"),
	}
	if rt != nil {
		s.subscribeRealtime()
	}
	return s
}

// WithLogger sets the logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger.With("component", "store")
	return s
}

// OnChange registers the callback invoked after every state mutation. It
// always runs outside the store lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// OnNotice registers the callback for transient display notices.
func (s *Store) OnNotice(fn func(Notice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotice = fn
}

// =============================================================================
// SNAPSHOT ACCESSORS
// =============================================================================

// Conversations returns the loaded conversations, most recent first.
func (s *Store) Conversations() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Current returns the active conversation, or nil.
func (s *Store) Current() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Balance returns the last fetched credit balance.
func (s *Store) Balance() model.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// Streaming reports whether the conversation has a live streaming session.
func (s *Store) Streaming(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[conversationID]
	return ok
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// LoadConversations replaces the conversation list wholesale with the
// backend's view. The current selection survives when its id is still
// present; its loaded messages are carried over.
func (s *Store) LoadConversations(ctx context.Context) error {
	page, err := s.backend.ListConversations(ctx, 0, conversationPageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var currentID string
	var currentMessages []*model.Message
	if s.current != nil {
		currentID = s.current.ID
		currentMessages = s.current.Messages
	}
	s.conversations = page.Conversations
	s.current = nil
	for _, conv := range s.conversations {
		if conv.ID == currentID {
			conv.Messages = currentMessages
			conv.Active = true
			s.current = conv
		}
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// CreateConversation creates a conversation server-side, inserts it at the
// head of the list, and makes it current.
func (s *Store) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	conv, err := s.backend.CreateConversation(ctx, title)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.current != nil {
		s.current.Active = false
	}
	conv.Active = true
	conv.Messages = make([]*model.Message, 0)
	s.conversations = append([]*model.Conversation{conv}, s.conversations...)
	s.current = conv
	s.mu.Unlock()
	s.notify()

	if s.rt != nil {
		s.rt.JoinConversation(conv.ID)
	}
	return conv, nil
}

// SelectConversation makes the conversation current, refetching its message
// history authoritatively. Pending messages survive the refetch.
func (s *Store) SelectConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.current == conv {
		s.mu.Unlock()
		return nil
	}
	var prevID string
	if s.current != nil {
		prevID = s.current.ID
	}
	s.mu.Unlock()

	var messages []*model.Message
	if !model.IsLocalID(id) {
		fetched, err := s.backend.ListMessages(ctx, id, messagePageLimit, 0)
		if err != nil {
			return err
		}
		messages = fetched
	}

	s.mu.Lock()
	conv = s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if messages != nil {
		conv.Messages = append(messages, conv.PendingMessages()...)
	}
	if s.current != nil {
		s.current.Active = false
	}
	conv.Active = true
	s.current = conv
	s.mu.Unlock()
	s.notify()

	if s.rt != nil {
		if prevID != "" {
			s.rt.LeaveConversation(prevID)
		}
		s.rt.JoinConversation(id)
	}
	return nil
}

// DeleteConversation removes the conversation locally and server-side. Any
// live stream is cancelled first. Deleting the current conversation clears
// the selection.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.CancelStream(id)

	if !model.IsLocalID(id) {
		if err := s.backend.DeleteConversation(ctx, id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for i, conv := range s.conversations {
		if conv.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	if s.current != nil && s.current.ID == id {
		s.current = nil
	}
	s.mu.Unlock()
	s.notify()

	if s.rt != nil {
		s.rt.LeaveConversation(id)
	}
	return nil
}

// RenameConversation renames a conversation. The rename is not optimistic:
// the local title changes only after the backend confirms.
func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	if model.IsLocalID(id) {
		s.mu.Lock()
		if conv := s.findLocked(id); conv != nil {
			conv.Title = title
		}
		s.mu.Unlock()
		s.notify()
		return nil
	}

	updated, err := s.backend.UpdateConversation(ctx, id, title)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if conv := s.findLocked(id); conv != nil {
		conv.Title = updated.Title
		conv.Summary = updated.Summary
		conv.UpdatedAt = updated.UpdatedAt
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// RefreshBalance refetches the credit balance.
func (s *Store) RefreshBalance(ctx context.Context) error {
	bal, err := s.backend.GetBalance(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.balance = *bal
	s.mu.Unlock()
	s.notify()
	return nil
}

// =============================================================================
// SENDING AND STREAMING
// =============================================================================

// SendOption configures a SendMessage call.
type SendOption func(*sendOptions)

type sendOptions struct {
	attachment *model.Attachment
}

// WithAttachment attaches a media descriptor to the outgoing message. The
// descriptor's URL comes from an external upload collaborator.
func WithAttachment(att *model.Attachment) SendOption {
	return func(o *sendOptions) { o.attachment = att }
}

// SendMessage sends content as the user into the current conversation. With
// no current conversation a local one is created; the backend assigns its
// real id with the completion record.
//
// The user message appears immediately as a pending echo. A second send into
// a conversation that is still streaming returns ErrSessionBusy and inserts
// nothing.
func (s *Store) SendMessage(ctx context.Context, content string, opts ...SendOption) error {
	var options sendOptions
	for _, opt := range opts {
		opt(&options)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conv := s.current
	if conv == nil {
		conv = model.NewConversation("")
		conv.Active = true
		s.conversations = append([]*model.Conversation{conv}, s.conversations...)
		s.current = conv
	}
	if _, busy := s.streams[conv.ID]; busy {
		s.mu.Unlock()
		return ErrSessionBusy
	}

	userMsg := model.NewUserMessage(conv.ID, content)
	userMsg.Attachment = options.attachment
	conv.AddMessage(userMsg)

	active := &activeStream{userMsgID: userMsg.ID}
	s.streams[conv.ID] = active
	convID := conv.ID
	s.mu.Unlock()
	s.notify()

	session, err := s.streamer.Open(ctx, stream.Query{
		Query:          content,
		UserID:         s.userID,
		ConversationID: convID,
		MessageID:      userMsg.ID,
	})
	if err != nil {
		// The pending user echo stays; the user can retry.
		s.mu.Lock()
		delete(s.streams, convID)
		s.mu.Unlock()
		s.emitNotice(Notice{Kind: NoticeError, Text: err.Error(), ConversationID: convID})
		return err
	}

	s.mu.Lock()
	assistant := model.NewStreamingAssistantMessage(convID)
	if c := s.findLocked(convID); c != nil {
		c.AddMessage(assistant)
	}
	active.session = session
	active.assistantID = assistant.ID
	s.mu.Unlock()
	s.notify()

	go s.consume(convID, active)
	return nil
}

// SendTyping publishes a typing indicator for the current conversation.
// Best-effort: dropped without a realtime channel or a persisted selection;
// the channel rate-limits the actual sends.
func (s *Store) SendTyping(isTyping bool) {
	if s.rt == nil {
		return
	}
	s.mu.Lock()
	var id string
	if s.current != nil && !model.IsLocalID(s.current.ID) {
		id = s.current.ID
	}
	s.mu.Unlock()
	if id == "" {
		return
	}
	s.rt.SendTyping(id, isTyping)
}

// CancelStream cancels the live stream for the conversation, or for the
// current conversation when id is empty. No-op without a live stream.
func (s *Store) CancelStream(id string) {
	s.mu.Lock()
	if id == "" && s.current != nil {
		id = s.current.ID
	}
	active := s.streams[id]
	s.mu.Unlock()

	if active != nil && active.session != nil {
		active.session.Cancel()
	}
}

// consume drains one streaming session and reconciles the conversation when
// it ends. Runs on its own goroutine; fragment delivery order is preserved.
func (s *Store) consume(convID string, active *activeStream) {
	var serverConvID string

	err := active.session.Process(func(frag stream.Fragment) {
		switch frag.Type {
		case stream.FragmentChunk:
			s.mu.Lock()
			if msg := s.messageLocked(convID, active.assistantID); msg != nil {
				msg.AppendChunk(frag.Content)
			}
			s.mu.Unlock()
			s.notify()
		case stream.FragmentStatus:
			s.emitNotice(Notice{Kind: NoticeStatus, Text: frag.Message, ConversationID: convID})
		case stream.FragmentStep:
			text := frag.Step
			if frag.Progress != "" {
				text += " (" + frag.Progress + ")"
			}
			s.emitNotice(Notice{Kind: NoticeStatus, Text: text, ConversationID: convID})
		case stream.FragmentComplete:
			if frag.ConversationID != 0 {
				serverConvID = strconv.FormatInt(frag.ConversationID, 10)
			}
		}
	})

	s.mu.Lock()
	conv := s.findLocked(convID)
	if err == nil {
		if conv != nil {
			if msg := conv.MessageByID(active.assistantID); msg != nil {
				wasPending := msg.Pending
				msg.FinalizeStream(active.session.FinalContent(), active.session.Usage())
				if wasPending {
					conv.MessageCount++
				}
			}
			if userMsg := conv.MessageByID(active.userMsgID); userMsg != nil && userMsg.Pending {
				userMsg.Pending = false
				conv.MessageCount++
			}
			if serverConvID != "" && model.IsLocalID(conv.ID) {
				s.adoptIDLocked(conv, serverConvID)
			}
		}
	} else if conv != nil {
		// Failed or cancelled: drop the pending assistant message, keep the
		// pending user message for retry.
		conv.RemoveMessage(active.assistantID)
	}
	delete(s.streams, convID)
	s.mu.Unlock()
	s.notify()

	switch {
	case err == nil:
		if s.rt != nil && serverConvID != "" {
			s.rt.JoinConversation(serverConvID)
		}
	case errors.Is(err, stream.ErrCancelled):
		s.logger.Debug("stream cancelled", "conversation", convID)
	default:
		s.logger.Warn("stream failed", "conversation", convID, "error", err)
		s.emitNotice(Notice{Kind: NoticeError, Text: err.Error(), ConversationID: convID})
	}
}

// adoptIDLocked rebinds a locally created conversation to its server id.
func (s *Store) adoptIDLocked(conv *model.Conversation, serverID string) {
	conv.ID = serverID
	for _, msg := range conv.Messages {
		msg.ConversationID = serverID
	}
}

// =============================================================================
// REALTIME HANDLERS
// =============================================================================

var handledKinds = []realtime.EventKind{
	realtime.EventMessage,
	realtime.EventAgentResponse,
	realtime.EventConversationUpdated,
	realtime.EventPaymentStatus,
	realtime.EventSystemNotification,
	realtime.EventTyping,
	realtime.EventUserStatus,
	realtime.EventError,
}

func (s *Store) subscribeRealtime() {
	for _, kind := range handledKinds {
		s.subIDs[kind] = s.rt.Subscribe(kind, s.handleEvent)
	}
}

// handleEvent reacts to one realtime event. Push payloads are treated as
// hints: state changes go through authoritative refetches, never direct
// mutation.
func (s *Store) handleEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventMessage, realtime.EventAgentResponse:
		var payload struct {
			ConversationID json.Number `json:"conversation_id"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ConversationID.String() == "" {
			return
		}
		go s.refreshFromPush(context.Background(), payload.ConversationID.String())

	case realtime.EventConversationUpdated:
		var payload struct {
			ConversationID json.Number `json:"conversation_id"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ConversationID.String() == "" {
			return
		}
		go s.refreshConversation(context.Background(), payload.ConversationID.String())

	case realtime.EventPaymentStatus:
		go s.RefreshBalance(context.Background())

	case realtime.EventSystemNotification:
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(ev.Data, &payload) == nil && payload.Message != "" {
			s.emitNotice(Notice{Kind: NoticeSystem, Text: payload.Message})
		}

	case realtime.EventTyping:
		var payload struct {
			ConversationID json.Number `json:"conversation_id"`
			IsTyping       bool        `json:"is_typing"`
		}
		if json.Unmarshal(ev.Data, &payload) == nil && payload.IsTyping {
			s.emitNotice(Notice{Kind: NoticeTyping, ConversationID: payload.ConversationID.String()})
		}

	case realtime.EventUserStatus:
		var payload struct {
			UserID string `json:"user_id"`
			Status string `json:"status"`
		}
		if json.Unmarshal(ev.Data, &payload) == nil && payload.UserID != "" {
			s.emitNotice(Notice{Kind: NoticeUserStatus, Text: payload.UserID + " is " + payload.Status})
		}

	case realtime.EventError:
		if ev.Err != nil {
			s.emitNotice(Notice{Kind: NoticeError, Text: ev.Err.Error()})
		}
	}
}

// refreshConversation refetches one conversation's metadata after a push
// hint. Unknown conversations are ignored; the next full load picks them up.
func (s *Store) refreshConversation(ctx context.Context, id string) {
	updated, err := s.backend.GetConversation(ctx, id)
	if err != nil {
		s.logger.Debug("conversation refresh failed", "conversation", id, "error", err)
		return
	}

	s.mu.Lock()
	conv := s.findLocked(id)
	if conv != nil {
		conv.Title = updated.Title
		conv.Summary = updated.Summary
		conv.MessageCount = updated.MessageCount
		conv.UpdatedAt = updated.UpdatedAt
	}
	s.mu.Unlock()
	if conv != nil {
		s.notify()
	}
}

// refreshFromPush refetches a conversation after a pushed message. The
// current conversation's history is refetched as well, unless a stream is
// live there — the stream already carries the authoritative text.
func (s *Store) refreshFromPush(ctx context.Context, id string) {
	s.refreshConversation(ctx, id)

	s.mu.Lock()
	isCurrent := s.current != nil && s.current.ID == id
	_, streaming := s.streams[id]
	s.mu.Unlock()
	if !isCurrent || streaming {
		return
	}

	messages, err := s.backend.ListMessages(ctx, id, messagePageLimit, 0)
	if err != nil {
		s.logger.Debug("message refresh failed", "conversation", id, "error", err)
		return
	}
	s.mu.Lock()
	if conv := s.findLocked(id); conv != nil {
		conv.Messages = append(messages, conv.PendingMessages()...)
	}
	s.mu.Unlock()
	s.notify()
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Close cancels all live streams and detaches from the realtime channel.
// The store rejects sends afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]StreamSession, 0, len(s.streams))
	for _, active := range s.streams {
		if active.session != nil {
			sessions = append(sessions, active.session)
		}
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Cancel()
	}
	if s.rt != nil {
		for kind, id := range s.subIDs {
			s.rt.Unsubscribe(kind, id)
		}
	}
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// findLocked returns the loaded conversation with the given id. Callers hold mu.
func (s *Store) findLocked(id string) *model.Conversation {
	for _, conv := range s.conversations {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

// messageLocked returns a message by conversation and message id. Callers hold mu.
func (s *Store) messageLocked(convID, msgID string) *model.Message {
	conv := s.findLocked(convID)
	if conv == nil {
		return nil
	}
	return conv.MessageByID(msgID)
}

// notify invokes the change callback outside the lock.
func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// emitNotice invokes the notice callback outside the lock.
func (s *Store) emitNotice(n Notice) {
	s.mu.Lock()
	fn := s.onNotice
	s.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}
