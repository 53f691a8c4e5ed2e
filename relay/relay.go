// Package relay moves forum activity into chat conversations and chat
// replies back into forum posts.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"discourse-login-bot/chatnet"
	"discourse-login-bot/forum"
	"discourse-login-bot/pkg/bridge"
	"discourse-login-bot/policy"
)

// DefaultLinkedAccountProvider is the forum's name for the OAuth2 login this bot provides.
const DefaultLinkedAccountProvider = "oauth2_basic"

// Directions and outcomes reported in bridge_relay_events_total.
const (
	DirectionForumToChat = "forum_to_chat"
	DirectionChatToForum = "chat_to_forum"

	outcomeDelivered = "delivered"
	outcomeDiscarded = "discarded"
	outcomeFailed    = "failed"
)

var relayEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bridge_relay_events_total",
		Help: "Relay events by direction and outcome.",
	},
	[]string{"direction", "outcome"},
)

func init() {
	prometheus.MustRegister(relayEvents)
}

// Discard reports an event the relay intentionally dropped. It is not a failure.
type Discard struct {
	Reason string
}

func (d *Discard) Error() string {
	return "discarded: " + d.Reason
}

// IsDiscard checks if an error is an intentional discard.
func IsDiscard(err error) bool {
	var d *Discard
	return errors.As(err, &d)
}

func discard(reason string) error {
	return &Discard{Reason: reason}
}

// Forum is the forum API surface the relay uses.
type Forum interface {
	BaseURL() string
	UserByID(ctx context.Context, id int64) (*forum.User, error)
	LinkedAccounts(ctx context.Context, username, provider string) ([]forum.LinkedAccount, error)
	ActiveUsersByEmail(ctx context.Context, addr string) ([]forum.User, error)
	Topic(ctx context.Context, id int64) (*forum.Topic, error)
	Post(ctx context.Context, id int64) (*forum.Post, error)
	CreatePost(ctx context.Context, topicID int64, raw, username string) (*forum.Post, error)
}

// LoginCompleter finishes browser logins from chat messages.
type LoginCompleter interface {
	Complete(text string, contactID uint32) bool
}

// Config controls relay behaviour.
type Config struct {
	// Enabled lists the chat addresses allowed to use the relay. Empty disables it.
	Enabled *bridge.EnabledContacts
	// LinkedAccountProvider defaults to DefaultLinkedAccountProvider.
	LinkedAccountProvider string
	// Timeout bounds one relay event; zero means 30s.
	Timeout time.Duration
}

// Relay forwards events between the forum and the chat network.
type Relay struct {
	forum    Forum
	chat     chatnet.Network
	enabled  *bridge.EnabledContacts
	logger   *slog.Logger
	threads  singleflight.Group
	provider string
	timeout  time.Duration
}

// New creates a relay.
func New(cfg Config, forumAPI Forum, chat chatnet.Network, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	provider := cfg.LinkedAccountProvider
	if provider == "" {
		provider = DefaultLinkedAccountProvider
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Relay{
		forum:    forumAPI,
		chat:     chat,
		enabled:  cfg.Enabled,
		logger:   logger,
		provider: provider,
		timeout:  timeout,
	}
}

// Enabled reports whether any contact may use the relay.
func (r *Relay) Enabled() bool {
	return r.enabled.Enabled()
}

func (r *Relay) record(direction string, err error, attrs ...any) {
	switch {
	case err == nil:
		relayEvents.WithLabelValues(direction, outcomeDelivered).Inc()
		r.logger.Info("Relay event delivered", append([]any{"direction", direction}, attrs...)...)
	case IsDiscard(err):
		relayEvents.WithLabelValues(direction, outcomeDiscarded).Inc()
		r.logger.Info("Relay event discarded", append([]any{"direction", direction, "reason", err.Error()}, attrs...)...)
	default:
		relayEvents.WithLabelValues(direction, outcomeFailed).Inc()
		r.logger.Error("Relay event failed", append([]any{"direction", direction, "error", err}, attrs...)...)
	}
}

// ForumToChat delivers a forum notification to the chat contact linked to the
// notified forum account. It returns nil when a message was sent, a *Discard
// when the notification was dropped on purpose, or the upstream failure.
func (r *Relay) ForumToChat(ctx context.Context, n *bridge.Notification) (err error) {
	if n == nil {
		err = discard("empty notification")
		r.record(DirectionForumToChat, err)
		return err
	}
	defer func() {
		r.record(DirectionForumToChat, err,
			"forum_user_id", n.UserID,
			"topic_id", n.TopicID,
			"notification_type", n.NotificationType)
	}()

	if !r.Enabled() {
		return discard("relay disabled")
	}
	if !n.Relayable() {
		return discard("notification type not relayed")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.forumToChat(ctx, n)
}

func (r *Relay) forumToChat(ctx context.Context, n *bridge.Notification) error {
	contact, err := r.contactForForumUser(ctx, n.UserID)
	if err != nil {
		return err
	}

	if n.Data.OriginalPostID == 0 {
		return discard("notification carries no post")
	}
	post, err := r.forum.Post(ctx, n.Data.OriginalPostID)
	if err != nil {
		return fmt.Errorf("fetch post %d: %w", n.Data.OriginalPostID, err)
	}

	chatID, err := r.thread(ctx, contact.ID, bridge.ThreadName(n.Data.TopicTitle, n.TopicID))
	if err != nil {
		return err
	}

	text := fmt.Sprintf("%s said: %s\n\n%s",
		n.ActingUsername(),
		post.Text(),
		bridge.PostURL(r.forum.BaseURL(), n.Slug, n.TopicID, n.PostNumber))
	if err := r.chat.SendText(ctx, chatID, text); err != nil {
		return fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	return nil
}

// contactForForumUser follows forum user -> linked login -> chat contact and
// returns the first allow-listed contact found.
func (r *Relay) contactForForumUser(ctx context.Context, forumUserID int64) (*chatnet.Contact, error) {
	user, err := r.forum.UserByID(ctx, forumUserID)
	if err != nil {
		return nil, fmt.Errorf("fetch forum user %d: %w", forumUserID, err)
	}
	accounts, err := r.forum.LinkedAccounts(ctx, user.Username, r.provider)
	if err != nil {
		return nil, fmt.Errorf("fetch linked accounts of %s: %w", user.Username, err)
	}
	if len(accounts) == 0 {
		return nil, discard("forum user has no linked chat account")
	}

	for _, acc := range accounts {
		ids, err := r.chat.LookupContactsByAddress(ctx, acc.Description)
		if err != nil {
			return nil, fmt.Errorf("look up chat contact: %w", err)
		}
		for _, id := range ids {
			contact, err := r.chat.Contact(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load chat contact %d: %w", id, err)
			}
			if r.enabled.Contains(contact.Address) {
				return contact, nil
			}
		}
	}
	return nil, discard("no enabled chat contact for forum user")
}

// thread finds the contact's chat named name, creating it with the contact
// as member when missing. Concurrent calls for the same contact and name
// share one lookup-or-create.
func (r *Relay) thread(ctx context.Context, contactID uint32, name string) (uint32, error) {
	key := strconv.FormatUint(uint64(contactID), 10) + "/" + name
	ch := r.threads.DoChan(key, func() (any, error) {
		// The flight is shared, so no single caller's cancellation may end it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		chats, err := r.chat.ChatsForContact(ctx, contactID)
		if err != nil {
			return uint32(0), fmt.Errorf("list chats of contact %d: %w", contactID, err)
		}
		for _, c := range chats {
			if c.Name == name {
				return c.ID, nil
			}
		}

		chatID, err := r.chat.CreateGroup(ctx, name)
		if err != nil {
			return uint32(0), fmt.Errorf("create group %q: %w", name, err)
		}
		if err := r.chat.AddMember(ctx, chatID, contactID); err != nil {
			return uint32(0), fmt.Errorf("add contact %d to group %d: %w", contactID, chatID, err)
		}
		r.logger.Info("Conversation thread created", "contact_id", contactID, "chat_id", chatID, "name", name)
		return chatID, nil
	})

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("find thread %q: %w", name, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		if res.Shared {
			r.logger.Debug("Joined in-flight thread lookup", "contact_id", contactID, "name", name)
		}
		return res.Val.(uint32), nil
	}
}

// ChatToForum posts a chat reply into the forum topic its chat is bound to,
// as the forum account of the sender, if the forum would let that account post there.
func (r *Relay) ChatToForum(ctx context.Context, msg chatnet.IncomingMessage) (err error) {
	topicID, bound := bridge.TopicIDFromThreadName(msg.ChatName)
	defer func() {
		r.record(DirectionChatToForum, err,
			"contact_id", msg.SenderID,
			"chat_id", msg.ChatID,
			"topic_id", topicID)
	}()

	if !r.Enabled() {
		return discard("relay disabled")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return discard("empty message")
	}
	if !r.enabled.Contains(msg.SenderAddress) {
		return discard("sender not enabled")
	}
	if !bound {
		return discard("chat is not bound to a topic")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.chatToForum(ctx, msg, topicID)
}

func (r *Relay) chatToForum(ctx context.Context, msg chatnet.IncomingMessage, topicID int64) error {
	users, err := r.forum.ActiveUsersByEmail(ctx, msg.SenderAddress)
	if err != nil {
		return fmt.Errorf("find forum account: %w", err)
	}
	if len(users) == 0 {
		return discard("no forum account for sender")
	}
	if len(users) > 1 {
		r.logger.Warn("Several forum accounts share the sender address, using the first",
			"contact_id", msg.SenderID,
			"accounts", len(users))
	}
	user := users[0]

	topic, err := r.forum.Topic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("fetch topic %d: %w", topicID, err)
	}
	if !policy.Permitted(r.logger, user.ID, topic) {
		return discard("forum account may not post in topic")
	}

	if _, err := r.forum.CreatePost(ctx, topicID, msg.Text, user.Username); err != nil {
		return fmt.Errorf("create post in topic %d: %w", topicID, err)
	}
	return nil
}

// Run drains msgs until ctx is done or msgs closes, handling each message in
// its own goroutine. A message that completes a pending browser login is
// acknowledged in chat and not relayed.
func (r *Relay) Run(ctx context.Context, msgs <-chan chatnet.IncomingMessage, logins LoginCompleter) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Chat dispatcher stopping", "error", ctx.Err())
			return
		case msg, ok := <-msgs:
			if !ok {
				r.logger.Info("Chat message stream closed")
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.handleMessage(ctx, msg, logins)
			}()
		}
	}
}

func (r *Relay) handleMessage(ctx context.Context, msg chatnet.IncomingMessage, logins LoginCompleter) {
	if logins != nil && logins.Complete(msg.Text, msg.SenderID) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.chat.SendText(ctx, msg.ChatID, "Login confirmed. You can return to your browser."); err != nil {
			r.logger.Warn("Failed to confirm login in chat", "contact_id", msg.SenderID, "error", err)
		}
		return
	}
	// Errors are recorded by ChatToForum and never reported back to the sender.
	_ = r.ChatToForum(ctx, msg)
}
