// Package bridge contains the core domain types shared by the forum and chat sides of the bridge.
package bridge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Discourse notification types relevant to the relay.
const (
	NotificationMentioned      = 1
	NotificationReplied        = 2
	NotificationPrivateMessage = 6
)

// Notification is the payload Discourse posts to the notification webhook.
type Notification struct {
	Data             NotificationData `json:"data"`
	Slug             string           `json:"slug"`
	ID               int64            `json:"id"`
	UserID           int64            `json:"user_id"`           // Forum account that received the notification
	NotificationType int              `json:"notification_type"` // See Notification* constants
	TopicID          int64            `json:"topic_id"`
	PostNumber       int              `json:"post_number"`
}

// NotificationData holds the type-specific part of a notification.
type NotificationData struct {
	TopicTitle       string `json:"topic_title"`
	OriginalUsername string `json:"original_username"`
	DisplayUsername  string `json:"display_username"`
	OriginalPostID   int64  `json:"original_post_id"`
}

// WebhookPayload wraps a notification the way the webhook delivers it.
type WebhookPayload struct {
	Notification *Notification `json:"notification"`
}

// Relayable reports whether the notification is one the bridge forwards into chat:
// private messages, and mentions or replies in public topics.
func (n *Notification) Relayable() bool {
	if n == nil {
		return false
	}
	switch n.NotificationType {
	case NotificationPrivateMessage, NotificationMentioned, NotificationReplied:
		return true
	default:
		return false
	}
}

// ActingUsername is the name of the forum user whose post triggered the notification.
func (n *Notification) ActingUsername() string {
	if n.Data.DisplayUsername != "" {
		return n.Data.DisplayUsername
	}
	return n.Data.OriginalUsername
}

// IdentityAssertion is what a redeemed authorization code proves about its owner.
type IdentityAssertion struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

var threadNameRegex = regexp.MustCompile(`\((\d+)\)$`)

// ThreadName derives the chat group name bound to a forum topic.
// The same name is used to create the group and to find it again.
func ThreadName(topicTitle string, topicID int64) string {
	return fmt.Sprintf("%s (%d)", strings.TrimSpace(topicTitle), topicID)
}

// TopicIDFromThreadName extracts the topic id from a name built by ThreadName.
func TopicIDFromThreadName(name string) (int64, bool) {
	m := threadNameRegex.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PostURL builds a deep link to a post.
func PostURL(baseURL, slug string, topicID int64, postNumber int) string {
	base := strings.TrimRight(baseURL, "/")
	if slug == "" {
		slug = "-"
	}
	return fmt.Sprintf("%s/t/%s/%d/%d", base, slug, topicID, postNumber)
}

// EnabledContacts is the allow-list of chat addresses permitted to use the relay.
// Addresses are compared case-insensitively.
type EnabledContacts struct {
	addrs map[string]struct{}
}

// NewEnabledContacts builds an allow-list, skipping blank entries.
func NewEnabledContacts(addrs []string) *EnabledContacts {
	e := &EnabledContacts{addrs: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		a = normalizeAddr(a)
		if a == "" {
			continue
		}
		e.addrs[a] = struct{}{}
	}
	return e
}

// Enabled reports whether the relay feature is on at all.
func (e *EnabledContacts) Enabled() bool {
	return e != nil && len(e.addrs) > 0
}

// Contains reports whether addr is allow-listed.
func (e *EnabledContacts) Contains(addr string) bool {
	if e == nil {
		return false
	}
	_, ok := e.addrs[normalizeAddr(addr)]
	return ok
}

// Len returns the number of allow-listed addresses.
func (e *EnabledContacts) Len() int {
	if e == nil {
		return 0
	}
	return len(e.addrs)
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
