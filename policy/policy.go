// Package policy decides whether a forum account may post into a topic.
package policy

import (
	"log/slog"

	"discourse-login-bot/forum"
)

// Decision is the outcome of evaluating a topic for a forum account.
type Decision int

const (
	// Denied means the account is not a participant of the topic.
	Denied Decision = iota
	// Allowed means the account may post.
	Allowed
	// Unrecognized means the topic archetype is unknown; it is never allowed.
	Unrecognized
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "unrecognized"
	}
}

// Evaluate applies the forum's visibility rules: anyone may post to a regular
// topic, only listed participants to a private message.
func Evaluate(forumUserID int64, topic *forum.Topic) Decision {
	if topic == nil {
		return Unrecognized
	}
	switch topic.Archetype {
	case forum.ArchetypeRegular:
		return Allowed
	case forum.ArchetypePrivateMessage:
		for _, u := range topic.Details.AllowedUsers {
			if u.ID == forumUserID {
				return Allowed
			}
		}
		return Denied
	default:
		return Unrecognized
	}
}

// Permitted evaluates and logs the decision, reporting whether posting is allowed.
func Permitted(logger *slog.Logger, forumUserID int64, topic *forum.Topic) bool {
	d := Evaluate(forumUserID, topic)
	switch d {
	case Allowed:
		return true
	case Unrecognized:
		archetype := ""
		if topic != nil {
			archetype = topic.Archetype
		}
		logger.Warn("Unrecognized topic archetype, refusing to post",
			"forum_user_id", forumUserID,
			"archetype", archetype)
	default:
		logger.Info("Forum user is not a participant of the topic",
			"forum_user_id", forumUserID,
			"topic_id", topic.ID)
	}
	return false
}
