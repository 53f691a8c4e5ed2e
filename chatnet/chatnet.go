// Package chatnet defines the chat-network operations the bridge depends on,
// plus two implementations: an in-process Memory network for development and
// tests, and RPC, a client for the Delta Chat JSON-RPC server.
package chatnet

import (
	"context"
	"errors"
	"fmt"
)

// Contact is an addressable identity on the chat network.
type Contact struct {
	Address     string
	DisplayName string
	ID          uint32
}

// Name returns the display name, falling back to the address.
func (c *Contact) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Address
}

// Chat is a conversation as seen from the bot account.
type Chat struct {
	Name string
	ID   uint32
}

// IncomingMessage is a text message received by the bot account.
type IncomingMessage struct {
	ChatName      string
	SenderAddress string
	Text          string
	ChatID        uint32
	SenderID      uint32
	MessageID     uint32
}

// Network is the set of chat-network operations used by the bridge.
type Network interface {
	// LookupContactsByAddress returns the ids of contacts with the given address.
	LookupContactsByAddress(ctx context.Context, addr string) ([]uint32, error)
	// Contact returns a contact by id.
	Contact(ctx context.Context, contactID uint32) (*Contact, error)
	// ChatsForContact lists the chats the bot shares with a contact.
	ChatsForContact(ctx context.Context, contactID uint32) ([]Chat, error)
	// CreateGroup creates an empty group chat and returns its id.
	CreateGroup(ctx context.Context, name string) (uint32, error)
	// AddMember adds a contact to a group chat.
	AddMember(ctx context.Context, chatID, contactID uint32) error
	// SendText sends a text message into a chat.
	SendText(ctx context.Context, chatID uint32, text string) error
	// Messages streams incoming messages until ctx is done.
	Messages(ctx context.Context) <-chan IncomingMessage
}

var (
	_ Network = (*Memory)(nil)
	_ Network = (*RPC)(nil)
)

// ErrContactNotFound is returned when a contact id is unknown.
var ErrContactNotFound = errors.New("chatnet: contact not found")

// RPCError is an error response from the chat-network RPC server.
type RPCError struct {
	Message string `json:"message"`
	Method  string `json:"-"`
	Code    int    `json:"code"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chatnet: %s failed (%d): %s", e.Method, e.Code, e.Message)
}

// IsRPCError checks if an error is an RPC error response.
func IsRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}
