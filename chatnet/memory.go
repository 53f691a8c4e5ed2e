package chatnet

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

type memoryChat struct {
	name    string
	members []uint32
	sent    []string
}

// Memory is an in-process chat network for local development and tests.
// It logs outgoing traffic instead of delivering it.
type Memory struct {
	logger   *slog.Logger
	contacts map[uint32]*Contact
	chats    map[uint32]*memoryChat
	errs     map[string]error
	incoming chan IncomingMessage
	calls    map[string]int
	mu       sync.Mutex
	nextID   uint32
}

// NewMemory creates an empty in-memory network.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		logger:   logger,
		contacts: make(map[uint32]*Contact),
		chats:    make(map[uint32]*memoryChat),
		errs:     make(map[string]error),
		incoming: make(chan IncomingMessage, 64),
		calls:    make(map[string]int),
		nextID:   10, // ids below 10 are reserved by Delta Chat
	}
}

// AddContact registers a contact and returns its id.
func (m *Memory) AddContact(displayName, addr string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.contacts[id] = &Contact{ID: id, Address: addr, DisplayName: displayName}
	return id
}

// FailWith makes every later call to method return err. A nil err clears it.
func (m *Memory) FailWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

// Calls returns how often method was called; an empty method counts all calls.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if method != "" {
		return m.calls[method]
	}
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// Chats returns every chat the network knows about.
func (m *Memory) Chats() []Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Chat, 0, len(m.chats))
	for id, c := range m.chats {
		out = append(out, Chat{ID: id, Name: c.name})
	}
	return out
}

// Sent returns the messages sent into a chat.
func (m *Memory) Sent(chatID uint32) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	return append([]string(nil), c.sent...)
}

// Members returns the member contact ids of a chat.
func (m *Memory) Members(chatID uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	return append([]uint32(nil), c.members...)
}

// Deliver queues an incoming message as if a contact had sent it.
func (m *Memory) Deliver(msg IncomingMessage) {
	m.incoming <- msg
}

// begin records a call and returns the injected error for method, if any.
// Callers must hold m.mu.
func (m *Memory) begin(method string) error {
	m.calls[method]++
	return m.errs[method]
}

// LookupContactsByAddress returns the ids of contacts with the given address.
func (m *Memory) LookupContactsByAddress(_ context.Context, addr string) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("LookupContactsByAddress"); err != nil {
		return nil, err
	}
	var ids []uint32
	for id, c := range m.contacts {
		if strings.EqualFold(c.Address, strings.TrimSpace(addr)) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Contact returns a contact by id.
func (m *Memory) Contact(_ context.Context, contactID uint32) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Contact"); err != nil {
		return nil, err
	}
	c, ok := m.contacts[contactID]
	if !ok {
		return nil, ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

// ChatsForContact lists the chats the contact is a member of.
func (m *Memory) ChatsForContact(_ context.Context, contactID uint32) ([]Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ChatsForContact"); err != nil {
		return nil, err
	}
	var out []Chat
	for id, c := range m.chats {
		for _, member := range c.members {
			if member == contactID {
				out = append(out, Chat{ID: id, Name: c.name})
				break
			}
		}
	}
	return out, nil
}

// CreateGroup creates an empty group chat.
func (m *Memory) CreateGroup(_ context.Context, name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateGroup"); err != nil {
		return 0, err
	}
	m.nextID++
	m.chats[m.nextID] = &memoryChat{name: name}
	m.logger.Info("MOCK CHAT group created", "chat_id", m.nextID, "name", name)
	return m.nextID, nil
}

// AddMember adds a contact to a chat.
func (m *Memory) AddMember(_ context.Context, chatID, contactID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("AddMember"); err != nil {
		return err
	}
	c, ok := m.chats[chatID]
	if !ok {
		return &RPCError{Method: "AddMember", Message: "no such chat"}
	}
	if _, ok := m.contacts[contactID]; !ok {
		return ErrContactNotFound
	}
	c.members = append(c.members, contactID)
	return nil
}

// SendText records a message sent into a chat.
func (m *Memory) SendText(_ context.Context, chatID uint32, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SendText"); err != nil {
		return err
	}
	c, ok := m.chats[chatID]
	if !ok {
		return &RPCError{Method: "SendText", Message: "no such chat"}
	}
	c.sent = append(c.sent, text)
	m.logger.Info("MOCK CHAT message", "chat_id", chatID, "chat_name", c.name, "text_length", len(text))
	return nil
}

// Messages streams messages queued with Deliver until ctx is done.
func (m *Memory) Messages(ctx context.Context) <-chan IncomingMessage {
	out := make(chan IncomingMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-m.incoming:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
