package chatnet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Contact ids at or below this value are reserved (self, device, info).
const lastSpecialContactID = 9

// RPCConfig configures a connection to deltachat-rpc-server.
type RPCConfig struct {
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// ServerPath is the deltachat-rpc-server executable.
	ServerPath string
	// AccountID selects the bot account inside the server.
	AccountID uint32
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Error  *RPCError       `json:"error"`
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
}

// RPC talks JSON-RPC 2.0 to deltachat-rpc-server over its stdio,
// one JSON document per line.
type RPC struct {
	logger    *slog.Logger
	w         io.Writer
	r         io.Reader
	cmd       *exec.Cmd
	pending   map[int64]chan rpcResponse
	done      chan struct{}
	readErr   error
	nextID    atomic.Int64
	ioStarted atomic.Bool
	writeMu   sync.Mutex
	pendingMu sync.Mutex
	accountID uint32
}

// StartRPC launches deltachat-rpc-server and connects to it.
// The process is stopped when ctx is cancelled.
func StartRPC(ctx context.Context, cfg RPCConfig) (*RPC, error) {
	if cfg.ServerPath == "" {
		return nil, errors.New("chatnet: ServerPath is required")
	}
	cmd := exec.CommandContext(ctx, cfg.ServerPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("chatnet: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("chatnet: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("chatnet: start %s: %w", cfg.ServerPath, err)
	}

	c := NewRPC(stdout, stdin, cfg.AccountID, cfg.Logger)
	c.cmd = cmd
	if err := c.Start(ctx); err != nil {
		if closeErr := c.Close(); closeErr != nil {
			c.logger.Warn("Failed to stop RPC server after start error", "error", closeErr)
		}
		return nil, err
	}
	return c, nil
}

// ErrAccountNotConfigured is returned by Start when the bot account has no
// chat credentials yet.
var ErrAccountNotConfigured = errors.New("chatnet: account is not configured")

// Start checks that the bot account is configured and starts its network IO.
// Without IO the server neither receives nor sends messages.
func (c *RPC) Start(ctx context.Context) error {
	var configured bool
	if err := c.call(ctx, "is_configured", &configured, c.accountID); err != nil {
		return err
	}
	if !configured {
		return fmt.Errorf("%w: account %d, configure it with deltachat-rpc-server first", ErrAccountNotConfigured, c.accountID)
	}
	if err := c.call(ctx, "start_io", nil, c.accountID); err != nil {
		return err
	}
	c.ioStarted.Store(true)
	c.logger.Info("Chat network IO started", "account_id", c.accountID)
	return nil
}

// NewRPC creates a client over an already connected reader/writer pair.
func NewRPC(r io.Reader, w io.Writer, accountID uint32, logger *slog.Logger) *RPC {
	if logger == nil {
		logger = slog.Default()
	}
	c := &RPC{
		logger:    logger,
		w:         w,
		r:         r,
		pending:   make(map[int64]chan rpcResponse),
		done:      make(chan struct{}),
		accountID: accountID,
	}
	go c.readLoop()
	return c
}

// Close stops network IO and the server process, if this client started them.
func (c *RPC) Close() error {
	if c.ioStarted.CompareAndSwap(true, false) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.call(ctx, "stop_io", nil, c.accountID); err != nil {
			c.logger.Warn("Failed to stop chat network IO", "error", err)
		}
		cancel()
	}
	if closer, ok := c.w.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("Failed to close RPC stdin", "error", err)
		}
	}
	if c.cmd == nil {
		return nil
	}
	return c.cmd.Wait()
}

func (c *RPC) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("Ignoring malformed RPC line", "error", err)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()

		if !ok {
			c.logger.Debug("Dropping RPC response for unknown request", "id", resp.ID)
			continue
		}
		ch <- resp
	}

	c.readErr = scanner.Err()
	if c.readErr == nil {
		c.readErr = io.EOF
	}
	c.logger.Warn("RPC connection closed", "error", c.readErr)
}

// call sends a request and decodes its result into out (which may be nil).
func (c *RPC) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("chatnet: marshal %s: %w", method, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.w.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("chatnet: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("chatnet: %s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("chatnet: %s: connection closed: %w", method, c.readErr)
	case resp := <-ch:
		if resp.Error != nil {
			resp.Error.Method = method
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("chatnet: decode %s result: %w", method, err)
		}
		return nil
	}
}

type rpcContact struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
	ID          uint32 `json:"id"`
}

type rpcChatInfo struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`
}

type rpcMessage struct {
	Sender *rpcContact `json:"sender"`
	Text   string      `json:"text"`
	ID     uint32      `json:"id"`
	ChatID uint32      `json:"chatId"`
	FromID uint32      `json:"fromId"`
	IsInfo bool        `json:"isInfo"`
}

type rpcEvent struct {
	Event struct {
		Kind   string `json:"kind"`
		ChatID uint32 `json:"chatId"`
		MsgID  uint32 `json:"msgId"`
	} `json:"event"`
	ContextID uint32 `json:"contextId"`
}

// LookupContactsByAddress returns the contact id registered for addr, if any.
func (c *RPC) LookupContactsByAddress(ctx context.Context, addr string) ([]uint32, error) {
	var id *uint32
	if err := c.call(ctx, "lookup_contact_id_by_addr", &id, c.accountID, addr); err != nil {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}
	return []uint32{*id}, nil
}

// Contact returns a contact by id.
func (c *RPC) Contact(ctx context.Context, contactID uint32) (*Contact, error) {
	var rc rpcContact
	if err := c.call(ctx, "get_contact", &rc, c.accountID, contactID); err != nil {
		return nil, err
	}
	return &Contact{ID: contactID, Address: rc.Address, DisplayName: rc.DisplayName}, nil
}

// ChatsForContact lists the chats the bot shares with a contact.
func (c *RPC) ChatsForContact(ctx context.Context, contactID uint32) ([]Chat, error) {
	var ids []uint32
	if err := c.call(ctx, "get_chatlist_entries", &ids, c.accountID, nil, nil, contactID); err != nil {
		return nil, err
	}
	chats := make([]Chat, 0, len(ids))
	for _, id := range ids {
		var info rpcChatInfo
		if err := c.call(ctx, "get_basic_chat_info", &info, c.accountID, id); err != nil {
			return nil, err
		}
		chats = append(chats, Chat{ID: id, Name: info.Name})
	}
	return chats, nil
}

// CreateGroup creates an unprotected group chat.
func (c *RPC) CreateGroup(ctx context.Context, name string) (uint32, error) {
	var id uint32
	if err := c.call(ctx, "create_group_chat", &id, c.accountID, name, false); err != nil {
		return 0, err
	}
	return id, nil
}

// AddMember adds a contact to a group chat.
func (c *RPC) AddMember(ctx context.Context, chatID, contactID uint32) error {
	return c.call(ctx, "add_contact_to_chat", nil, c.accountID, chatID, contactID)
}

// SendText sends a text message into a chat.
func (c *RPC) SendText(ctx context.Context, chatID uint32, text string) error {
	return c.call(ctx, "misc_send_text_message", nil, c.accountID, chatID, text)
}

// Messages polls the server's event queue and streams incoming text messages
// for the bot account until ctx is done.
func (c *RPC) Messages(ctx context.Context) <-chan IncomingMessage {
	out := make(chan IncomingMessage)
	go func() {
		defer close(out)
		for {
			var ev rpcEvent
			if err := c.call(ctx, "get_next_event", &ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-c.done:
					return
				default:
				}
				c.logger.Warn("Failed to fetch chat event", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if ev.Event.Kind != "IncomingMsg" || ev.ContextID != c.accountID {
				continue
			}

			msg, err := c.incoming(ctx, ev.Event.ChatID, ev.Event.MsgID)
			if err != nil {
				c.logger.Warn("Failed to load incoming message", "msg_id", ev.Event.MsgID, "error", err)
				continue
			}
			if msg == nil {
				continue
			}
			select {
			case out <- *msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *RPC) incoming(ctx context.Context, chatID, msgID uint32) (*IncomingMessage, error) {
	var m rpcMessage
	if err := c.call(ctx, "get_message", &m, c.accountID, msgID); err != nil {
		return nil, err
	}
	if m.IsInfo || m.FromID <= lastSpecialContactID {
		return nil, nil
	}

	var info rpcChatInfo
	if err := c.call(ctx, "get_basic_chat_info", &info, c.accountID, chatID); err != nil {
		return nil, err
	}

	msg := &IncomingMessage{
		ChatID:    chatID,
		ChatName:  info.Name,
		SenderID:  m.FromID,
		Text:      m.Text,
		MessageID: m.ID,
	}
	if m.Sender != nil {
		msg.SenderAddress = m.Sender.Address
	} else {
		sender, err := c.Contact(ctx, m.FromID)
		if err != nil {
			return nil, err
		}
		msg.SenderAddress = sender.Address
	}
	return msg, nil
}
