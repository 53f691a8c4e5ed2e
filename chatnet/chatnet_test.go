package chatnet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryNetwork(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())
	alice := m.AddContact("Alice", "alice@example.org")

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		ids, err := m.LookupContactsByAddress(ctx, "ALICE@example.org")
		require.NoError(t, err)
		assert.Equal(t, []uint32{alice}, ids)
	})

	t.Run("unknown contact", func(t *testing.T) {
		_, err := m.Contact(ctx, 9999)
		assert.ErrorIs(t, err, ErrContactNotFound)
	})

	t.Run("group lifecycle", func(t *testing.T) {
		chatID, err := m.CreateGroup(ctx, "Topic (1)")
		require.NoError(t, err)
		require.NoError(t, m.AddMember(ctx, chatID, alice))
		require.NoError(t, m.SendText(ctx, chatID, "hello"))

		chats, err := m.ChatsForContact(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, []Chat{{ID: chatID, Name: "Topic (1)"}}, chats)
		assert.Equal(t, []string{"hello"}, m.Sent(chatID))
		assert.Equal(t, []uint32{alice}, m.Members(chatID))
	})

	t.Run("injected failure", func(t *testing.T) {
		boom := errors.New("boom")
		m.FailWith("SendText", boom)
		defer m.FailWith("SendText", nil)
		assert.ErrorIs(t, m.SendText(ctx, 1, "x"), boom)
	})

	t.Run("delivered messages are streamed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		msgs := m.Messages(ctx)
		m.Deliver(IncomingMessage{ChatID: 1, Text: "hi"})
		select {
		case msg := <-msgs:
			assert.Equal(t, "hi", msg.Text)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	})
}

// fakeServer answers JSON-RPC requests read from r using handle.
func fakeServer(t *testing.T, r io.Reader, w io.Writer, handle func(method string, params []json.RawMessage) (any, *RPCError)) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			var req struct {
				Method string            `json:"method"`
				Params []json.RawMessage `json:"params"`
				ID     int64             `json:"id"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				t.Errorf("bad request line: %v", err)
				return
			}
			result, rpcErr := handle(req.Method, req.Params)
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			data, _ := json.Marshal(resp)
			if _, err := w.Write(append(data, '\n')); err != nil {
				return
			}
		}
	}()
}

func newPipedRPC(t *testing.T, handle func(method string, params []json.RawMessage) (any, *RPCError)) *RPC {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	fakeServer(t, reqR, respW, handle)
	c := NewRPC(respR, reqW, 1, testLogger())
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = respW.Close()
	})
	return c
}

func TestRPCCalls(t *testing.T) {
	ctx := context.Background()
	c := newPipedRPC(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		switch method {
		case "lookup_contact_id_by_addr":
			var addr string
			_ = json.Unmarshal(params[1], &addr)
			if addr == "alice@example.org" {
				return 12, nil
			}
			return nil, nil
		case "get_contact":
			return map[string]any{"id": 12, "address": "alice@example.org", "displayName": "Alice"}, nil
		case "get_chatlist_entries":
			return []int{20, 21}, nil
		case "get_basic_chat_info":
			var id int
			_ = json.Unmarshal(params[1], &id)
			if id == 20 {
				return map[string]any{"id": 20, "name": "Welcome (1)"}, nil
			}
			return map[string]any{"id": 21, "name": "Alice"}, nil
		case "create_group_chat":
			return 30, nil
		case "add_contact_to_chat":
			return nil, nil
		case "misc_send_text_message":
			return nil, &RPCError{Code: -1, Message: "chat not found"}
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})

	ids, err := c.LookupContactsByAddress(ctx, "alice@example.org")
	require.NoError(t, err)
	assert.Equal(t, []uint32{12}, ids)

	ids, err = c.LookupContactsByAddress(ctx, "nobody@example.org")
	require.NoError(t, err)
	assert.Empty(t, ids)

	contact, err := c.Contact(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "Alice", contact.Name())
	assert.Equal(t, "alice@example.org", contact.Address)

	chats, err := c.ChatsForContact(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, []Chat{{ID: 20, Name: "Welcome (1)"}, {ID: 21, Name: "Alice"}}, chats)

	chatID, err := c.CreateGroup(ctx, "New (2)")
	require.NoError(t, err)
	assert.Equal(t, uint32(30), chatID)

	require.NoError(t, c.AddMember(ctx, 30, 12))

	err = c.SendText(ctx, 99, "hi")
	require.Error(t, err)
	assert.True(t, IsRPCError(err))
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "misc_send_text_message", rpcErr.Method)
}

// methodRecorder remembers the order of RPC methods the fake server saw.
type methodRecorder struct {
	methods []string
	mu      sync.Mutex
}

func (r *methodRecorder) add(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
}

func (r *methodRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.methods...)
}

func TestRPCStartRunsIO(t *testing.T) {
	tests := []struct {
		name        string
		configured  bool
		wantErr     error
		wantStart   []string
		wantAtClose []string
	}{
		{
			name:        "configured account",
			configured:  true,
			wantStart:   []string{"is_configured", "start_io"},
			wantAtClose: []string{"is_configured", "start_io", "stop_io"},
		},
		{
			name:        "unconfigured account",
			configured:  false,
			wantErr:     ErrAccountNotConfigured,
			wantStart:   []string{"is_configured"},
			wantAtClose: []string{"is_configured"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &methodRecorder{}
			c := newPipedRPC(t, func(method string, params []json.RawMessage) (any, *RPCError) {
				rec.add(method)
				var account int
				_ = json.Unmarshal(params[0], &account)
				assert.Equal(t, 1, account)
				switch method {
				case "is_configured":
					return tt.configured, nil
				case "start_io", "stop_io":
					return nil, nil
				}
				return nil, &RPCError{Code: -32601, Message: "method not found"}
			})

			err := c.Start(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStart, rec.list())

			require.NoError(t, c.Close())
			assert.Equal(t, tt.wantAtClose, rec.list())
		})
	}
}

func TestRPCMessagesSkipsOwnAndInfoMessages(t *testing.T) {
	events := make(chan map[string]any, 3)
	events <- map[string]any{"contextId": 1, "event": map[string]any{"kind": "IncomingMsg", "chatId": 20, "msgId": 100}}
	events <- map[string]any{"contextId": 1, "event": map[string]any{"kind": "Info", "msg": "noise"}}
	events <- map[string]any{"contextId": 1, "event": map[string]any{"kind": "IncomingMsg", "chatId": 20, "msgId": 101}}

	c := newPipedRPC(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		switch method {
		case "get_next_event":
			select {
			case ev := <-events:
				return ev, nil
			case <-time.After(2 * time.Second):
				return map[string]any{"contextId": 0, "event": map[string]any{"kind": "Idle"}}, nil
			}
		case "get_message":
			var id int
			_ = json.Unmarshal(params[1], &id)
			if id == 100 {
				return map[string]any{"id": 100, "chatId": 20, "fromId": 1, "text": "own message"}, nil
			}
			return map[string]any{
				"id": 101, "chatId": 20, "fromId": 12, "text": "reply text",
				"sender": map[string]any{"id": 12, "address": "alice@example.org"},
			}, nil
		case "get_basic_chat_info":
			return map[string]any{"id": 20, "name": "Welcome (1)"}, nil
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	select {
	case msg := <-c.Messages(ctx):
		assert.Equal(t, IncomingMessage{
			ChatID:        20,
			ChatName:      "Welcome (1)",
			SenderID:      12,
			SenderAddress: "alice@example.org",
			Text:          "reply text",
			MessageID:     101,
		}, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRPCCallHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	c := newPipedRPC(t, func(string, []json.RawMessage) (any, *RPCError) {
		<-block
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.SendText(ctx, 1, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
