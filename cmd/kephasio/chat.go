package main

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/luciancaetano/kephasio/internal/testserver"
)

type userInfo struct {
	ID       string
	Username string
	JoinedAt time.Time
}

func (u *userInfo) value() map[string]any {
	return map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"joinedAt": u.JoinedAt.Format(time.RFC3339),
	}
}

// chatRoom turns a namespace into a chat: messages are broadcast to
// everyone in it, and members can pick a name and list each other.
type chatRoom struct {
	nsp    *testserver.Namespace
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]*userInfo
}

func newChatRoom(nsp *testserver.Namespace, logger *slog.Logger) *chatRoom {
	cr := &chatRoom{
		nsp:    nsp,
		logger: logger.With("namespace", nsp.Name()),
		users:  make(map[string]*userInfo),
	}

	nsp.OnConnect(cr.join)
	nsp.OnDisconnect(cr.leave)
	nsp.On("set username", cr.handleSetUsername)
	nsp.On("chat message", cr.handleChatMessage)
	nsp.On("get users", cr.handleGetUsers)
	nsp.On("echo", func(_ *testserver.Socket, args []any) []any { return args })
	return cr
}

func (cr *chatRoom) join(s *testserver.Socket) {
	user := &userInfo{
		ID:       s.ID(),
		Username: "Guest_" + s.ID()[:8],
		JoinedAt: time.Now(),
	}
	cr.mu.Lock()
	cr.users[s.ID()] = user
	cr.mu.Unlock()

	cr.logger.Info("user joined", "id", user.ID, "username", user.Username)
	cr.nsp.Emit("user joined", user.value())
}

func (cr *chatRoom) leave(s *testserver.Socket, reason string) {
	cr.mu.Lock()
	user := cr.users[s.ID()]
	delete(cr.users, s.ID())
	cr.mu.Unlock()
	if user == nil {
		return
	}

	cr.logger.Info("user left", "id", user.ID, "username", user.Username, "reason", reason)
	cr.nsp.Emit("user left", user.value())
}

func (cr *chatRoom) handleSetUsername(s *testserver.Socket, args []any) []any {
	name, ok := firstString(args)
	if !ok || name == "" {
		return []any{map[string]any{"error": "username must be a non-empty string"}}
	}

	cr.mu.Lock()
	user, exists := cr.users[s.ID()]
	if exists {
		user.Username = name
	}
	cr.mu.Unlock()
	if !exists {
		return []any{map[string]any{"error": "not a member"}}
	}

	cr.nsp.Emit("user joined", user.value())
	return []any{user.value()}
}

func (cr *chatRoom) handleChatMessage(s *testserver.Socket, args []any) []any {
	text, ok := firstString(args)
	if !ok {
		return []any{map[string]any{"error": "message must be a string"}}
	}

	cr.mu.RLock()
	user, exists := cr.users[s.ID()]
	username := ""
	if exists {
		username = user.Username
	}
	cr.mu.RUnlock()

	cr.logger.Debug("message", "username", username, "text", text)
	cr.nsp.Emit("chat message", map[string]any{
		"username":  username,
		"message":   text,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	return nil
}

func (cr *chatRoom) handleGetUsers(_ *testserver.Socket, _ []any) []any {
	cr.mu.RLock()
	users := make([]*userInfo, 0, len(cr.users))
	for _, u := range cr.users {
		users = append(users, u)
	}
	cr.mu.RUnlock()

	slices.SortFunc(users, func(a, b *userInfo) int { return a.JoinedAt.Compare(b.JoinedAt) })
	list := make([]any, len(users))
	for i, u := range users {
		list[i] = u.value()
	}
	return []any{list}
}

func (cr *chatRoom) String() string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return fmt.Sprintf("%s (%d users)", cr.nsp.Name(), len(cr.users))
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}
