// Package stub is an in-memory double of the chat backend: the REST
// endpoints and the realtime channel the client consumes, with just enough
// behavior to develop and test against. It is not a product server.
package stub

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/op/go-logging"

	"github.com/magic2k/magichat/internal/chat"
)

var log = logging.MustGetLogger("stub")

type account struct {
	chat.User
	password string
}

type wireMessage struct {
	ID        string    `json:"_id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message,omitempty"`
	Image     string    `json:"image,omitempty"`
	Audio     string    `json:"audio,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type conversation struct {
	id           string
	participants [2]string
	lastMessage  string
	lastAt       time.Time
	unread       map[string]int
	msgs         []wireMessage
}

type Server struct {
	app *fiber.App
	hub *hub

	mu           sync.Mutex
	users        map[string]*account // id -> account
	byEmail      map[string]*account
	access       map[string]string // access token -> user id
	refresh      map[string]string // refresh token -> user id
	chats        map[string]*conversation
	refreshCalls int
	rejectAll    bool
}

func New() *Server {
	s := &Server{
		app:     fiber.New(fiber.Config{DisableStartupMessage: true}),
		hub:     newHub(),
		users:   map[string]*account{},
		byEmail: map[string]*account{},
		access:  map[string]string{},
		refresh: map[string]string{},
		chats:   map[string]*conversation{},
	}
	s.routes()
	return s
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App { return s.app }

// Start serves on a random local port and returns the base URL plus a stop
// function.
func (s *Server) Start() (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	go func() {
		if err := s.app.Listener(ln); err != nil {
			log.Debugf("stub listener: %s", err)
		}
	}()
	stop := func() { _ = s.app.Shutdown() }
	return "http://" + ln.Addr().String(), stop, nil
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// AddUser seeds an account and returns its public shape.
func (s *Server) AddUser(firstName, lastName, email, password string) chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := &account{
		User: chat.User{
			ID:        uuid.NewString(),
			FirstName: firstName,
			LastName:  lastName,
			Email:     email,
		},
		password: password,
	}
	s.users[acc.ID] = acc
	s.byEmail[email] = acc
	return acc.User
}

// RevokeAccessTokens invalidates every access token while keeping refresh
// tokens valid, so the next authenticated call 401s and must refresh.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = map[string]string{}
}

// RevokeAllTokens invalidates access and refresh tokens both; refresh then
// fails and the session is unrecoverable.
func (s *Server) RevokeAllTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = map[string]string{}
	s.refresh = map[string]string{}
}

// RejectAuthorized makes every authenticated endpoint answer 401 regardless
// of token validity, while refresh keeps working; a client then sees a second
// 401 right after a successful refresh.
func (s *Server) RejectAuthorized(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

// CloseClients drops every connected realtime socket, simulating a transport
// outage clients must recover from.
func (s *Server) CloseClients() {
	s.hub.closeAll()
}

// RefreshCalls counts hits on the refresh endpoint.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func (s *Server) routes() {
	s.app.Post("/api/auth/login", s.handleLogin)
	s.app.Post("/api/auth/register", s.handleRegister)
	s.app.Post("/api/auth/refresh", s.handleRefresh)

	authed := s.app.Group("/api", s.requireAuth)
	authed.Get("/user", s.handleSearchUsers)
	authed.Post("/user/me", s.handleUpdateProfile)
	authed.Patch("/user/status-msg", s.handleSetStatusMsg)
	authed.Get("/user/status-msg/:userId", s.handleGetStatusMsg)

	authed.Get("/chat", s.handleChats)
	authed.Post("/chat", s.handleCreateChat)
	authed.Get("/chat/message/:chatId", s.handleMessages)
	authed.Post("/chat/message", s.handleSendMessage)
	authed.Post("/chat/message/image", s.handleSendImage)
	authed.Post("/chat/message/audio", s.handleSendAudio)
	authed.Patch("/chat/message/read/:chatId", s.handleMarkRead)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID := s.userForToken(bearerToken(c))
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"msg": "invalid token"})
		}
		c.Locals("userID", userID)
		return c.Next()
	})
	s.app.Get("/ws", websocket.New(s.handleWS))
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	userID := s.userForToken(bearerToken(c))
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"msg": "invalid token"})
	}
	c.Locals("userID", userID)
	return c.Next()
}

func (s *Server) userForToken(token string) string {
	if token == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAll {
		return ""
	}
	return s.access[token]
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func (s *Server) issueTokens(userID string) (string, string) {
	access := uuid.NewString()
	refresh := uuid.NewString()
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}
