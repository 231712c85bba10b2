package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/magic2k/magichat/internal/chat"
)

// Login authenticates and persists the returned token pair. The call is
// unauthenticated: a rejected password is an APIError and leaves any stored
// session alone.
func (c *Client) Login(ctx context.Context, email, password string) (*chat.Session, error) {
	data, err := c.requestPublic(ctx, http.MethodPost, "/api/auth/login", "application/json", mustJSON(map[string]string{
		"email":    email,
		"password": password,
	}))
	if err != nil {
		return nil, err
	}
	var sess chat.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if err := c.store.SaveTokens(sess.Token, sess.Refresh); err != nil {
		return nil, err
	}
	return &sess, nil
}

type RegisterParams struct {
	FirstName  string
	LastName   string
	Email      string
	Password   string
	AvatarPath string // optional file to upload as the avatar
}

// Register creates an account and persists the returned token pair.
func (c *Client) Register(ctx context.Context, p RegisterParams) (*chat.Session, error) {
	fields := map[string]string{
		"firstName": p.FirstName,
		"lastName":  p.LastName,
		"email":     p.Email,
		"password":  p.Password,
	}
	body, contentType, err := multipartBody(fields, "avatar", p.AvatarPath)
	if err != nil {
		return nil, err
	}
	data, err := c.requestPublic(ctx, http.MethodPost, "/api/auth/register", contentType, body)
	if err != nil {
		return nil, err
	}
	var sess chat.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if err := c.store.SaveTokens(sess.Token, sess.Refresh); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Logout drops the stored tokens.
func (c *Client) Logout() error {
	return c.store.ClearTokens()
}

// SearchUsers looks up users by name or email fragment.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.User, error) {
	path := "/api/user"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var users []chat.User
	if err := c.getJSON(ctx, path, &users); err != nil {
		return nil, err
	}
	return users, nil
}

type ProfileUpdate struct {
	FirstName  string
	LastName   string
	Nickname   string
	Pseudo     string
	AvatarPath string
}

// UpdateProfile posts the changed profile fields, with the avatar as a
// multipart file when given.
func (c *Client) UpdateProfile(ctx context.Context, p ProfileUpdate) (*chat.User, error) {
	fields := map[string]string{}
	if p.FirstName != "" {
		fields["firstName"] = p.FirstName
	}
	if p.LastName != "" {
		fields["lastName"] = p.LastName
	}
	if p.Nickname != "" {
		fields["nickname"] = p.Nickname
	}
	if p.Pseudo != "" {
		fields["pseudo"] = p.Pseudo
	}
	body, contentType, err := multipartBody(fields, "avatar", p.AvatarPath)
	if err != nil {
		return nil, err
	}
	data, err := c.request(ctx, http.MethodPost, "/api/user/me", contentType, body)
	if err != nil {
		return nil, err
	}
	var user chat.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) UpdateStatusMsg(ctx context.Context, statusMsg string) error {
	return c.sendJSON(ctx, http.MethodPatch, "/api/user/status-msg", map[string]string{
		"statusMsg": statusMsg,
	}, nil)
}

func (c *Client) StatusMsg(ctx context.Context, userID string) (string, error) {
	var out struct {
		StatusMsg string `json:"statusMsg"`
	}
	if err := c.getJSON(ctx, "/api/user/status-msg/"+url.PathEscape(userID), &out); err != nil {
		return "", err
	}
	return out.StatusMsg, nil
}

// Chats fetches the conversation roster.
func (c *Client) Chats(ctx context.Context) ([]chat.Conversation, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/chat", "", nil)
	if err != nil {
		return nil, err
	}
	// The roster arrives either bare or wrapped in {chats: [...]}.
	var convs []chat.Conversation
	if err := json.Unmarshal(data, &convs); err == nil {
		return convs, nil
	}
	var wrapped struct {
		Chats []chat.Conversation `json:"chats"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Chats, nil
}

// CreateChat asks the backend for a conversation between the two users. When
// the pair already shares one, the backend answers with a message body and no
// id; that case returns (nil, nil) and the caller resolves the existing entry
// from the roster.
func (c *Client) CreateChat(ctx context.Context, idOne, idTwo string) (*chat.Conversation, error) {
	data, err := c.request(ctx, http.MethodPost, "/api/chat", "application/json", mustJSON(map[string]string{
		"participant_id_one": idOne,
		"participant_id_two": idTwo,
	}))
	if err != nil {
		return nil, err
	}
	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, nil
	}
	return &conv, nil
}

// Messages fetches the history page for one conversation, normalized to the
// canonical message shape.
func (c *Client) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/chat/message/"+url.PathEscape(chatID), "", nil)
	if err != nil {
		return nil, err
	}
	return decodeMessagePage(data)
}

// SendMessage submits a text message. The authoritative copy comes back over
// the realtime channel; callers must not inject the returned value into a
// timeline themselves.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*chat.Message, error) {
	data, err := c.request(ctx, http.MethodPost, "/api/chat/message", "application/json", mustJSON(map[string]string{
		"chat_id": chatID,
		"message": text,
	}))
	if err != nil {
		return nil, err
	}
	msg, err := chat.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendImage uploads an image message.
func (c *Client) SendImage(ctx context.Context, chatID, filename string, r io.Reader) (*chat.Message, error) {
	return c.sendMedia(ctx, "/api/chat/message/image", "image", chatID, filename, r)
}

// SendAudio uploads an audio message.
func (c *Client) SendAudio(ctx context.Context, chatID, filename string, r io.Reader) (*chat.Message, error) {
	return c.sendMedia(ctx, "/api/chat/message/audio", "audio", chatID, filename, r)
}

func (c *Client) sendMedia(ctx context.Context, path, field, chatID, filename string, r io.Reader) (*chat.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", chatID); err != nil {
		return nil, err
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	data, err := c.request(ctx, http.MethodPost, path, w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	msg, err := chat.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead clears the unread counter for a conversation on the server.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	_, err := c.request(ctx, http.MethodPatch, "/api/chat/message/read/"+url.PathEscape(chatID), "application/json", nil)
	return err
}

// decodeMessagePage accepts both a bare array and {messages: [...]}.
func decodeMessagePage(data []byte) ([]chat.Message, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapped struct {
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		items = wrapped.Messages
	}
	msgs := make([]chat.Message, 0, len(items))
	for _, raw := range items {
		msg, err := chat.DecodeMessage(raw)
		if err != nil {
			log.Warningf("skipping malformed message in history: %s", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func multipartBody(fields map[string]string, fileField, filePath string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if filePath != "" {
		if err := writeFilePart(w, fileField, filePath); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func mustJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
