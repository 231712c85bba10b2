package chat

import "time"

type User struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	Pseudo    string `json:"pseudo,omitempty"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar,omitempty"`
	StatusMsg string `json:"statusMsg,omitempty"`
}

// DisplayName picks the friendliest available name, the same precedence the
// web client uses for chat headers.
func (u User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	if u.FirstName != "" {
		name := u.FirstName
		if u.LastName != "" {
			name += " " + u.LastName
		}
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// Session is what a successful login or register returns.
type Session struct {
	Token   string `json:"token"`
	Refresh string `json:"refresh,omitempty"`
	User    User   `json:"user"`
}

// Conversation is a two-party thread as returned by the roster endpoint.
type Conversation struct {
	ID            string    `json:"_id"`
	Participants  []User    `json:"participants,omitempty"`
	OtherUser     *User     `json:"otherUser,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	Unread        int       `json:"unread,omitempty"`
}

// Other resolves the participant that is not the given user, matching by id
// first and email second. Falls back to the backend-provided otherUser field.
func (c Conversation) Other(selfID, selfEmail string) *User {
	for i := range c.Participants {
		p := &c.Participants[i]
		if p.ID != selfID && (p.Email == "" || p.Email != selfEmail) {
			return p
		}
	}
	return c.OtherUser
}
