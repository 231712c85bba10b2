package chat

import (
	"testing"
	"time"
)

func TestDecodeMessageFieldFallbacks(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Message
	}{
		{
			name: "canonical rest shape",
			in:   `{"_id":"m1","chat_id":"c1","sender":"u1","message":"hi","createdAt":"2025-03-01T10:00:00Z"}`,
			want: Message{ID: "m1", ChatID: "c1", SenderID: "u1", Kind: KindText, Body: "hi",
				CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		},
		{
			name: "sender as embedded object",
			in:   `{"_id":"m2","chatId":"c1","sender":{"_id":"u2","email":"b@x.com"},"text":"yo"}`,
			want: Message{ID: "m2", ChatID: "c1", SenderID: "u2", Kind: KindText, Body: "yo"},
		},
		{
			name: "from and content variants",
			in:   `{"id":"m3","chat":"c1","from":"u1","content":"hey"}`,
			want: Message{ID: "m3", ChatID: "c1", SenderID: "u1", Kind: KindText, Body: "hey"},
		},
		{
			name: "user object variant",
			in:   `{"_id":"m4","chat_id":"c1","user":{"_id":"u9"},"message":"x"}`,
			want: Message{ID: "m4", ChatID: "c1", SenderID: "u9", Kind: KindText, Body: "x"},
		},
		{
			name: "image message",
			in:   `{"_id":"m5","chat_id":"c1","sender":"u1","image":"uploads/image/cat.png"}`,
			want: Message{ID: "m5", ChatID: "c1", SenderID: "u1", Kind: KindImage, Body: "uploads/image/cat.png"},
		},
		{
			name: "audio message",
			in:   `{"_id":"m6","chat_id":"c1","sender":"u1","audio":"uploads/audio/note.ogg"}`,
			want: Message{ID: "m6", ChatID: "c1", SenderID: "u1", Kind: KindAudio, Body: "uploads/audio/note.ogg"},
		},
		{
			name: "tic without durable id",
			in:   `{"chat_id":"c1","from":"u1","tic":true}`,
			want: Message{ChatID: "c1", SenderID: "u1", Kind: KindTic},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tc.in))
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeMessageRejectsEmpty(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"chat_id":"c1"}`)); err == nil {
		t.Error("expected an error for a message without id or body")
	}
}

func TestConversationOther(t *testing.T) {
	conv := Conversation{
		Participants: []User{
			{ID: "me", Email: "me@x.com"},
			{ID: "them", Email: "them@x.com", FirstName: "Ana"},
		},
	}
	other := conv.Other("me", "me@x.com")
	if other == nil || other.ID != "them" {
		t.Fatalf("Other = %+v, want the peer", other)
	}

	// Fall back to the backend-resolved field when participants are absent.
	conv = Conversation{OtherUser: &User{ID: "them"}}
	if other := conv.Other("me", "me@x.com"); other == nil || other.ID != "them" {
		t.Fatalf("Other fallback = %+v, want otherUser", other)
	}
}

func TestUserDisplayName(t *testing.T) {
	u := User{FirstName: "Ana", LastName: "Gomez", Email: "a@x.com"}
	if got := u.DisplayName(); got != "Ana Gomez" {
		t.Errorf("DisplayName = %q", got)
	}
	u.Nickname = "ana"
	if got := u.DisplayName(); got != "ana" {
		t.Errorf("DisplayName with nickname = %q", got)
	}
	if got := (User{Email: "a@x.com"}).DisplayName(); got != "a@x.com" {
		t.Errorf("DisplayName email fallback = %q", got)
	}
}
