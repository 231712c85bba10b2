package store

import (
	"testing"

	"github.com/magic2k/magichat/internal/chat"
)

func TestTokenRoundTrip(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got := st.AccessToken(); got != "" {
		t.Fatalf("fresh store has access token %q", got)
	}
	if err := st.SaveTokens("acc1", "ref1"); err != nil {
		t.Fatal(err)
	}
	if st.AccessToken() != "acc1" || st.RefreshToken() != "ref1" {
		t.Fatalf("got %q/%q", st.AccessToken(), st.RefreshToken())
	}

	// A refresh only rotates the access token; the refresh token stays.
	if err := st.SaveTokens("acc2", ""); err != nil {
		t.Fatal(err)
	}
	if st.AccessToken() != "acc2" || st.RefreshToken() != "ref1" {
		t.Fatalf("after rotate got %q/%q", st.AccessToken(), st.RefreshToken())
	}

	if err := st.ClearTokens(); err != nil {
		t.Fatal(err)
	}
	if st.AccessToken() != "" || st.RefreshToken() != "" {
		t.Fatal("tokens survived ClearTokens")
	}
	// Clearing twice is fine.
	if err := st.ClearTokens(); err != nil {
		t.Fatal(err)
	}
}

func TestPreferences(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetPresence("away"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetStatusMsg("brb"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetDisplayName("u1", "Anita"); err != nil {
		t.Fatal(err)
	}
	p := st.Preferences()
	if p.Presence != "away" || p.StatusMsg != "brb" {
		t.Fatalf("prefs = %+v", p)
	}
	if st.DisplayName("u1") != "Anita" {
		t.Fatalf("DisplayName = %q", st.DisplayName("u1"))
	}
	if err := st.SetDisplayName("u1", ""); err != nil {
		t.Fatal(err)
	}
	if st.DisplayName("u1") != "" {
		t.Fatal("override survived removal")
	}
}

func TestSessionUser(t *testing.T) {
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.User(); ok {
		t.Fatal("fresh store has a user")
	}
	u := chat.User{ID: "u1", Email: "a@x.com", FirstName: "Ana"}
	if err := st.SaveUser(u); err != nil {
		t.Fatal(err)
	}
	got, ok := st.User()
	if !ok || got.ID != "u1" || got.Email != "a@x.com" {
		t.Fatalf("User = %+v, %v", got, ok)
	}
	if err := st.SaveTokens("acc", "ref"); err != nil {
		t.Fatal(err)
	}
	if err := st.ClearSession(); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.User(); ok {
		t.Fatal("user survived ClearSession")
	}
	if st.AccessToken() != "" {
		t.Fatal("tokens survived ClearSession")
	}
}

func TestUnavailableStorageMeansNoSession(t *testing.T) {
	// A store pointed at a directory that cannot exist reads as logged out.
	st := &Store{dir: "/dev/null/nope"}
	if got := st.AccessToken(); got != "" {
		t.Fatalf("AccessToken = %q, want empty", got)
	}
	if _, ok := st.User(); ok {
		t.Fatal("unexpected session")
	}
}
