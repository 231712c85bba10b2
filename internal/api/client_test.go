package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/magic2k/magichat/internal/store"
	"github.com/magic2k/magichat/internal/stub"
)

func newTestEnv(t *testing.T) (*stub.Server, *Client, *store.Store) {
	t.Helper()
	srv := stub.New()
	base, stop, err := srv.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(stop)
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return srv, New(base, st), st
}

func TestLoginStoresTokens(t *testing.T) {
	srv, cli, st := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")

	sess, err := cli.Login(context.Background(), "ana@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if sess.User.Email != "ana@example.com" {
		t.Errorf("user = %+v", sess.User)
	}
	if st.AccessToken() != sess.Token || st.RefreshToken() != sess.Refresh {
		t.Error("tokens were not persisted")
	}
}

func TestLoginBadCredentials(t *testing.T) {
	srv, cli, _ := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")

	_, err := cli.Login(context.Background(), "ana@example.com", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
}

func TestWrongPasswordLoginKeepsSession(t *testing.T) {
	srv, cli, st := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	access, refresh := st.AccessToken(), st.RefreshToken()

	// A credential typo while signed in must not touch the stored session.
	_, err := cli.Login(context.Background(), "ana@example.com", "typo")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
	if IsSessionExpired(err) {
		t.Error("bad credentials reported as an expired session")
	}
	if st.AccessToken() != access || st.RefreshToken() != refresh {
		t.Error("stored tokens changed on a failed login")
	}
	if got := srv.RefreshCalls(); got != 0 {
		t.Errorf("refresh calls = %d during a credential failure", got)
	}

	// The surviving session still works.
	if _, err := cli.Chats(context.Background()); err != nil {
		t.Fatalf("request with surviving session: %v", err)
	}
}

func TestSilentRefreshRetriesOnce(t *testing.T) {
	srv, cli, st := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	old := st.AccessToken()

	srv.RevokeAccessTokens()

	if _, err := cli.Chats(context.Background()); err != nil {
		t.Fatalf("request after revocation: %v", err)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if st.AccessToken() == old || st.AccessToken() == "" {
		t.Error("access token was not rotated")
	}
}

func TestRefreshFailureClearsSession(t *testing.T) {
	srv, cli, st := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}

	srv.RevokeAllTokens()

	_, err := cli.Chats(context.Background())
	if !IsSessionExpired(err) {
		t.Fatalf("err = %v, want SessionExpiredError", err)
	}
	if st.AccessToken() != "" || st.RefreshToken() != "" {
		t.Error("tokens survived the failed refresh")
	}
}

func TestMissingRefreshTokenFailsFast(t *testing.T) {
	srv, cli, st := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	// Stale access token, no refresh token to recover with.
	if err := st.ClearTokens(); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveTokens("stale", ""); err != nil {
		t.Fatal(err)
	}

	_, err := cli.Chats(context.Background())
	if !IsSessionExpired(err) {
		t.Fatalf("err = %v, want SessionExpiredError", err)
	}
	if got := srv.RefreshCalls(); got != 0 {
		t.Errorf("refresh calls = %d, want none without a refresh token", got)
	}
	if st.AccessToken() != "" {
		t.Error("stale token survived")
	}
}

func TestSecond401AfterRefreshIsTerminal(t *testing.T) {
	srv, cli, st := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}

	// Refresh succeeds but the retried request is rejected again.
	srv.RejectAuthorized(true)

	_, err := cli.Chats(context.Background())
	if !IsSessionExpired(err) {
		t.Fatalf("err = %v, want SessionExpiredError", err)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", got)
	}
	if st.AccessToken() != "" {
		t.Error("tokens survived the terminal 401")
	}
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	srv, cli, _ := newTestEnv(t)
	srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	srv.RevokeAccessTokens()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cli.Chats(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	// Single-flight: the burst must not refresh once per request.
	if got := srv.RefreshCalls(); got >= n {
		t.Errorf("refresh calls = %d for %d concurrent 401s", got, n)
	}
}

func TestServerErrorsGetGenericMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"msg":"stack trace the user should never see"}`))
	}))
	defer ts.Close()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cli := New(ts.URL, st)

	_, err = cli.Chats(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d", apiErr.Status)
	}
	if apiErr.Message == "stack trace the user should never see" {
		t.Error("5xx body leaked through instead of the generic message")
	}
}

func TestNetworkErrorClassification(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cli := New("http://127.0.0.1:1", st) // nothing listens here

	_, err = cli.Chats(context.Background())
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestCreateChatAlreadyExists(t *testing.T) {
	srv, cli, _ := newTestEnv(t)
	ana := srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	bob := srv.AddUser("Bob", "Lane", "bob@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}

	conv, err := cli.CreateChat(context.Background(), ana.ID, bob.ID)
	if err != nil || conv == nil || conv.ID == "" {
		t.Fatalf("first create: %+v, %v", conv, err)
	}
	again, err := cli.CreateChat(context.Background(), ana.ID, bob.ID)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again != nil {
		t.Errorf("second create = %+v, want nil for an existing pair", again)
	}
}

func TestMediaSendSetsRosterPreview(t *testing.T) {
	srv, cli, _ := newTestEnv(t)
	ana := srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	bob := srv.AddUser("Bob", "Lane", "bob@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	conv, err := cli.CreateChat(context.Background(), ana.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cli.SendImage(context.Background(), conv.ID, "cat.png", strings.NewReader("img")); err != nil {
		t.Fatal(err)
	}
	chats, err := cli.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].LastMessage != "[image]" {
		t.Fatalf("roster after image = %+v", chats)
	}

	if _, err := cli.SendAudio(context.Background(), conv.ID, "note.ogg", strings.NewReader("snd")); err != nil {
		t.Fatal(err)
	}
	chats, err = cli.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if chats[0].LastMessage != "[audio]" {
		t.Fatalf("roster after audio = %+v", chats)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	srv, cli, _ := newTestEnv(t)
	ana := srv.AddUser("Ana", "Gomez", "ana@example.com", "pw")
	bob := srv.AddUser("Bob", "Lane", "bob@example.com", "pw")
	if _, err := cli.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	conv, err := cli.CreateChat(context.Background(), ana.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	sent, err := cli.SendMessage(context.Background(), conv.ID, "hola")
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID == "" || sent.Body != "hola" || sent.SenderID != ana.ID {
		t.Fatalf("sent = %+v", sent)
	}

	msgs, err := cli.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("history = %+v", msgs)
	}
}
