package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/magic2k/magichat/internal/api"
	"github.com/magic2k/magichat/internal/chat"
	"github.com/magic2k/magichat/internal/presence"
	"github.com/magic2k/magichat/internal/realtime"
	"github.com/magic2k/magichat/internal/roster"
	"github.com/magic2k/magichat/internal/store"
	"github.com/magic2k/magichat/internal/timeline"
)

var errNotLoggedIn = errors.New("not logged in, run 'magichat login' first")

type loginCmd struct {
	Email    string `short:"e" long:"email" required:"true" description:"Account email"`
	Password string `short:"p" long:"password" required:"true" description:"Account password"`
}

func (c *loginCmd) Execute(args []string) error {
	st, cli, err := newEnv()
	if err != nil {
		return err
	}
	sess, err := cli.Login(context.Background(), c.Email, c.Password)
	if err != nil {
		return err
	}
	if err := st.SaveUser(sess.User); err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", sess.User.DisplayName())
	return nil
}

type registerCmd struct {
	FirstName string `long:"first-name" required:"true"`
	LastName  string `long:"last-name"`
	Email     string `short:"e" long:"email" required:"true"`
	Password  string `short:"p" long:"password" required:"true"`
	Avatar    string `long:"avatar" description:"Path to an avatar image"`
}

func (c *registerCmd) Execute(args []string) error {
	st, cli, err := newEnv()
	if err != nil {
		return err
	}
	sess, err := cli.Register(context.Background(), api.RegisterParams{
		FirstName:  c.FirstName,
		LastName:   c.LastName,
		Email:      c.Email,
		Password:   c.Password,
		AvatarPath: c.Avatar,
	})
	if err != nil {
		return err
	}
	if err := st.SaveUser(sess.User); err != nil {
		return err
	}
	fmt.Printf("registered as %s\n", sess.User.DisplayName())
	return nil
}

type logoutCmd struct{}

func (c *logoutCmd) Execute(args []string) error {
	st, _, err := newEnv()
	if err != nil {
		return err
	}
	return st.ClearSession()
}

type chatsCmd struct{}

func (c *chatsCmd) Execute(args []string) error {
	st, cli, err := newEnv()
	if err != nil {
		return err
	}
	user, ok := st.User()
	if !ok {
		return errNotLoggedIn
	}
	ros := roster.New(cli, user.ID, user.Email, nil)
	if err := ros.Load(context.Background()); err != nil {
		return err
	}
	entries := ros.Entries()
	if len(entries) == 0 {
		fmt.Println("no conversations yet, open one with 'magichat open <email>'")
		return nil
	}
	for _, e := range entries {
		name := displayName(st, e.Other)
		marker := ""
		if e.Unread > 0 {
			marker = fmt.Sprintf(" (%d unread)", e.Unread)
		}
		fmt.Printf("%-30s %s%s\n", name, e.LastBody, marker)
	}
	return nil
}

type statusCmd struct {
	Set string `long:"set" description:"New status message"`
}

func (c *statusCmd) Execute(args []string) error {
	st, cli, err := newEnv()
	if err != nil {
		return err
	}
	user, ok := st.User()
	if !ok {
		return errNotLoggedIn
	}
	ctx := context.Background()
	if c.Set != "" {
		if err := cli.UpdateStatusMsg(ctx, c.Set); err != nil {
			return err
		}
		return st.SetStatusMsg(c.Set)
	}
	msg, err := cli.StatusMsg(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

type presenceCmd struct {
	Set string `long:"set" choice:"online" choice:"away" choice:"busy" choice:"invisible" description:"New presence state"`
}

func (c *presenceCmd) Execute(args []string) error {
	st, _, err := newEnv()
	if err != nil {
		return err
	}
	if c.Set != "" {
		return st.SetPresence(c.Set)
	}
	state := st.Preferences().Presence
	if state == "" {
		state = "online"
	}
	fmt.Println(state)
	return nil
}

type renameCmd struct {
	Args struct {
		Peer string `positional-arg-name:"peer" description:"Peer email or chat id"`
		Name string `positional-arg-name:"name" description:"Local display name; empty clears the override"`
	} `positional-args:"true" required:"1"`
}

func (c *renameCmd) Execute(args []string) error {
	st, cli, err := newEnv()
	if err != nil {
		return err
	}
	user, ok := st.User()
	if !ok {
		return errNotLoggedIn
	}
	ctx := context.Background()
	ros := roster.New(cli, user.ID, user.Email, nil)
	if err := ros.Load(ctx); err != nil {
		return err
	}
	entry, err := resolveConversation(ctx, ros, c.Args.Peer)
	if err != nil {
		return err
	}
	if err := st.SetDisplayName(entry.Other.ID, c.Args.Name); err != nil {
		return err
	}
	if c.Args.Name == "" {
		fmt.Printf("cleared override for %s\n", entry.Other.DisplayName())
	} else {
		fmt.Printf("%s will show as %s\n", entry.Other.DisplayName(), c.Args.Name)
	}
	return nil
}

type openCmd struct {
	Args struct {
		Peer string `positional-arg-name:"peer" description:"Peer email or chat id"`
	} `positional-args:"true" required:"true"`
}

func (c *openCmd) Execute(args []string) error {
	st, cli, err := newEnv()
	if err != nil {
		return err
	}
	user, ok := st.User()
	token := st.AccessToken()
	if !ok || token == "" {
		return errNotLoggedIn
	}
	ctx := context.Background()

	ros := roster.New(cli, user.ID, user.Email, nil)
	if err := ros.Load(ctx); err != nil {
		return err
	}
	entry, err := resolveConversation(ctx, ros, c.Args.Peer)
	if err != nil {
		return err
	}

	// One realtime connection for the whole session; everything below shares
	// its event stream.
	conn := realtime.Dial(realtime.Config{
		URL:    wsURL(cli.BaseURL()),
		Token:  st.AccessToken(),
		UserID: user.ID,
	})
	defer conn.Close()

	tracker := presence.NewTracker()
	presenceEvents, cancelPresence := conn.Subscribe()
	defer cancelPresence()
	go tracker.Run(presenceEvents)

	rosterEvents, cancelRoster := conn.Subscribe()
	defer cancelRoster()
	go ros.Run(rosterEvents)

	ros.SetFocused(entry.ID)
	defer ros.SetFocused("")
	ros.MarkRead(ctx, entry.ID)

	peerName := displayName(st, entry.Other)
	p := &printer{self: user.ID, peerName: peerName}
	tl, err := timeline.Open(ctx, entry.ID, user.ID, cli, conn, timeline.Options{
		OnChange: p.flush,
		OnTic:    func() { fmt.Println("** tic! **") },
	})
	if err != nil {
		return err
	}
	defer tl.Close()
	p.attach(tl)

	fmt.Printf("conversation with %s - type a message, /tic, /who or /quit\n", peerName)
	p.flush()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/tic":
			if err := tl.SendTic(); err != nil {
				log.Warningf("tic: %s", err)
			}
		case line == "/who":
			if tracker.IsOnline(entry.Other.ID) {
				fmt.Printf("%s is online\n", peerName)
			} else {
				fmt.Printf("%s is offline\n", peerName)
			}
		default:
			if err := tl.SendTyping(user.DisplayName()); err != nil && err != realtime.ErrNotConnected {
				log.Debugf("typing: %s", err)
			}
			if err := tl.Send(ctx, line); err != nil {
				if api.IsSessionExpired(err) {
					return err
				}
				fmt.Println("could not send:", err)
			}
		}
	}
	return scanner.Err()
}

// resolveConversation accepts a chat id already in the roster or a peer email
// to search for; creating a chat with a peer who already shares one resolves
// to the existing conversation.
func resolveConversation(ctx context.Context, ros *roster.Roster, peer string) (roster.Entry, error) {
	if entry, ok := ros.Get(peer); ok {
		return entry, nil
	}
	matches := ros.SearchContacts(ctx, peer)
	var target *chat.User
	for i := range matches {
		if strings.EqualFold(matches[i].Email, peer) {
			target = &matches[i]
			break
		}
	}
	if target == nil && len(matches) == 1 {
		target = &matches[0]
	}
	if target == nil {
		return roster.Entry{}, fmt.Errorf("no user found for %q", peer)
	}
	return ros.Create(ctx, *target)
}

func displayName(st *store.Store, u chat.User) string {
	if override := st.DisplayName(u.ID); override != "" {
		return override
	}
	return u.DisplayName()
}
