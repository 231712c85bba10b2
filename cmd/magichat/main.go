// magichat is a terminal client for the Magic2k chat service. The heavy
// lifting (token refresh, realtime sync, presence, rosters) lives in the
// internal packages; this binary is the thin screen on top.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/op/go-logging"

	"github.com/magic2k/magichat/internal/api"
	"github.com/magic2k/magichat/internal/store"
)

var log = logging.MustGetLogger("main")

var stdoutLogFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:15:04:05.000} [%{level}] [%{module}] %{message}`,
)

type Options struct {
	API     string `long:"api" description:"Backend base URL" default:"https://magic2k.com"`
	DataDir string `short:"d" long:"data-dir" description:"Directory for tokens and preferences (default ~/.magichat)"`
	Verbose bool   `short:"v" long:"verbose" description:"Print debug logging"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.AddCommand("login", "Sign in", "Authenticate against the backend and store the session.", &loginCmd{})
	parser.AddCommand("register", "Create an account", "Register a new account and store the session.", &registerCmd{})
	parser.AddCommand("logout", "Sign out", "Drop the stored session.", &logoutCmd{})
	parser.AddCommand("chats", "List conversations", "Print the conversation roster with unread counts.", &chatsCmd{})
	parser.AddCommand("open", "Open a conversation", "Open a conversation by peer email (or chat id) and chat interactively.", &openCmd{})
	parser.AddCommand("status", "Status message", "Show or update the status message.", &statusCmd{})
	parser.AddCommand("presence", "Presence state", "Show or update the local presence preference.", &presenceCmd{})
	parser.AddCommand("rename", "Rename a contact", "Set or clear a local display name for a contact.", &renameCmd{})

	parser.CommandHandler = func(command flags.Commander, args []string) error {
		setupLogging()
		if err := command.Execute(args); err != nil {
			if api.IsSessionExpired(err) {
				fmt.Fprintln(os.Stderr, "session expired, run 'magichat login' again")
			} else {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			os.Exit(1)
		}
		return nil
	}

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	backend := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), stdoutLogFormat)
	leveled := logging.AddModuleLevel(backend)
	if opts.Verbose {
		leveled.SetLevel(logging.DEBUG, "")
	} else {
		leveled.SetLevel(logging.WARNING, "")
	}
	logging.SetBackend(leveled)
}

// newEnv opens the local state directory and builds the API client.
func newEnv() (*store.Store, *api.Client, error) {
	dir := opts.DataDir
	if dir == "" {
		var err error
		dir, err = store.DefaultDir()
		if err != nil {
			return nil, nil, err
		}
	}
	st, err := store.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	return st, api.New(opts.API, st), nil
}

// wsURL derives the realtime endpoint from the REST base URL.
func wsURL(baseURL string) string {
	ws := strings.Replace(baseURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return ws + "/ws"
}
