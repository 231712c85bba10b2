// magichat-stub serves the in-memory backend double for local development:
// the REST API plus the realtime websocket channel on one port.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/op/go-logging"

	"github.com/magic2k/magichat/internal/stub"
)

var log = logging.MustGetLogger("main")

var stdoutLogFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:15:04:05.000} [%{level}] [%{module}] %{message}`,
)

type options struct {
	Addr string `short:"a" long:"addr" description:"Address to listen on" default:"127.0.0.1:3000"`
	Seed bool   `long:"seed" description:"Seed two demo accounts (alice@example.com / bob@example.com, password 'secret')"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	backend := logging.NewLogBackend(os.Stdout, "", 0)
	logging.SetBackend(logging.NewBackendFormatter(backend, stdoutLogFormat))

	srv := stub.New()
	if opts.Seed {
		alice := srv.AddUser("Alice", "Mora", "alice@example.com", "secret")
		bob := srv.AddUser("Bob", "Lane", "bob@example.com", "secret")
		log.Infof("seeded users %s and %s", alice.Email, bob.Email)
	}

	log.Infof("stub backend listening on %s", opts.Addr)
	if err := srv.Listen(opts.Addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
