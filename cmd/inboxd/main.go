package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/inboxsync/internal/daemon"
	"github.com/matheus3301/inboxsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.inboxsync/config.toml)")
	envFlag := flag.String("env", "", "env file (default ~/.inboxsync/.env)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := session.ValidateSocket(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			ConfigPath:  *configFlag,
			EnvPath:     *envFlag,
		}),
	)

	app.Run()
}
