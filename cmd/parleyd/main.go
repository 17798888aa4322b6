package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/parley-im/parley/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	apiFlag := flag.String("api-url", "", "history API base URL (overrides config)")
	realtimeFlag := flag.String("realtime-url", "", "realtime websocket URL (overrides config)")
	flag.Parse()

	p, err := daemon.ResolveParams(*sessionFlag, *apiFlag, *realtimeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(p),
	)

	app.Run()
}
