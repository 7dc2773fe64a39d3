package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/partyctl/internal/lobby"
	"github.com/danmuck/partyctl/internal/observability"
	"github.com/danmuck/partyctl/internal/rules"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "path to a partyd TOML config (defaults apply when empty)")
	flag.Parse()

	observability.InitLogger("partyd")

	cfg := defaultServiceConfig()
	if *path != "" {
		loaded, err := loadServiceConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "partyd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc, err := lobby.NewService(cfg.Lobby, rules.Tally{MaxPointsPerAction: cfg.MaxPointsPerAction})
	if err != nil {
		fmt.Fprintf(os.Stderr, "partyd: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("config", *path).Msg("partyd starting")
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "partyd: %v\n", err)
		os.Exit(1)
	}
}
