package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/partyctl/internal/client"
	"github.com/danmuck/partyctl/internal/config"
	"github.com/danmuck/partyctl/internal/lobby"
	"github.com/danmuck/partyctl/internal/observability"
	"github.com/danmuck/partyctl/internal/transport"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "partybot TOML config (flags are ignored when set)")
	addr := flag.String("addr", "127.0.0.1:7101", "lobby address; ws://host/ws for the socket transport over WebSocket")
	kind := flag.String("transport", "socket", "transport: socket|stub")
	size := flag.Int("size", 3, "party size: 2|3|4")
	handle := flag.String("handle", "bot", "display handle")
	strategy := flag.String("strategy", "score", "strategy: score|pass|idle|concede")
	points := flag.Int("points", 1, "points claimed per scoring turn")
	concedeAt := flag.Int("concede-at", 0, "turn to concede on with -strategy concede")
	games := flag.Int("games", 1, "matches to play before leaving")
	listen := flag.String("callback-listen", "127.0.0.1:0", "stub callback listener address")
	advertise := flag.String("callback-advertise", "", "stub callback address sent to the lobby")
	wait := flag.Duration("match-timeout", 10*time.Minute, "give up on a match after this long")
	flag.Parse()

	observability.InitLogger("partybot")

	cfg := config.BotFile{
		Addr:           *addr,
		Transport:      *kind,
		PartySize:      *size,
		Handle:         *handle,
		Strategy:       *strategy,
		Points:         *points,
		ConcedeAt:      *concedeAt,
		Games:          *games,
		CallbackListen: *listen,
		CallbackAddr:   *advertise,
	}
	if *path != "" {
		loaded, err := config.LoadBotConfig(*path)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	} else if err := config.ValidateBotConfig(cfg); err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *wait); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, cfg config.BotFile, matchTimeout time.Duration) error {
	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		return err
	}
	strategy, err := client.NewStrategy(cfg.Strategy, cfg.Points, cfg.ConcedeAt)
	if err != nil {
		return err
	}
	if cfg.PartySize == 0 {
		cfg.PartySize = 2
	}
	if cfg.Games <= 0 {
		cfg.Games = 1
	}

	session, err := client.Dial(ctx, client.Options{
		Kind:              kind,
		Addr:              cfg.Addr,
		Config:            transport.DefaultConfig(),
		CallbackListen:    cfg.CallbackListen,
		CallbackAdvertise: cfg.CallbackAddr,
		Strategy:          strategy,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	for game := 1; game <= cfg.Games; game++ {
		session.Player().Reset()
		reply, err := session.Start(ctx, cfg.PartySize, cfg.Handle)
		if err != nil {
			return err
		}
		if reply.Status == lobby.StatusServerBusy {
			return fmt.Errorf("lobby busy, try again later")
		}
		log.Info().
			Int("game", game).
			Str("token", string(reply.Token)).
			Int("party_size", cfg.PartySize).
			Msg("partybot queued")

		select {
		case <-session.Player().Finished():
			log.Info().Int("game", game).Str("summary", session.Player().Summary()).Msg("partybot match over")
		case <-session.Done():
			return fmt.Errorf("lobby connection closed")
		case <-time.After(matchTimeout):
			return fmt.Errorf("match %d did not finish within %s", game, matchTimeout)
		case <-ctx.Done():
			return leave(session)
		}
	}
	return leave(session)
}

func leave(session *client.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := session.Leave(ctx); err != nil {
		return err
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "partybot: %v\n", err)
	os.Exit(1)
}
