package lobby

import (
	"context"
	"errors"
	"net"

	"github.com/danmuck/partyctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// serveSocket accepts socket-style connections until ctx ends.
func (s *Service) serveSocket(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("lobby.socket listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn runs one socket channel with its own Lobby endpoint and returns
// when the channel closes.
func (s *Service) serveConn(ctx context.Context, conn net.Conn) {
	ch := transport.NewSocketChannel(conn, s.cfg.Transport)
	if err := ch.Export(newEndpoint(s, ch), ObjectName); err != nil {
		log.Error().Err(err).Msg("lobby.serveConn export failed")
		_ = ch.Close()
		return
	}
	ch.Start()

	remote := ch.RemoteAddr()
	active := s.connCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active", active).Msg("lobby.serveConn connected")
	defer func() {
		remaining := s.connCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("active", remaining).Msg("lobby.serveConn disconnected")
	}()

	select {
	case <-ch.Done():
	case <-ctx.Done():
		_ = ch.Close()
	}
}
