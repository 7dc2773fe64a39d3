package lobby

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/partyctl/internal/observability"
	"github.com/danmuck/partyctl/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

func (s *Service) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.uptime().String(),
			"node":    s.cfg.NodeID,
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		status := http.StatusOK
		if !running {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":       running,
			"busy":        s.busy(),
			"players":     s.reg.Len(),
			"max_players": s.reg.Cap(),
			"in_flight":   s.InFlight(),
			"node":        s.cfg.NodeID,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/queues", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"queues": s.mm.Snapshot()})
	})

	r.GET("/matches", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"active": s.ActiveMatches(),
			"recent": s.RecentResults(),
		})
	})

	r.GET("/matches/:id", func(c *gin.Context) {
		snap, res, ok := s.LookupMatch(c.Param("id"))
		switch {
		case !ok:
			c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		case snap != nil:
			c.JSON(http.StatusOK, gin.H{"match": snap})
		default:
			c.JSON(http.StatusOK, gin.H{"result": res})
		}
	})

	// The socket transport over a WebSocket. The handler holds the request
	// until the channel closes.
	r.GET("/ws", func(c *gin.Context) {
		conn, err := transport.AcceptWebSocket(c.Writer, c.Request, s.cfg.Transport, wsOriginPatterns(s.cfg.CORSOrigins))
		if err != nil {
			log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("lobby.ws accept failed")
			return
		}
		s.serveConn(s.runContext(), conn)
	})
	return r
}

func (s *Service) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

// wsOriginPatterns strips schemes from CORS origins; coder/websocket matches
// patterns against the Origin host.
func wsOriginPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		out = append(out, o)
	}
	return out
}
