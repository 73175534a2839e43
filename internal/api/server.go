// Package api exposes the engine's HTTP surface: the credential endpoint,
// the candle query, the diagnostics endpoints and the websocket upgrade for
// the live price feed.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"footprint/internal/feed"
	"footprint/internal/model"
	"footprint/internal/storage"
)

// EngineControl is the slice of the engine the HTTP surface talks to.
type EngineControl interface {
	// UpdateToken installs a bearer token and restarts the connection
	// state machine.
	UpdateToken(token string) error

	// Status returns the diagnostic snapshot.
	Status() (model.Status, error)

	// Metrics returns the cumulative counters.
	Metrics() (model.Metrics, error)
}

// Server wires the HTTP routes to the engine, the persistence gateway and
// the live feed hub.
type Server struct {
	engine  EngineControl
	gateway *storage.Gateway
	hub     *feed.Hub

	upgrader websocket.Upgrader
}

// NewServer creates the HTTP surface.
func NewServer(engine EngineControl, gateway *storage.Gateway, hub *feed.Hub) *Server {
	return &Server{
		engine:  engine,
		gateway: gateway,
		hub:     hub,
		upgrader: websocket.Upgrader{
			// The feed is public read-only price data.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleRoot)
	r.GET("/token-status", s.handleTokenStatus)
	r.GET("/update-token", s.handleUpdateToken)
	r.GET("/data/:year/:month/:day/:hour", s.handleData)
	r.GET("/debug", s.handleDebug)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/stream", s.handleStream)

	return r
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK", "service": "footprint-engine"})
}

func (s *Server) handleTokenStatus(c *gin.Context) {
	status, err := s.engine.Status()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":    status.TokenValid,
		"ws_state": status.ConnState,
	})
}

func (s *Server) handleUpdateToken(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no token"})
		return
	}

	if err := s.engine.UpdateToken(token); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleData(c *gin.Context) {
	body, err := s.gateway.CandlesForHour(c.Request.Context(),
		c.Param("year"), c.Param("month"), c.Param("day"), c.Param("hour"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.String(http.StatusNotFound, "not found")
			return
		}
		log.Error().Err(err).Str("component", "api").Msg("candle query failed")
		c.String(http.StatusInternalServerError, "query failed")
		return
	}

	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, "application/x-ndjson", body)
}

func (s *Server) handleDebug(c *gin.Context) {
	status, err := s.engine.Status()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleMetrics(c *gin.Context) {
	metrics, err := s.engine.Metrics()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// handleStream upgrades the request to a websocket and hands the session to
// the feed hub, which sends the initial snapshot and all further price
// updates.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Warn().Err(err).Str("component", "api").Msg("websocket upgrade failed")
		return
	}

	s.hub.Register(conn)

	// Drain (and discard) client frames so closes are noticed promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(conn)
				return
			}
		}
	}()
}
