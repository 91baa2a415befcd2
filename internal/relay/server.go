package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/1ureka/roomcall/internal/config"
	"github.com/1ureka/roomcall/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP front of the relay: the per-room socket endpoint, the
// recording upload endpoint and a couple of read-only introspection routes.
type Server struct {
	cfg    config.ServerConfig
	hub    *Hub
	engine *gin.Engine
}

// NewServer builds the router for the given configuration.
func NewServer(cfg config.ServerConfig) *Server {
	s := &Server{cfg: cfg, hub: NewHub()}
	s.engine = s.setupRouter()
	return s
}

// Hub returns the room hub backing the server.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// The original relay allowed every origin; browsers are served from anywhere.
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/rooms", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"rooms": s.hub.Rooms()})
	})
	router.GET("/ws/:room", s.handleWS)
	router.POST("/upload/:room", s.handleUpload)

	return router
}

func (s *Server) handleWS(ctx *gin.Context) {
	room := strings.TrimSpace(ctx.Param("room"))
	if room == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}

	ws, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		util.LogWarning("websocket upgrade failed for room %s: %v", room, err)
		return
	}

	c := newConn(s.hub, room, ws)
	if !s.hub.join(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseServiceRestart, "shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	util.LogInfo("[%s] connected to room %s from %s", c.id, room, ctx.Request.RemoteAddr)

	go c.writePump()
	go c.readPump(s.cfg.MaxFrameSize)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled, then closes every room and
// shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	util.LogSuccess("relay listening on %s", listener.Addr())

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay stopped: %w", err)

	case <-ctx.Done():
	}

	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return nil
}

// requestLogger logs every request at debug level through the shared logger.
func requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		util.LogDebug("%s %s -> %d (%s)",
			ctx.Request.Method, ctx.Request.URL.Path, ctx.Writer.Status(), time.Since(start))
	}
}
