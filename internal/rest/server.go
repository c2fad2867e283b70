// Package rest serves the swap handlers over HTTP with gin and streams swap
// events over a websocket.
package rest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// RequestIDHeader carries the id assigned to every request.
const RequestIDHeader = "X-Request-Id"

// Routes is implemented by every swap handler.
type Routes interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// InfoFunc renders the node description served at GET /info.
type InfoFunc func(ctx context.Context) (interface{}, error)

// Server is the HTTP surface of the node.
type Server struct {
	engine *gin.Engine
	hub    *Hub
	info   InfoFunc
	log    *logging.Logger

	server   *http.Server
	listener net.Listener
}

// NewServer builds the router. The hub must be running for /ws clients to
// attach.
func NewServer(hub *Hub, info InfoFunc, routes ...Routes) *Server {
	s := &Server{
		hub:  hub,
		info: info,
		log:  logging.GetDefault().Component("rest"),
	}

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(requestID(), s.accessLog(), gin.Recovery(), cors())

	e.GET("/info", s.handleInfo)
	e.GET("/ws", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })
	for _, r := range routes {
		r.RegisterRoutes(e.Group(""))
	}
	s.engine = e
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("REST server error", "error", err)
		}
	}()

	s.log.Info("REST server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleInfo(c *gin.Context) {
	info, err := s.info(c.Request.Context())
	if err != nil {
		swap.WriteError(c, s.log, err)
		return
	}
	swap.WriteOK(c, info)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		)
	}
}

// cors allows browser wallets on any origin.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
