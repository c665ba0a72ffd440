package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"StrikerBot/logger"
	"StrikerBot/pilot"
)

// apiServer is the operator surface: run control plus a live telemetry
// feed for the sideline laptop.
type apiServer struct {
	p        *pilot.Pilot
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newAPIServer(p *pilot.Pilot) *apiServer {
	return &apiServer{
		p: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: map[*websocket.Conn]bool{},
	}
}

// Start serves the control API in the background.
func (s *apiServer) Start(port int) {
	r := s.routes()
	go func() {
		if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
			logger.Log().Error("API server exited", zap.Error(err))
		}
	}()
}

func (s *apiServer) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.p.Status()})
	})
	r.POST("/api/pilot/pause", func(c *gin.Context) {
		s.p.Pause()
		c.JSON(http.StatusOK, gin.H{"data": s.p.Status()})
	})
	r.POST("/api/pilot/resume", func(c *gin.Context) {
		s.p.Resume()
		c.JSON(http.StatusOK, gin.H{"data": s.p.Status()})
	})
	r.GET("/ws/telemetry", func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.clients[conn] = true
		s.mu.Unlock()
		// Reads are only consumed to notice the peer going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					s.drop(conn)
					return
				}
			}
		}()
	})
	return r
}

// Publish fans one telemetry record out to every connected websocket.
// Used as the pilot's telemetry sink, so it must not block the frame loop:
// a client that cannot keep up is dropped.
func (s *apiServer) Publish(t pilot.Telemetry) {
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.drop(conn)
		}
	}
}

func (s *apiServer) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}
