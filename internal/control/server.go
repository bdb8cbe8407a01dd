// Package control accepts websocket control connections, authenticates
// them, and translates command messages into supervisor calls. State
// and backup-list changes arrive over the event bus and are fanned out
// to every registered connection.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wardenmc/warden/internal/auth"
	"github.com/wardenmc/warden/internal/bus"
	"github.com/wardenmc/warden/internal/protocol"
	"github.com/wardenmc/warden/internal/snapshot"
	"github.com/wardenmc/warden/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the protocol has its own auth gate
	},
}

// Server is the control protocol endpoint
type Server struct {
	sup   *supervisor.Supervisor
	snaps *snapshot.Store
	authn *auth.Authenticator
	hub   *Hub
}

// NewServer creates a control server
func NewServer(sup *supervisor.Supervisor, snaps *snapshot.Store, authn *auth.Authenticator) *Server {
	return &Server{
		sup:   sup,
		snaps: snaps,
		authn: authn,
		hub:   NewHub(),
	}
}

// Start runs the registry loop and wires bus subjects to the broadcast
func (s *Server) Start(b *bus.Bus) error {
	go s.hub.Run()

	for _, subject := range []string{bus.SubjectState, bus.SubjectBackups} {
		if _, err := b.Subscribe(subject, s.hub.Broadcast); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the websocket endpoint handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

// Client is one control-protocol session. username stays empty until an
// auth message succeeds; it is only touched from the session's readPump.
type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	username   string
	srv        *Server
}

// handleWebSocket upgrades HTTP to websocket and manages the connection
func (s *Server) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		remoteAddr: clientIP(req),
		srv:        s,
	}

	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// logf tags a session log line with the remote address and username
func (c *Client) logf(format string, args ...interface{}) {
	who := c.remoteAddr
	if c.username != "" {
		who += " (" + c.username + ")"
	}
	log.Printf("[%s] %s", who, fmt.Sprintf(format, args...))
}

// readPump reads and dispatches inbound messages until the connection
// drops or a protocol violation closes it
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.logf("WebSocket error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logf("Binary message")
			return
		}
		if !c.handleMessage(data) {
			return
		}
	}
}

// handleMessage dispatches one inbound message; it returns false when
// the connection must be closed
func (c *Client) handleMessage(data []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.logf("Malformed message")
		return false
	}

	// auth is the only message accepted before authentication
	if env.Type == protocol.TypeAuth {
		c.handleAuth(data)
		return true
	}
	if c.username == "" {
		c.logf("Unauthorized access")
		return false
	}

	switch env.Type {
	case protocol.TypeUpdate:
		c.dispatch("update", func() error { return c.srv.sup.Restart(true) })
	case protocol.TypeRestart:
		c.dispatch("restart", func() error { return c.srv.sup.Restart(false) })
	case protocol.TypeStop:
		c.dispatch("stop", c.srv.sup.Stop)
	case protocol.TypeSave:
		var req protocol.SaveRequest
		if err := json.Unmarshal(data, &req); err != nil || !snapshot.ValidName(req.Name) {
			c.logf("Invalid backup name")
			return true
		}
		c.dispatch("save", func() error { return c.srv.sup.Save(req.Name) })
	case protocol.TypeRestore:
		var req protocol.RestoreRequest
		if err := json.Unmarshal(data, &req); err != nil || !snapshot.ValidName(req.Name) {
			c.logf("Invalid restore request")
			return true
		}
		for _, region := range req.Regions {
			if !region.Valid() {
				c.logf("Invalid restore region")
				return true
			}
		}
		c.dispatch("restore", func() error { return c.srv.sup.Restore(req.Name, req.Regions) })
	default:
		// Unknown message types are ignored
	}
	return true
}

// dispatch runs a supervisor operation without waiting for completion;
// the caller observes the outcome through the broadcast stream
func (c *Client) dispatch(name string, op func() error) {
	go func() {
		if err := op(); err != nil {
			c.logf("Command %s rejected: %v", name, err)
		}
	}()
}

// handleAuth processes an auth message with either login/password or a
// session token
func (c *Client) handleAuth(data []byte) {
	var req protocol.AuthRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.logf("Malformed auth message")
		return
	}

	var username string
	switch {
	case req.Token != "":
		name, err := c.srv.authn.CheckToken(req.Token)
		if err == nil {
			username = name
		}
	case req.Login != "" && req.Password != "":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		name, err := c.srv.authn.CheckCredentials(ctx, req.Login, req.Password)
		cancel()
		if err == nil {
			username = name
		}
	default:
		c.logf("Auth message missing credentials")
		return
	}

	if username == "" {
		c.logf("Auth rejected")
		c.enqueue(protocol.AuthResponse{Type: protocol.TypeAuth, Success: false})
		return
	}

	c.username = username
	c.logf("Authorized")

	token, err := c.srv.authn.IssueToken(username)
	if err != nil {
		c.logf("Error issuing session token: %v", err)
	}
	c.enqueue(protocol.AuthResponse{Type: protocol.TypeAuth, Success: username, Token: token})

	// Bring the fresh session up to date before any broadcast arrives.
	c.enqueue(protocol.NewStateMessage(string(c.srv.sup.State())))
	names, err := c.srv.snaps.Names()
	if err != nil {
		c.logf("Error listing backups: %v", err)
		return
	}
	c.enqueue(protocol.NewBackupsMessage(names))
}

// enqueue marshals a message onto the session's send queue
func (c *Client) enqueue(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logf("Error marshaling reply: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logf("Send queue full, dropping reply")
	}
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// writePump sends queued messages and keepalive pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientIP extracts the real client IP, checking proxy headers first
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
