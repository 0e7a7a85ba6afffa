// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package rooms

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for one write to the peer.
	writeWait = 10 * time.Second

	// pingPeriod is how often pings go out. Must be under the read
	// deadline the connection handler sets from pong replies.
	pingPeriod = 45 * time.Second

	// sendBufferSize is the per-client outbound queue. A client that
	// cannot drain this is considered dead and disconnected.
	sendBufferSize = 256
)

// Conn is the subset of *websocket.Conn the client needs to write.
// Narrowed to an interface so tests can capture output without a socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Client is one websocket participant.
//
// # Description
//
// All outbound traffic funnels through the buffered send channel into a
// single writer goroutine, which gives every client a FIFO view of the
// frames queued for it. Other goroutines never write to the connection
// directly.
//
// # Thread Safety
//
// Send and Close are safe for concurrent use. The reader side of the
// connection belongs to the connection handler, not this type.
type Client struct {
	// ID is the server-assigned connection id.
	ID string

	// UserID and DisplayName come from the access gate at handshake.
	UserID      string
	DisplayName string

	// Site is the CRDT site id assigned to this connection.
	Site uint32

	conn   Conn
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient builds a client and starts its writer goroutine.
func NewClient(conn Conn, userID, displayName string, site uint32, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		Site:        site,
		conn:        conn,
		logger:      logger,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send queues one frame for the client. Returns false when the client is
// gone or its queue is full; a full queue closes the client, since a
// peer that stopped draining will never catch up.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("client send queue full, disconnecting",
			"client", c.ID, "user", c.UserID)
		c.Close()
		return false
	}
}

// Close shuts the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the client has been shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// writePump drains the send queue onto the connection and keeps the peer
// alive with pings. Owns all writes to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("client write failed", "client", c.ID, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
