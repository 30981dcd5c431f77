package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wortley/dechecs/internal/bus"
)

// transport is one client's duplex connection as seen by the controllers.
type transport interface {
	ID() string
	Send(ev bus.Event) error
}

type client struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{id: id, conn: conn}
}

func (c *client) ID() string {
	return c.id
}

func (c *client) Send(ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}
