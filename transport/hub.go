// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

type hubConn struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
}

func (hc *hubConn) send(msg *Message) error {
	hc.writeLock.Lock()
	defer hc.writeLock.Unlock()
	_ = hc.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return hc.ws.WriteJSON(msg)
}

// Hub is the server side of the relay. Each user can have one connection at a time,
// a new connection replaces the old one.
type Hub struct {
	Log      zerolog.Logger
	Upgrader websocket.Upgrader

	lock  sync.RWMutex
	conns map[id.UserID]*hubConn
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		Log:   log,
		conns: make(map[id.UserID]*hubConn),
	}
}

// Online returns true if the user currently has a relay connection.
func (h *Hub) Online(userID id.UserID) bool {
	h.lock.RLock()
	defer h.lock.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

// ServeUser upgrades the request to a websocket and relays messages from and to the given user
// until the connection closes.
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request, userID id.UserID) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to upgrade relay connection")
		return
	}
	log := h.Log.With().Stringer("user_id", userID).Logger()
	conn := &hubConn{ws: ws}
	h.lock.Lock()
	prev := h.conns[userID]
	h.conns[userID] = conn
	h.lock.Unlock()
	if prev != nil {
		log.Debug().Msg("Replacing previous relay connection")
		_ = prev.ws.Close()
	}
	log.Debug().Msg("Relay connection opened")

	defer func() {
		h.lock.Lock()
		if h.conns[userID] == conn {
			delete(h.conns, userID)
		}
		h.lock.Unlock()
		_ = ws.Close()
		log.Debug().Msg("Relay connection closed")
	}()
	for {
		var msg Message
		if err = ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Error reading from relay connection")
			}
			return
		}
		msg.From = userID
		if msg.ID == "" {
			msg.ID = xid.New().String()
		}
		h.forward(log, &msg)
	}
}

func (h *Hub) forward(log zerolog.Logger, msg *Message) {
	h.lock.RLock()
	target, ok := h.conns[msg.To]
	h.lock.RUnlock()
	if !ok {
		log.Debug().Str("message_id", msg.ID).Stringer("to", msg.To).Msg("Dropping message to offline user")
		return
	}
	if err := target.send(msg); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Stringer("to", msg.To).Msg("Failed to forward message")
	}
}
