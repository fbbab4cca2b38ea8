// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transport delivers opaque encrypted envelopes between online users over a websocket relay.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
)

var ErrClosed = errors.New("transport connection closed")

// Message is a single relayed message. The relay never looks inside Payload.
type Message struct {
	ID      string          `json:"id"`
	From    id.UserID       `json:"from"`
	To      id.UserID       `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// Conn is a client connection to the relay.
type Conn struct {
	UserID id.UserID
	Log    zerolog.Logger

	ws        *websocket.Conn
	writeLock sync.Mutex
	messages  chan *Message
	closeOnce sync.Once
	done      chan struct{}
}

// RelayURL converts a key server base URL into the websocket relay URL for the given user.
func RelayURL(baseURL string, userID id.UserID) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	basePath := strings.TrimSuffix(parsed.Path, "/")
	parsed.Path = basePath + "/relay/" + userID.String()
	parsed.RawPath = basePath + "/relay/" + url.PathEscape(userID.String())
	return parsed.String(), nil
}

// Dial connects to the relay of the key server at baseURL as the given user.
func Dial(ctx context.Context, baseURL string, userID id.UserID, log zerolog.Logger) (*Conn, error) {
	relayURL, err := RelayURL(baseURL, userID)
	if err != nil {
		return nil, err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if resp != nil && resp.StatusCode >= 400 {
		var errResp keyserver.RespError
		if jsonErr := json.NewDecoder(resp.Body).Decode(&errResp); jsonErr != nil || errResp.ErrCode == "" {
			return nil, fmt.Errorf("relay request returned HTTP %d with non-JSON body", resp.StatusCode)
		}
		return nil, fmt.Errorf("relay request returned %s (HTTP %d): %s", errResp.ErrCode, resp.StatusCode, errResp.Err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}
	conn := &Conn{
		UserID:   userID,
		Log:      log,
		ws:       ws,
		messages: make(chan *Message, 32),
		done:     make(chan struct{}),
	}
	go conn.readLoop()
	log.Debug().Stringer("user_id", userID).Msg("Relay websocket connected")
	return conn, nil
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	defer c.closeOnce.Do(func() { close(c.done) })
	for {
		var msg Message
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.Log.Warn().Err(err).Msg("Error reading from relay websocket")
				}
			}
			return
		}
		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

// Messages returns the channel of inbound messages. It's closed when the connection closes.
func (c *Conn) Messages() <-chan *Message {
	return c.messages
}

// Send sends a payload to the given user. The payload is marshaled to JSON unless it's already
// a json.RawMessage. Messages to users who aren't connected are dropped by the relay.
func (c *Conn) Send(ctx context.Context, to id.UserID, payload any) (*Message, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}
	msg := &Message{
		ID:      xid.New().String(),
		From:    c.UserID,
		To:      to,
		Payload: raw,
	}
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	return msg, nil
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.writeLock.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(5*time.Second))
	c.writeLock.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.Log.Warn().Err(err).Msg("Error writing close message to relay websocket")
	}
	return c.ws.Close()
}
