// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowkit/flowkit/internal/storage"
)

const (
	wsWriteWait      = 10 * time.Second
	wsHandshakeWait  = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1 << 16
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: wsHandshakeWait,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// clientFrame is an inbound client->server message (spec.md §6).
type clientFrame struct {
	Type     string `json:"type"`
	FlowName string `json:"flowName"`
	RunID    string `json:"runId"`
}

// serverFrame is an outbound server->client message.
type serverFrame struct {
	Type     string                  `json:"type"`
	FlowName string                  `json:"flowName,omitempty"`
	RunID    string                  `json:"runId,omitempty"`
	Events   []*storage.EventRecord  `json:"events,omitempty"`
	Event    *storage.EventRecord    `json:"event,omitempty"`
	Stats    any                     `json:"stats,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// client is one live WebSocket connection. Writes are serialized through
// send since gorilla/websocket forbids concurrent writers on a single
// connection.
type client struct {
	conn *websocket.Conn
	send chan serverFrame

	mu       sync.Mutex
	runSubs  map[string]storage.Subscription
	statsSub storage.Subscription
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:    conn,
		send:    make(chan serverFrame, 64),
		runSubs: make(map[string]storage.Subscription),
	}
}

func (c *client) enqueue(f serverFrame) {
	select {
	case c.send <- f:
	default:
		// slow consumer: drop rather than block the publisher goroutine.
	}
}

func (c *client) closeSubs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for runID, sub := range c.runSubs {
		sub.Unsubscribe()
		delete(c.runSubs, runID)
	}
	if c.statsSub != nil {
		c.statsSub.Unsubscribe()
		c.statsSub = nil
	}
}

// handleWebSocket upgrades the request and runs the client's protocol
// loop (spec.md §6): subscribe/unsubscribe to a run's events, subscribe
// to aggregate flow stats, and ping/pong keepalive.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("ws upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	defer func() {
		g.hub.dropClient(c)
		c.closeSubs()
		close(c.send)
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writerDone := make(chan struct{})
	go g.wsWriteLoop(c, writerDone)

	c.enqueue(serverFrame{Type: "connected"})

	g.wsReadLoop(r, c)
	<-writerDone
}

func (g *Gateway) wsWriteLoop(c *client, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) wsReadLoop(r *http.Request, c *client) {
	ctx := r.Context()
	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "subscribe":
			g.wsSubscribeRun(ctx, c, frame.FlowName, frame.RunID)
		case "unsubscribe":
			g.wsUnsubscribeRun(c, frame.RunID)
		case "subscribe.stats":
			g.wsSubscribeStats(ctx, c)
		case "unsubscribe.stats":
			g.wsUnsubscribeStats(c)
		case "ping":
			c.enqueue(serverFrame{Type: "pong"})
		default:
			c.enqueue(serverFrame{Type: "error", Error: "unknown frame type: " + frame.Type})
		}
	}
}

// wsSubscribeRun replays a run's event history then streams further
// events as they publish on the run's TopicBus topic (spec.md §6).
func (g *Gateway) wsSubscribeRun(ctx context.Context, c *client, flowName, runID string) {
	if runID == "" {
		c.enqueue(serverFrame{Type: "error", Error: "subscribe requires runId"})
		return
	}

	c.mu.Lock()
	if _, already := c.runSubs[runID]; already {
		c.mu.Unlock()
		c.enqueue(serverFrame{Type: "subscribed", FlowName: flowName, RunID: runID})
		return
	}
	c.mu.Unlock()

	history, err := g.engine.RunHistory(ctx, runID)
	if err != nil {
		c.enqueue(serverFrame{Type: "error", Error: "failed to load run history"})
		return
	}

	topic := g.cfg.Names.FlowEventsTopic(runID)
	busSub, err := g.bus.Subscribe(topic, func(event any) {
		rec, ok := event.(*storage.EventRecord)
		if !ok {
			return
		}
		c.enqueue(serverFrame{Type: "event", FlowName: flowName, RunID: runID, Event: rec})
	})
	if err != nil {
		c.enqueue(serverFrame{Type: "error", Error: "failed to subscribe"})
		return
	}

	hubSub := g.hub.subscribeRun(runID, c)

	c.mu.Lock()
	c.runSubs[runID] = unsubFunc(func() {
		busSub.Unsubscribe()
		hubSub.Unsubscribe()
	})
	c.mu.Unlock()

	c.enqueue(serverFrame{Type: "subscribed", FlowName: flowName, RunID: runID})
	c.enqueue(serverFrame{Type: "history", FlowName: flowName, RunID: runID, Events: history})
}

func (g *Gateway) wsUnsubscribeRun(c *client, runID string) {
	c.mu.Lock()
	sub, ok := c.runSubs[runID]
	if ok {
		delete(c.runSubs, runID)
	}
	c.mu.Unlock()
	if !ok {
		c.enqueue(serverFrame{Type: "error", Error: "not subscribed to runId " + runID})
		return
	}
	sub.Unsubscribe()
	c.enqueue(serverFrame{Type: "unsubscribed", RunID: runID})
}

// wsSubscribeStats replays the current aggregate stats for every
// registered flow, then streams updates published on the flow-stats
// topic on every terminal run event (spec.md §6, §9).
func (g *Gateway) wsSubscribeStats(ctx context.Context, c *client) {
	c.mu.Lock()
	if c.statsSub != nil {
		c.mu.Unlock()
		c.enqueue(serverFrame{Type: "stats.subscribed"})
		return
	}
	c.mu.Unlock()

	initial, err := g.engine.ListFlowStats(ctx)
	if err != nil {
		c.enqueue(serverFrame{Type: "error", Error: "failed to load flow stats"})
		return
	}

	topic := g.cfg.Names.FlowStatsTopic()
	busSub, err := g.bus.Subscribe(topic, func(event any) {
		rec, ok := event.(*storage.EventRecord)
		if !ok {
			return
		}
		stats, err := g.engine.GetFlowStats(context.Background(), rec.FlowName)
		if err != nil {
			return
		}
		c.enqueue(serverFrame{Type: "flow.stats.update", FlowName: rec.FlowName, Stats: stats})
	})
	if err != nil {
		c.enqueue(serverFrame{Type: "error", Error: "failed to subscribe"})
		return
	}

	hubSub := g.hub.subscribeStats(c)

	c.mu.Lock()
	c.statsSub = unsubFunc(func() {
		busSub.Unsubscribe()
		hubSub.Unsubscribe()
	})
	c.mu.Unlock()

	c.enqueue(serverFrame{Type: "stats.subscribed"})
	c.enqueue(serverFrame{Type: "flow.stats.initial", Stats: initial})
}

func (g *Gateway) wsUnsubscribeStats(c *client) {
	c.mu.Lock()
	sub := c.statsSub
	c.statsSub = nil
	c.mu.Unlock()
	if sub == nil {
		c.enqueue(serverFrame{Type: "error", Error: "not subscribed to stats"})
		return
	}
	sub.Unsubscribe()
	c.enqueue(serverFrame{Type: "stats.unsubscribed"})
}
