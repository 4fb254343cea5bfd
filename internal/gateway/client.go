package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"feedsync/internal/marketdata/hub"
	"feedsync/internal/model"
)

// Client represents a single WebSocket peer.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	ticks    chan model.Tick
	done     chan struct{}
	consumer *hub.Consumer

	// owned by readPump
	subs map[model.Key]hub.SubscriptionID

	drops atomic.Uint64
}

// ID returns the connection id handed to the view in WELCOME.
func (c *Client) ID() string { return c.id }

// onTick runs on a feed goroutine. It never blocks.
func (c *Client) onTick(t model.Tick) {
	select {
	case c.ticks <- t:
	default:
		c.drops.Add(1)
		c.server.drops.Add(1)
		if c.server.OnDrop != nil {
			c.server.OnDrop()
		}
	}
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.server.logger.Error("ws marshal failed", zap.Error(err))
		return
	}
	select {
	case c.send <- b:
	default:
		c.server.logger.Warn("ws send queue full, message dropped", zap.String("client", c.id))
	}
}

func (c *Client) sendError(reqID, msg string) {
	c.sendJSON(ErrorMsg{Type: msgError, ReqID: reqID, Error: msg})
}

func (c *Client) encodeTick(t *model.Tick) []byte {
	if t.ArrivalTS > 0 {
		c.server.Latency.Record(time.Duration(time.Now().UnixNano() - t.ArrivalTS))
	}
	b, err := json.Marshal(TickMsg{Type: msgTick, Data: NewTickOut(t, c.server.symbol(t.Key()))})
	if err != nil {
		c.server.logger.Error("ws marshal failed", zap.Error(err))
		return nil
	}
	return b
}

func (c *Client) writePump() {
	cfg := &c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case t := <-c.ticks:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))

			// Write coalescing: queued updates share one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(c.encodeTick(&t))
			n := len(c.ticks)
			for i := 0; i < n; i++ {
				t = <-c.ticks
				w.Write([]byte{'\n'})
				w.Write(c.encodeTick(&t))
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) readPump() {
	cfg := &c.server.cfg
	defer func() {
		c.server.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("ws read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		var msg RequestMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", "invalid message: "+err.Error())
			continue
		}

		switch msg.Type {
		case msgSubscribe:
			c.handleSubscribe(msg)
		case msgUnsubscribe:
			c.handleUnsubscribe(msg)
		case msgPing:
			c.sendJSON(PongMsg{Type: msgPong, Ping: msg.Ping, ServerTS: time.Now().UnixMilli()})
		default:
			c.sendError(msg.ReqID, "unknown message type "+msg.Type)
		}
	}
}

func (c *Client) parseKeys(msg RequestMsg) ([]model.Key, bool) {
	if len(msg.Instruments) == 0 {
		c.sendError(msg.ReqID, "instruments are required")
		return nil, false
	}
	if len(msg.Instruments) > maxPerRequest {
		c.sendError(msg.ReqID, errTooMany.Error())
		return nil, false
	}
	keys := make([]model.Key, 0, len(msg.Instruments))
	for _, v := range msg.Instruments {
		k, err := ParseInstrument(v)
		if err != nil {
			c.sendError(msg.ReqID, err.Error())
			return nil, false
		}
		keys = append(keys, k)
	}
	return keys, true
}

// handleSubscribe subscribes before reading the snapshot, so an update that
// races the snapshot is delivered rather than lost. Views order the two by
// arrival_ts.
func (c *Client) handleSubscribe(msg RequestMsg) {
	keys, ok := c.parseKeys(msg)
	if !ok {
		return
	}
	src := c.server.src
	snap := SnapshotMsg{Type: msgSnapshot, ReqID: msg.ReqID, Data: make([]TickOut, 0, len(keys))}

	for _, k := range keys {
		seg, tok := k.Segment(), k.Token()
		ins, known := src.Lookup(seg, tok)
		if !known {
			snap.Unknown = append(snap.Unknown, k.String())
			continue
		}
		if _, dup := c.subs[k]; !dup {
			if len(c.subs) >= c.server.cfg.MaxSubs {
				c.sendError(msg.ReqID, "subscription limit reached")
				break
			}
			id, err := c.consumer.SubscribeInstrument(seg, tok, c.onTick)
			if err != nil {
				c.sendError(msg.ReqID, err.Error())
				return
			}
			c.subs[k] = id
		}
		if st, ok := src.QueryLatest(seg, tok); ok {
			snap.Data = append(snap.Data, NewStateOut(&st, ins.Symbol))
		}
	}

	c.sendJSON(snap)
	c.server.logger.Debug("ws subscribe",
		zap.String("client", c.id),
		zap.Int("instruments", len(snap.Data)),
		zap.Int("unknown", len(snap.Unknown)),
		zap.Int("total", len(c.subs)))
}

func (c *Client) handleUnsubscribe(msg RequestMsg) {
	keys, ok := c.parseKeys(msg)
	if !ok {
		return
	}
	removed := 0
	for _, k := range keys {
		id, ok := c.subs[k]
		if !ok {
			continue
		}
		delete(c.subs, k)
		if c.consumer.Unsubscribe(id) {
			removed++
		}
	}
	c.sendJSON(AckMsg{Type: msgAck, ReqID: msg.ReqID, Removed: removed})
}
