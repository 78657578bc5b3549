package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedQueueLen   = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// feedMessage is one JSON frame of the live feed.
type feedMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// feedClient is one live view. Frames are queued on send and written by
// writePump, so a slow client never holds up the feed.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// queue hands frame to the writer. It reports false if the client is gone or
// its queue is full.
func (c *feedClient) queue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *feedClient) writePump(f *liveFeed) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		f.drop(c)
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(f.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("Live feed write to %s failed: %v", c.conn.RemoteAddr(), err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(f.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards client frames and returns once the connection fails or
// stops answering pings.
func (c *feedClient) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// liveFeed fans readings out to every connected live view.
type liveFeed struct {
	writeWait time.Duration

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

func newLiveFeed() *liveFeed {
	return &liveFeed{
		writeWait: feedWriteWait,
		clients:   make(map[*feedClient]struct{}),
	}
}

// join registers conn with first as its opening frame and starts its writer.
func (f *liveFeed) join(conn *websocket.Conn, first []byte) *feedClient {
	c := &feedClient{
		conn: conn,
		send: make(chan []byte, feedQueueLen),
		done: make(chan struct{}),
	}
	if first != nil {
		c.send <- first
	}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	go c.writePump(f)
	return c
}

func (f *liveFeed) drop(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
}

func (f *liveFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// publish queues msg for every client without waiting on any of them.
// Clients that cannot take the frame are disconnected.
func (f *liveFeed) publish(msg feedMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Couldn't encode %s message: %v", msg.Type, err)
		return
	}

	var stalled []*feedClient
	f.mu.Lock()
	for c := range f.clients {
		if !c.queue(frame) {
			stalled = append(stalled, c)
		}
	}
	f.mu.Unlock()

	for _, c := range stalled {
		log.Printf("Dropping live feed client %s", c.conn.RemoteAddr())
		f.drop(c)
	}
}

// handleWS joins the connection to the live feed, starting with the latest
// reading, and holds it until the client disconnects.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	first, err := json.Marshal(feedMessage{Type: "reading", Data: s.reading()})
	if err != nil {
		log.Printf("Couldn't encode reading: %v", err)
		_ = conn.Close()
		return
	}
	c := s.feed.join(conn, first)
	c.readPump()
	s.feed.drop(c)
}
