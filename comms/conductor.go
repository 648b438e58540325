package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/CodedInternet/goinserter/onboard"
	"github.com/gorilla/websocket"
)

const (
	STATE_INTERVAL = 100 * time.Millisecond
	WRITE_TIMEOUT  = 5 * time.Second
)

// Client is one connected websocket consumer.
type Client struct {
	conn *websocket.Conn
	tx   chan []byte
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.tx)
		c.conn.Close()
	})
}

// Send queues a payload, dropping it if the client is backed up.
func (c *Client) Send(msg []byte) {
	defer func() { recover() }() // tx may close under us; dropping is fine
	select {
	case c.tx <- msg:
	default:
	}
}

// Conductor fans device state out to websocket clients and routes their
// commands into the device.
type Conductor struct {
	Device onboard.Device

	lock    sync.Mutex
	clients map[*Client]struct{}
}

// AddClient adopts an upgraded websocket connection, spawning its reader
// and writer pumps.
func (c *Conductor) AddClient(conn *websocket.Conn) *Client {
	client := &Client{
		conn: conn,
		tx:   make(chan []byte, 16),
	}

	c.lock.Lock()
	if c.clients == nil {
		c.clients = make(map[*Client]struct{})
	}
	c.clients[client] = struct{}{}
	c.lock.Unlock()

	go c.writer(client)
	go c.reader(client)

	return client
}

func (c *Conductor) removeClient(client *Client) {
	c.lock.Lock()
	delete(c.clients, client)
	c.lock.Unlock()
	client.close()
}

func (c *Conductor) writer(client *Client) {
	for msg := range client.tx {
		client.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.removeClient(client)
			return
		}
	}
}

func (c *Conductor) reader(client *Client) {
	defer c.removeClient(client)

	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Cmd
		if err := json.Unmarshal(msg, &cmd); err != nil {
			client.Send(mustMarshal(OutcomePayload{Type: "outcome", Cmd: "?", Outcome: "invalid json"}))
			continue
		}

		c.ProcessCommand(cmd)
	}
}

// ProcessCommand dispatches a client command. Lifecycle operations block
// until their terminal outcome, so each runs on its own goroutine and the
// outcome is broadcast when it lands.
func (c *Conductor) ProcessCommand(cmd Cmd) {
	switch cmd.Cmd {
	case "calibrate":
		go func() {
			c.Broadcast(mustMarshal(outcomePayload("calibrate", c.Device.Calibrate(context.Background()))))
		}()

	case "insert":
		go func() {
			c.Broadcast(mustMarshal(outcomePayload("insert", c.Device.Insert(context.Background(), cmd.Value))))
		}()

	case "retract":
		go func() {
			c.Broadcast(mustMarshal(outcomePayload("retract", c.Device.Retract(context.Background()))))
		}()

	case "panic":
		c.Device.PanicNow("client requested panic")

	default:
		fmt.Printf("Unable to process command %v\n", cmd)
	}
}

// Broadcast sends a payload to every connected client.
func (c *Conductor) Broadcast(msg []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for client := range c.clients {
		client.Send(msg)
	}
}

// UpdateClients streams device state to all clients until the device
// stops: a snapshot every STATE_INTERVAL plus one per state transition.
func (c *Conductor) UpdateClients() {
	changes := c.Device.Subscribe(32)
	ticker := time.NewTicker(STATE_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-ticker.C:
		}

		c.Broadcast(mustMarshal(statePayload(c.Device.Snapshot())))
	}
}

func mustMarshal(v interface{}) []byte {
	msg, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return msg
}
