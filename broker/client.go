package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
)

// Client is a minimal subscriber for one audit topic, used by operator
// tooling (e.g. `saoectl audit tail --live`).
type Client struct {
	conn net.Conn
	dec  *json.Decoder
}

// Dial connects to a broker Service at addr and subscribes to topic.
func Dial(addr, topic string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("broker client: dial: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", topic); err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker client: subscribe: %w", err)
	}
	return &Client{conn: conn, dec: json.NewDecoder(bufio.NewReader(conn))}, nil
}

// Next blocks for the next published message on the subscribed topic.
func (c *Client) Next() (Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
