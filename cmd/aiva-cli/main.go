// Command aiva-cli is a terminal client for the WebSocket channel.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/aiva/internal/hub"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket server address")
	apiKey := flag.String("api-key", os.Getenv("AIVA_API_KEY"), "API key for authentication")
	conversation := flag.String("conversation", "", "conversation id to continue (new one when empty)")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s...\n", *addr)
	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	client := NewClient(conn, os.Stdout)
	defer client.Close()

	if err := client.Hello(*apiKey, *conversation); err != nil {
		log.Fatalf("Hello failed: %v", err)
	}
	fmt.Printf("Conversation: %s\n", client.ConversationID())
	fmt.Println("Type a message and press Enter to send. /quit exits.")

	go client.ReadMessages()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print(">> ")
		var input string
		var ok bool
		select {
		case <-interrupt:
			fmt.Println("\nGoodbye!")
			return
		case <-client.Done():
			return
		case input, ok = <-lines:
			if !ok {
				return
			}
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if err := client.Send(input); err != nil {
			log.Printf("Send error: %v", err)
			return
		}
		if !client.WaitTurn() {
			return
		}
	}
}

// Client speaks the hub protocol over one connection.
type Client struct {
	conn           *websocket.Conn
	out            io.Writer
	conversationID string
	seq            int

	turns chan hub.DoneMessage
	done  chan struct{}
}

// NewClient wraps an established connection.
func NewClient(conn *websocket.Conn, out io.Writer) *Client {
	return &Client{
		conn:  conn,
		out:   out,
		turns: make(chan hub.DoneMessage, 1),
		done:  make(chan struct{}),
	}
}

// ConversationID is the conversation bound by Hello.
func (c *Client) ConversationID() string { return c.conversationID }

// Done is closed once the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Hello binds the connection and waits for hello_ack.
func (c *Client) Hello(apiKey, conversationID string) error {
	msg := hub.HelloMessage{
		BaseMessage: hub.NewBase(hub.TypeHello, conversationID),
		APIKey:      apiKey,
		ClientMeta:  map[string]string{"client": "aiva-cli"},
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	var reply hub.ErrorMessage
	if err := c.conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	switch reply.Type {
	case hub.TypeHelloAck:
		c.conversationID = reply.ConversationID
		return nil
	case hub.TypeError:
		return fmt.Errorf("hello failed: %s - %s", reply.Code, reply.Message)
	default:
		return fmt.Errorf("expected hello_ack, got: %s", reply.Type)
	}
}

// Send submits one user message.
func (c *Client) Send(text string) error {
	c.seq++
	msg := hub.UserMessage{BaseMessage: hub.NewBase(hub.TypeUserMessage, c.conversationID), Text: text}
	msg.RequestID = fmt.Sprintf("req_%d", c.seq)
	return c.conn.WriteJSON(msg)
}

// WaitTurn blocks until the current turn is done. It returns false when the
// session should end.
func (c *Client) WaitTurn() bool {
	select {
	case d := <-c.turns:
		return d.Action != "quit"
	case <-c.done:
		return false
	}
}

// incoming is the union of the server message shapes.
type incoming struct {
	hub.BaseMessage
	Text      string `json:"text"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind"`
	Action    string `json:"action"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ReadMessages prints server messages until the connection closes.
func (c *Client) ReadMessages() {
	defer close(c.done)
	streamed := false
	for {
		var msg incoming
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}
		switch msg.Type {
		case hub.TypeDelta:
			if !streamed {
				fmt.Fprint(c.out, "\n── AIVA ────────────\n")
				streamed = true
			}
			fmt.Fprint(c.out, msg.Text)
		case hub.TypeMessage:
			if msg.RequestID == "" {
				// Out-of-turn notification pushed by a tool.
				fmt.Fprintf(c.out, "\n[notification] %s\n", msg.Content)
				continue
			}
			if msg.Role != "assistant" || streamed {
				continue
			}
			fmt.Fprintf(c.out, "\n── AIVA ────────────\n%s", msg.Content)
			streamed = true
		case hub.TypeDone:
			if streamed {
				fmt.Fprint(c.out, "\n────────────────────\n")
			}
			streamed = false
			select {
			case c.turns <- hub.DoneMessage{BaseMessage: msg.BaseMessage, Outcome: msg.Outcome, ErrorKind: msg.ErrorKind, Action: msg.Action}:
			default:
			}
		case hub.TypeError:
			fmt.Fprintf(c.out, "\n[error] %s: %s\n", msg.Code, msg.Message)
			select {
			case c.turns <- hub.DoneMessage{BaseMessage: msg.BaseMessage, Outcome: "error"}:
			default:
			}
		}
	}
}
