package copad

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestClientNameDiscriminator(t *testing.T) {
	ctx := context.Background()
	settings := DefaultServiceSettings()
	project := NewProject("demo", NewFileSystem(settings.LogSettings))

	alice := func() *UserSummary {
		return &UserSummary{AuthorId: NewId(), Name: "alice", Email: "alice@example.com"}
	}

	c1 := newClient(ctx, nil, settings)
	project.AddClient(c1, alice())
	assert.Equal(t, c1.Name(), "alice")
	assert.Equal(t, c1.Primary(), true)

	c2 := newClient(ctx, nil, settings)
	project.AddClient(c2, alice())
	assert.Equal(t, c2.Name(), "alice(2)")
	assert.Equal(t, c2.Primary(), false)

	// concurrent sessions author independently
	assert.NotEqual(t, c1.AuthorId(), c2.AuthorId())

	c3 := newClient(ctx, nil, settings)
	project.AddClient(c3, alice())
	assert.Equal(t, c3.Name(), "alice(3)")

	assert.Equal(t, len(project.Users()), 3)
}

// a returning identity reattaches its primary authorship lineage, whichever
// of its sessions happened to disconnect last
func TestIdentityLineageReattach(t *testing.T) {
	ctx := context.Background()
	settings := DefaultServiceSettings()
	project := NewProject("demo", NewFileSystem(settings.LogSettings))

	alice := func() *UserSummary {
		return &UserSummary{AuthorId: NewId(), Name: "alice", Email: "alice@example.com"}
	}

	c1 := newClient(ctx, nil, settings)
	project.AddClient(c1, alice())
	primaryAuthor := c1.AuthorId()

	c2 := newClient(ctx, nil, settings)
	project.AddClient(c2, alice())

	// the primary leaves first; the identity is still connected through c2
	remaining := project.RemoveClient(c1)
	assert.Equal(t, remaining, 1)
	remaining = project.RemoveClient(c2)
	assert.Equal(t, remaining, 0)

	c3 := newClient(ctx, nil, settings)
	project.AddClient(c3, alice())
	assert.Equal(t, c3.AuthorId(), primaryAuthor)
	assert.Equal(t, c3.Primary(), true)
}

// a connection that reads pings but never answers is hung up on after the
// pong deadline
func TestPongTimeoutDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultServiceSettings()
	settings.PingInterval = 20 * time.Millisecond
	settings.PongTimeout = 10 * time.Millisecond

	upgrader := &websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := newClient(ctx, conn, settings)
		go client.writePump()
		client.readPump(func(client *Client, frame *Frame) {})
	}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	assert.Equal(t, err, nil)
	defer conn.Close()

	// never pong; the server must close the connection
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawPing := false
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if frame, err := DecodeFrame(message); err == nil && frame.Event == EventPing {
			sawPing = true
		}
	}
	assert.Equal(t, sawPing, true)
}

func TestRemoveUnknownClient(t *testing.T) {
	ctx := context.Background()
	settings := DefaultServiceSettings()
	project := NewProject("demo", NewFileSystem(settings.LogSettings))

	c1 := newClient(ctx, nil, settings)
	project.AddClient(c1, &UserSummary{AuthorId: NewId(), Name: "alice"})

	stranger := newClient(ctx, nil, settings)
	assert.Equal(t, project.RemoveClient(stranger), 1)
}
