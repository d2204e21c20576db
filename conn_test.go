package luteus

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"gopkg.in/irc.v4"
)

func TestConnSendMessageQueue(t *testing.T) {
	c1, c2 := net.Pipe()
	c := newConn(nil, newNetIRCConn(c1), &connOptions{
		Logger:         NewLogger(io.Discard, false),
		RateLimitDelay: time.Millisecond,
		RateLimitBurst: 1,
	})
	peer := newNetIRCConn(c2)
	defer peer.Close()

	// Nobody reads yet: queueing must not wait for the writer
	const n = 200
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			c.SendMessage(&irc.Message{
				Command: "PRIVMSG",
				Params:  []string{"#test", strconv.Itoa(i)},
			})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("SendMessage blocked on a stalled connection")
	}

	peer.SetReadDeadline(time.Now().Add(testTimeout))
	for i := 0; i < n; i++ {
		msg, err := peer.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read message #%v: %v", i, err)
		}
		if want := strconv.Itoa(i); msg.Params[1] != want {
			t.Fatalf("message #%v = %v, but want text %q", i, msg, want)
		}
	}

	// Queued messages are flushed before the connection is closed
	c.SendMessage(&irc.Message{Command: "PING", Params: []string{"last"}})
	c.Close()
	msg, err := peer.ReadMessage()
	if err != nil || msg.Command != "PING" {
		t.Fatalf("ReadMessage() = %v, %v, but want the last PING", msg, err)
	}
	if _, err := peer.ReadMessage(); err == nil {
		t.Errorf("connection still open after Close()")
	}
}
