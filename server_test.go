package luteus

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/auth"
	"git.sr.ht/~luteus/luteus/config"
	"git.sr.ht/~luteus/luteus/database"
)

const (
	testUsername = "luteus-test-user"
	testPassword = "hunter2"
	testNetwork  = "testnet"
	testNick     = "alice"
)

const testTimeout = 5 * time.Second

func createTempDB(t *testing.T) database.Database {
	db, err := database.OpenTempSqliteDB()
	if err != nil {
		t.Fatalf("failed to create temporary SQLite database: %v", err)
	}
	return db
}

type testUpstream struct {
	net.Listener
	Accept chan ircConn
}

func createTestUpstream(t *testing.T) *testUpstream {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}

	tu := &testUpstream{
		Listener: ln,
		Accept:   make(chan ircConn),
	}

	go func() {
		defer close(tu.Accept)

		for {
			c, err := ln.Accept()
			if err != nil {
				break
			}
			tu.Accept <- newNetIRCConn(c)
		}
	}()

	return tu
}

func createTestServer(t *testing.T, upstreamAddr string) *Server {
	hashed, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}

	srv := NewServer(createTempDB(t))
	srv.Logger = NewLogger(os.Stderr, testing.Verbose())
	srv.SetConfig(&Config{
		Hostname:    "luteus.test",
		BouncerName: "luteus",
		Auth:        auth.NewInternal(),
		Backlog:     config.Backlog{Driver: "memory"},
		Users: []config.User{{
			Name:     testUsername,
			Password: string(hashed),
			Networks: []config.Network{{
				Name:           testNetwork,
				Servers:        []config.ServerAddr{{Addr: upstreamAddr}},
				Nicks:          []string{testNick},
				Username:       "alice",
				Realname:       "Alice",
				ReconnectDelay: time.Second,
			}},
		}},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	return srv
}

func createTestDownstream(t *testing.T, srv *Server) ircConn {
	c1, c2 := net.Pipe()
	go srv.Handle(newNetIRCConn(c1))
	return newNetIRCConn(c2)
}

// readUntil reads messages until one matches, and returns it along with the
// messages skipped in between.
func readUntil(t *testing.T, c ircConn, match func(*irc.Message) bool) (*irc.Message, []*irc.Message) {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(testTimeout))
	defer c.SetReadDeadline(time.Time{})

	var skipped []*irc.Message
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read IRC message: %v", err)
		}
		if match(msg) {
			return msg, skipped
		}
		skipped = append(skipped, msg)
	}
}

func expectCommand(t *testing.T, c ircConn, cmds ...string) *irc.Message {
	t.Helper()
	msg, _ := readUntil(t, c, func(msg *irc.Message) bool {
		for _, cmd := range cmds {
			if msg.Command == cmd {
				return true
			}
		}
		return false
	})
	return msg
}

func writeMessage(t *testing.T, c ircConn, raw string) {
	t.Helper()
	if err := c.WriteMessage(irc.MustParseMessage(raw)); err != nil {
		t.Fatalf("failed to write %q: %v", raw, err)
	}
}

// linkUpstream runs the registration burst of the test upstream server, and
// waits for the bouncer to process it.
func linkUpstream(t *testing.T, uc ircConn) {
	expectCommand(t, uc, "NICK")
	expectCommand(t, uc, "USER")

	writeMessage(t, uc, ":irc.test 001 "+testNick+" :Welcome to the test network")
	writeMessage(t, uc, ":irc.test 005 "+testNick+" CHANTYPES=# PREFIX=(ov)@+ CASEMAPPING=rfc1459 :are supported")
	writeMessage(t, uc, ":irc.test 422 "+testNick+" :MOTD File is missing")

	writeMessage(t, uc, "PING :sync")
	pong := expectCommand(t, uc, "PONG")
	if len(pong.Params) == 0 || pong.Params[len(pong.Params)-1] != "sync" {
		t.Fatalf("invalid PONG: %v", pong)
	}
}

func registerDownstream(t *testing.T, c ircConn, pass string) {
	writeMessage(t, c, "PASS "+pass)
	writeMessage(t, c, "NICK "+testNick)
	writeMessage(t, c, "USER alice 0 * :Alice")

	expectCommand(t, c, irc.RPL_WELCOME)
	expectCommand(t, c, irc.RPL_ENDOFMOTD, irc.ERR_NOMOTD)
}

func startTestBouncer(t *testing.T) (*Server, ircConn) {
	tu := createTestUpstream(t)
	t.Cleanup(func() {
		tu.Close()
	})

	srv := createTestServer(t, tu.Addr().String())
	t.Cleanup(srv.Shutdown)

	var uc ircConn
	select {
	case uc = <-tu.Accept:
	case <-time.After(testTimeout):
		t.Fatalf("bouncer didn't connect to the upstream server")
	}
	t.Cleanup(func() {
		uc.Close()
	})

	linkUpstream(t, uc)
	return srv, uc
}

func TestServerMalformedUpstreamLine(t *testing.T) {
	_, uc := startTestBouncer(t)

	for _, line := range []string{":irc.test\r\n", "   \r\n"} {
		if _, err := io.WriteString(uc.(*netIRCConn).Conn, line); err != nil {
			t.Fatalf("failed to write %q: %v", line, err)
		}
	}

	writeMessage(t, uc, "PING :after")
	pong := expectCommand(t, uc, "PONG")
	if pong.Params[len(pong.Params)-1] != "after" {
		t.Errorf("invalid PONG: %v", pong)
	}
}

func TestServer(t *testing.T) {
	srv, _ := startTestBouncer(t)

	dc := createTestDownstream(t, srv)
	defer dc.Close()
	registerDownstream(t, dc, testNetwork+":"+testUsername+":"+testPassword)

	writeMessage(t, dc, "PING :hello")
	pong := expectCommand(t, dc, "PONG")
	if pong.Params[len(pong.Params)-1] != "hello" {
		t.Errorf("PONG = %v, but want it to echo the PING token", pong)
	}
}

func TestServerBadPass(t *testing.T) {
	testCases := []struct {
		name string
		pass string
		want string
	}{
		{"malformed", "hunter2", "Invalid pass string; I want <netname>:<user>:<password>."},
		{"wrongPassword", testNetwork + ":" + testUsername + ":hunter3", "Auth failed."},
		{"unknownUser", testNetwork + ":bob:" + testPassword, "Auth failed."},
		{"unknownNetwork", "othernet:" + testUsername + ":" + testPassword, "Unknown netname for this user."},
	}

	srv, _ := startTestBouncer(t)

	for _, tc := range testCases {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			dc := createTestDownstream(t, srv)
			defer dc.Close()

			writeMessage(t, dc, "PASS "+tc.pass)
			writeMessage(t, dc, "NICK "+testNick)
			writeMessage(t, dc, "USER alice 0 * :Alice")

			msg := expectCommand(t, dc, irc.ERR_PASSWDMISMATCH)
			if text := msg.Params[len(msg.Params)-1]; text != tc.want {
				t.Errorf("464 text = %q, but want %q", text, tc.want)
			}
		})
	}
}

func TestServerSharedChannel(t *testing.T) {
	srv, uc := startTestBouncer(t)
	pass := testNetwork + ":" + testUsername + ":" + testPassword

	a := createTestDownstream(t, srv)
	defer a.Close()
	registerDownstream(t, a, pass)

	writeMessage(t, a, "JOIN #test")
	join := expectCommand(t, uc, "JOIN")
	if join.Params[0] != "#test" {
		t.Fatalf("upstream JOIN = %v, but want #test", join)
	}

	writeMessage(t, uc, ":"+testNick+"!alice@host JOIN #test")
	writeMessage(t, uc, ":irc.test 353 "+testNick+" = #test :"+testNick+" @bob")
	writeMessage(t, uc, ":irc.test 366 "+testNick+" #test :End of /NAMES list")

	expectCommand(t, a, "JOIN")
	expectCommand(t, a, irc.RPL_ENDOFNAMES)

	b := createTestDownstream(t, srv)
	defer b.Close()
	registerDownstream(t, b, pass)

	// The bouncer is already in #test: the channel burst is generated
	writeMessage(t, b, "JOIN #test")
	expectCommand(t, b, "JOIN")
	names := expectCommand(t, b, irc.RPL_NAMREPLY)
	if got, want := names.Params[len(names.Params)-1], testNick+" @bob"; got != want {
		t.Errorf("names = %q, but want %q", got, want)
	}
	expectCommand(t, b, irc.RPL_ENDOFNAMES)

	isHello := func(msg *irc.Message) bool {
		return msg.Command == "PRIVMSG" && msg.Prefix != nil && msg.Prefix.Name == "bob" && len(msg.Params) == 2 && msg.Params[1] == "hello"
	}
	writeMessage(t, uc, ":bob!bob@host PRIVMSG #test :hello")
	readUntil(t, a, isHello)
	readUntil(t, b, isHello)

	writeMessage(t, a, "PRIVMSG #test :hi from A")
	privmsg := expectCommand(t, uc, "PRIVMSG")
	if privmsg.Params[1] != "hi from A" {
		t.Errorf("upstream PRIVMSG = %v, but want the message of A", privmsg)
	}

	mirrored, _ := readUntil(t, b, func(msg *irc.Message) bool {
		return msg.Command == "PRIVMSG" && len(msg.Params) == 2 && msg.Params[1] == "hi from A"
	})
	if mirrored.Prefix == nil || mirrored.Prefix.Name != testNick || mirrored.Prefix.User != "luteususer" {
		t.Errorf("mirrored prefix = %v, but want %v!luteususer@...", mirrored.Prefix, testNick)
	}

	// A mustn't get its own message back
	writeMessage(t, a, "PING :sync")
	_, skipped := readUntil(t, a, func(msg *irc.Message) bool {
		return msg.Command == "PONG"
	})
	for _, msg := range skipped {
		if msg.Command == "PRIVMSG" && len(msg.Params) == 2 && msg.Params[1] == "hi from A" {
			t.Errorf("sender got its own message back: %v", msg)
		}
	}
}

func TestServerQueryRouting(t *testing.T) {
	srv, uc := startTestBouncer(t)
	pass := testNetwork + ":" + testUsername + ":" + testPassword

	a := createTestDownstream(t, srv)
	defer a.Close()
	registerDownstream(t, a, pass)

	b := createTestDownstream(t, srv)
	defer b.Close()
	registerDownstream(t, b, pass)

	writeMessage(t, a, "WHOIS bob")
	expectCommand(t, uc, "WHOIS")
	writeMessage(t, uc, ":irc.test 311 "+testNick+" bob bob host * :Bob")
	writeMessage(t, uc, ":irc.test 318 "+testNick+" bob :End of /WHOIS list")

	expectCommand(t, a, irc.RPL_WHOISUSER)
	expectCommand(t, a, irc.RPL_ENDOFWHOIS)

	// B must not see the replies to A's query
	writeMessage(t, b, "PING :sync")
	_, skipped := readUntil(t, b, func(msg *irc.Message) bool {
		return msg.Command == "PONG"
	})
	for _, msg := range skipped {
		if msg.Command == irc.RPL_WHOISUSER || msg.Command == irc.RPL_ENDOFWHOIS {
			t.Errorf("query reply delivered to the wrong client: %v", msg)
		}
	}
}
