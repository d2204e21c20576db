package luteus

import (
	"errors"
	"net"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/config"
	"git.sr.ht/~luteus/luteus/xirc"
)

// createTestUpstreamConn returns an upstream connection which isn't driven
// by a user goroutine, along with the server side of its socket.
func createTestUpstreamConn(t *testing.T) (*upstreamConn, ircConn) {
	srv := NewServer(createTempDB(t))
	u := newUser(srv, &config.User{Name: testUsername})
	network, err := u.loadNetwork(&config.Network{
		Name:  testNetwork,
		Nicks: []string{testNick, testNick + "_"},
	})
	if err != nil {
		t.Fatalf("failed to load network: %v", err)
	}

	c1, c2 := net.Pipe()
	uc := newUpstreamConn(network, c1, config.ServerAddr{Addr: "irc.test:6667"})
	network.conn = uc
	network.recorder.SetISupport(uc.isupport)
	t.Cleanup(func() {
		uc.Close()
		c2.Close()
	})

	uc.nick = testNick
	uc.registered = true
	return uc, newNetIRCConn(c2)
}

func feedUpstream(t *testing.T, uc *upstreamConn, raw string) ([]string, error) {
	t.Helper()
	msg, err := xirc.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage(%q) = %v", raw, err)
	}
	return uc.handleState(msg)
}

func mustFeedUpstream(t *testing.T, uc *upstreamConn, raws ...string) {
	t.Helper()
	for _, raw := range raws {
		if _, err := feedUpstream(t, uc, raw); err != nil {
			t.Fatalf("handleState(%q) = %v", raw, err)
		}
	}
}

func channelMembers(t *testing.T, uc *upstreamConn, name string) []string {
	t.Helper()
	ch, ok := uc.channels.Get(name)
	if !ok {
		t.Fatalf("channel %q isn't tracked", name)
	}
	l := ch.memberList()
	sort.Strings(l)
	return l
}

func isProtocolError(err error) bool {
	var protoErr *protocolError
	return errors.As(err, &protoErr)
}

func TestUpstreamNames(t *testing.T) {
	uc, _ := createTestUpstreamConn(t)
	mustFeedUpstream(t, uc,
		":alice!a@host JOIN #test",
		":irc.test 353 alice = #test :@alice bob",
	)

	// Membership is only replaced once the reply is complete
	if got, want := channelMembers(t, uc, "#test"), []string{"alice"}; !reflect.DeepEqual(got, want) {
		t.Errorf("members before RPL_ENDOFNAMES = %v, but want %v", got, want)
	}

	mustFeedUpstream(t, uc,
		":irc.test 353 alice = #test :+carol",
		":irc.test 366 alice #test :End of /NAMES list",
	)
	if got, want := channelMembers(t, uc, "#test"), []string{"+carol", "@alice", "bob"}; !reflect.DeepEqual(got, want) {
		t.Errorf("members = %v, but want %v", got, want)
	}

	// A second reply replaces the first one entirely
	mustFeedUpstream(t, uc,
		":irc.test 353 alice = #test :@alice",
		":irc.test 366 alice #test :End of /NAMES list",
	)
	if got, want := channelMembers(t, uc, "#test"), []string{"@alice"}; !reflect.DeepEqual(got, want) {
		t.Errorf("members after second reply = %v, but want %v", got, want)
	}
}

func TestUpstreamKick(t *testing.T) {
	testCases := []struct {
		name    string
		kick    string
		wantA   []string
		wantB   []string
		wantErr bool
	}{
		{
			name:  "single",
			kick:  ":op!o@host KICK #a bob :bye",
			wantA: []string{"@alice", "carol"},
			wantB: []string{"@alice", "bob", "carol"},
		},
		{
			name:  "paired",
			kick:  ":op!o@host KICK #a,#b bob,carol :bye",
			wantA: []string{"@alice", "carol"},
			wantB: []string{"@alice", "bob"},
		},
		{
			name:  "oneChannelManyUsers",
			kick:  ":op!o@host KICK #b bob,carol :bye",
			wantA: []string{"@alice", "bob", "carol"},
			wantB: []string{"@alice"},
		},
		{
			name:    "mismatch",
			kick:    ":op!o@host KICK #a,#b bob :bye",
			wantA:   []string{"@alice", "bob", "carol"},
			wantB:   []string{"@alice", "bob", "carol"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			uc, _ := createTestUpstreamConn(t)
			for _, name := range []string{"#a", "#b"} {
				mustFeedUpstream(t, uc,
					":alice!a@host JOIN "+name,
					":irc.test 353 alice = "+name+" :@alice bob carol",
					":irc.test 366 alice "+name+" :End of /NAMES list",
				)
			}

			_, err := feedUpstream(t, uc, tc.kick)
			if tc.wantErr != isProtocolError(err) {
				t.Errorf("handleState(%q) = %v, but want a protocol error: %v", tc.kick, err, tc.wantErr)
			}
			if got := channelMembers(t, uc, "#a"); !reflect.DeepEqual(got, tc.wantA) {
				t.Errorf("#a members = %v, but want %v", got, tc.wantA)
			}
			if got := channelMembers(t, uc, "#b"); !reflect.DeepEqual(got, tc.wantB) {
				t.Errorf("#b members = %v, but want %v", got, tc.wantB)
			}
		})
	}
}

func TestUpstreamKickSelf(t *testing.T) {
	uc, _ := createTestUpstreamConn(t)
	mustFeedUpstream(t, uc,
		":alice!a@host JOIN #a",
		":op!o@host KICK #a alice :bye",
	)
	if uc.channels.Has("#a") {
		t.Errorf("channel still tracked after we were kicked")
	}
	if uc.network.channels.Has("#a") {
		t.Errorf("channel still persisted after we were kicked")
	}
}

func TestUpstreamNickQuit(t *testing.T) {
	uc, _ := createTestUpstreamConn(t)
	mustFeedUpstream(t, uc,
		":alice!a@host JOIN #a",
		":irc.test 353 alice = #a :alice bob carol",
		":irc.test 366 alice #a :End of /NAMES list",
		":alice!a@host JOIN #b",
		":irc.test 353 alice = #b :alice Bob",
		":irc.test 366 alice #b :End of /NAMES list",
	)

	affected, err := feedUpstream(t, uc, ":bob!b@host NICK robert")
	if err != nil {
		t.Fatalf("handleState(NICK) = %v", err)
	}
	sort.Strings(affected)
	if want := []string{"#a", "#b"}; !reflect.DeepEqual(affected, want) {
		t.Errorf("NICK affected %v, but want %v", affected, want)
	}
	if got, want := channelMembers(t, uc, "#b"), []string{"alice", "robert"}; !reflect.DeepEqual(got, want) {
		t.Errorf("#b members = %v, but want %v", got, want)
	}

	affected, err = feedUpstream(t, uc, ":carol!c@host QUIT :bye")
	if err != nil {
		t.Fatalf("handleState(QUIT) = %v", err)
	}
	if want := []string{"#a"}; !reflect.DeepEqual(affected, want) {
		t.Errorf("QUIT affected %v, but want %v", affected, want)
	}
	if got, want := channelMembers(t, uc, "#a"), []string{"alice", "robert"}; !reflect.DeepEqual(got, want) {
		t.Errorf("#a members = %v, but want %v", got, want)
	}

	mustFeedUpstream(t, uc, ":alice!a@host NICK alicia")
	if uc.nick != "alicia" {
		t.Errorf("nick = %q after our own NICK, but want %q", uc.nick, "alicia")
	}
}

func TestUpstreamRankRemoval(t *testing.T) {
	uc, _ := createTestUpstreamConn(t)
	mustFeedUpstream(t, uc,
		":irc.test 005 alice PREFIX=(ov)@+ :are supported by this server",
		":alice!a@host JOIN #a",
		// Without multi-prefix, bob's voice is hidden behind his op
		":irc.test 353 alice = #a :@alice @bob carol",
		":irc.test 366 alice #a :End of /NAMES list",
	)

	testCases := []struct {
		mode    string
		wantErr bool
	}{
		{":op!o@host MODE #a -v bob", false},
		{":op!o@host MODE #a -v carol", true},
		{":op!o@host MODE #a -o bob", false},
		{":op!o@host MODE #a +v ghost", true},
	}
	for _, tc := range testCases {
		_, err := feedUpstream(t, uc, tc.mode)
		if tc.wantErr != isProtocolError(err) {
			t.Errorf("handleState(%q) = %v, but want a protocol error: %v", tc.mode, err, tc.wantErr)
		}
	}

	if got, want := channelMembers(t, uc, "#a"), []string{"@alice", "bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Errorf("#a members = %v, but want %v", got, want)
	}
}

func TestUpstreamCaseMapping(t *testing.T) {
	uc, _ := createTestUpstreamConn(t)
	mustFeedUpstream(t, uc,
		":alice!a@host JOIN #Foo[",
		":irc.test 353 alice = #Foo[ :alice Bob[m]",
		":irc.test 366 alice #Foo[ :End of /NAMES list",
	)
	if !uc.channels.Has("#foo{") {
		t.Fatalf("rfc1459 lookup of %q failed", "#foo{")
	}

	mustFeedUpstream(t, uc, ":irc.test 005 alice CASEMAPPING=ascii :are supported by this server")
	if uc.channels.Has("#foo{") {
		t.Errorf("ascii lookup of %q succeeded", "#foo{")
	}
	if !uc.channels.Has("#FOO[") {
		t.Errorf("ascii lookup of %q failed", "#FOO[")
	}
	ch, _ := uc.channels.Get("#foo[")
	if ch == nil || !ch.Members.Has("bob[M]") || ch.Members.Has("bob{m}") {
		t.Errorf("members weren't re-keyed with the ascii casemapping")
	}
	if !uc.network.channels.Has("#FOO[") {
		t.Errorf("persisted channels weren't re-keyed")
	}
}

func TestUpstreamTopic(t *testing.T) {
	uc, _ := createTestUpstreamConn(t)
	mustFeedUpstream(t, uc, ":alice!a@host JOIN #a")

	ch, _ := uc.channels.Get("#a")
	if ch.TopicKnown {
		t.Fatalf("topic known right after JOIN")
	}

	testCases := []struct {
		msg   string
		topic string
	}{
		{":irc.test 331 alice #a :No topic is set", ""},
		{":irc.test 332 alice #a :hello world", "hello world"},
		{":bob!b@host TOPIC #a :", ""},
		{":bob!b@host TOPIC #a :news", "news"},
	}
	for _, tc := range testCases {
		mustFeedUpstream(t, uc, tc.msg)
		if !ch.TopicKnown || ch.Topic != tc.topic {
			t.Errorf("after %q: topic = %q (known: %v), but want %q", tc.msg, ch.Topic, ch.TopicKnown, tc.topic)
		}
	}
}

func TestUpstreamNickRetry(t *testing.T) {
	uc, server := createTestUpstreamConn(t)
	uc.registered = false
	uc.nick = uc.nicks.Pick()

	expectNick := func(check func(string) bool) {
		t.Helper()
		msg := expectCommand(t, server, "NICK")
		if len(msg.Params) != 1 || !check(msg.Params[0]) || msg.Params[0] != uc.nick {
			t.Errorf("unexpected %v, current nick %q", msg, uc.nick)
		}
	}

	mustFeedUpstream(t, uc, ":irc.test 433 * alice :Nickname is already in use")
	expectNick(func(nick string) bool { return nick == testNick+"_" })

	mustFeedUpstream(t, uc, ":irc.test 432 * alice_ :Erroneous nickname")
	expectNick(func(nick string) bool { return strings.HasPrefix(nick, "C") })

	mustFeedUpstream(t, uc, ":irc.test 001 "+uc.nick+" :Welcome")
	if !uc.registered || uc.peer != "irc.test" {
		t.Errorf("registered = %v, peer = %q after RPL_WELCOME", uc.registered, uc.peer)
	}

	// Once registered, collisions are reported to clients only
	prev := uc.nick
	mustFeedUpstream(t, uc, ":irc.test 433 "+prev+" bob :Nickname is already in use")
	if uc.nick != prev {
		t.Errorf("nick changed to %q after registration", uc.nick)
	}
}

func TestChannelBurstTopic(t *testing.T) {
	testCases := []struct {
		name  string
		msgs  []string
		reply string
	}{
		{"unknown", nil, irc.RPL_NAMREPLY},
		{"empty", []string{":irc.test 331 alice #a :No topic is set"}, irc.RPL_NOTOPIC},
		{"set", []string{":irc.test 332 alice #a :hello"}, irc.RPL_TOPIC},
	}

	for _, tc := range testCases {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			uc, _ := createTestUpstreamConn(t)
			mustFeedUpstream(t, uc, ":alice!a@host JOIN #a")
			mustFeedUpstream(t, uc, tc.msgs...)
			ch, _ := uc.channels.Get("#a")

			c1, c2 := net.Pipe()
			dc := newDownstreamConn(uc.srv, newNetIRCConn(c1), 1)
			dc.nick = testNick
			client := newNetIRCConn(c2)
			defer dc.Close()
			defer client.Close()

			uc.network.sendChannelBurst(dc, ch)

			expectCommand(t, client, "JOIN")
			client.SetReadDeadline(time.Now().Add(testTimeout))
			msg, err := client.ReadMessage()
			if err != nil {
				t.Fatalf("failed to read reply: %v", err)
			}
			if msg.Command != tc.reply {
				t.Errorf("reply after JOIN = %v, but want %v", msg, tc.reply)
			}
		})
	}
}

func TestBroadcastKeepalive(t *testing.T) {
	uc, _ := createTestUpstreamConn(t)

	testCases := []struct {
		raw     string
		want    listenerResult
		records int
	}{
		{"PING :irc.test", listenerStopAll, 0},
		{":irc.test PONG irc.test :C1", listenerStopAll, 0},
		{":bob!b@host PRIVMSG alice :hi", listenerContinue, 1},
	}
	for _, tc := range testCases {
		msg, err := xirc.ParseMessage(tc.raw)
		if err != nil {
			t.Fatalf("ParseMessage(%q) = %v", tc.raw, err)
		}
		um := &upstreamMessage{Msg: msg, Conn: uc}
		if res := uc.network.broadcast.Fire(um); res != tc.want {
			t.Errorf("Fire(%q) = %v, but want %v", tc.raw, res, tc.want)
		}
		if len(um.Recorded) != tc.records {
			t.Errorf("Fire(%q) wrote %v records, but want %v", tc.raw, len(um.Recorded), tc.records)
		}
	}
}
