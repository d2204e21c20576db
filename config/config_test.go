package config

import (
	"strings"
	"testing"
	"time"

	"git.sr.ht/~emersion/go-scfg"
)

func parseString(t *testing.T, s string) (*Server, error) {
	block, err := scfg.Read(strings.NewReader(s))
	if err != nil {
		t.Fatalf("scfg.Read() = %v", err)
	}
	return parse(block)
}

func TestParse(t *testing.T) {
	srv, err := parseString(t, `
listen ircs://0.0.0.0:6697
hostname bnc.example.org
backlog fs /var/lib/luteus/backlog
backlog-max-records 5000
accept-proxy-ip localhost 10.0.0.0/8

user alice {
	password "$2a$10$abc"
	network libera {
		server irc.libera.chat:6697 tls preference 10
		server irc.eu.libera.chat:6667 bind 192.0.2.1
		nick alice alice_
		realname "Alice Liddell"
		sasl plain alice hunter2
		away "Not here"
		reconnect-delay 30s
		send-rate 1s 5
		log-filter {
			drop-servers
			nick ChanServ NickServ
		}
	}
}
`)
	if err != nil {
		t.Fatalf("parse() = %v", err)
	}

	if len(srv.Listen) != 1 || srv.Hostname != "bnc.example.org" {
		t.Errorf("Listen = %v, Hostname = %q", srv.Listen, srv.Hostname)
	}
	if srv.Backlog.Driver != "fs" || srv.Backlog.Source != "/var/lib/luteus/backlog" || srv.Backlog.MaxRecords != 5000 {
		t.Errorf("Backlog = %+v", srv.Backlog)
	}
	if len(srv.AcceptProxyIPs) != 3 {
		t.Errorf("AcceptProxyIPs has %v entries, but want 3", len(srv.AcceptProxyIPs))
	}

	if len(srv.Users) != 1 {
		t.Fatalf("got %v users, but want 1", len(srv.Users))
	}
	u := srv.Users[0]
	if u.Name != "alice" || u.Password != "$2a$10$abc" {
		t.Errorf("user = %q, password = %q", u.Name, u.Password)
	}

	net := u.Network("libera")
	if net == nil {
		t.Fatalf("missing network")
	}
	if len(net.Servers) != 2 {
		t.Fatalf("got %v servers, but want 2", len(net.Servers))
	}
	if s := net.Servers[0]; !s.TLS || s.Preference != 10 || s.Addr != "irc.libera.chat:6697" {
		t.Errorf("Servers[0] = %+v", s)
	}
	if s := net.Servers[1]; s.TLS || s.Bind != "192.0.2.1" {
		t.Errorf("Servers[1] = %+v", s)
	}
	if len(net.Nicks) != 2 || net.Username != "alice" || net.Realname != "Alice Liddell" {
		t.Errorf("Nicks = %v, Username = %q, Realname = %q", net.Nicks, net.Username, net.Realname)
	}
	if net.SASL == nil || net.SASL.Username != "alice" || net.SASL.Password != "hunter2" {
		t.Errorf("SASL = %+v", net.SASL)
	}
	if net.ReconnectDelay != 30*time.Second || net.SendInterval != time.Second || net.SendBurst != 5 {
		t.Errorf("ReconnectDelay = %v, SendInterval = %v, SendBurst = %v", net.ReconnectDelay, net.SendInterval, net.SendBurst)
	}
	if !net.LogFilter.DropServers || len(net.LogFilter.Nicks) != 2 {
		t.Errorf("LogFilter = %+v", net.LogFilter)
	}
}

func TestParseDefaults(t *testing.T) {
	srv, err := parseString(t, `
user bob {
	password x
	network oftc {
		server irc.oftc.net:6667
		nick bob
	}
}
`)
	if err != nil {
		t.Fatalf("parse() = %v", err)
	}
	if srv.Backlog.Driver != "memory" || srv.Auth != "internal" {
		t.Errorf("Backlog = %+v, Auth = %q", srv.Backlog, srv.Auth)
	}
	net := srv.Users[0].Network("oftc")
	if net.ReconnectDelay != DefaultReconnectDelay || net.SendBurst != DefaultSendBurst {
		t.Errorf("ReconnectDelay = %v, SendBurst = %v", net.ReconnectDelay, net.SendBurst)
	}
}

func TestParseInvalid(t *testing.T) {
	testCases := []struct {
		name string
		cfg  string
	}{
		{"unknown directive", "frobnicate"},
		{"unknown backlog driver", "backlog sql"},
		{"missing password", "user a {\n}"},
		{"missing server", "user a {\npassword x\nnetwork n {\nnick a\n}\n}"},
		{"missing nick", "user a {\npassword x\nnetwork n {\nserver h:1\n}\n}"},
		{"bad server address", "user a {\npassword x\nnetwork n {\nserver nohost\nnick a\n}\n}"},
		{"unsupported sasl", "user a {\npassword x\nnetwork n {\nserver h:1\nnick a\nsasl external\n}\n}"},
		{"duplicate user", "user a {\npassword x\n}\nuser a {\npassword y\n}"},
	}
	for _, tc := range testCases {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseString(t, tc.cfg); err == nil {
				t.Errorf("parse() succeeded, but want an error")
			}
		})
	}
}
