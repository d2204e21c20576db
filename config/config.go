package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"git.sr.ht/~emersion/go-scfg"
)

type IPSet []*net.IPNet

func (set IPSet) Contains(ip net.IP) bool {
	for _, n := range set {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// loopbackIPs contains the loopback networks 127.0.0.0/8 and ::1/128.
var loopbackIPs = IPSet{
	&net.IPNet{
		IP:   net.IP{127, 0, 0, 0},
		Mask: net.CIDRMask(8, 32),
	},
	&net.IPNet{
		IP:   net.IPv6loopback,
		Mask: net.CIDRMask(128, 128),
	},
}

// DefaultPath is the configuration file loaded when none is specified. It's
// ignored if missing.
var DefaultPath = "/etc/luteus/config"

const (
	DefaultReconnectDelay = 10 * time.Second
	DefaultSendInterval   = 2 * time.Second
	DefaultSendBurst      = 10
)

type TLS struct {
	CertPath, KeyPath string
}

type DB struct {
	Driver, Source string
}

type Backlog struct {
	Driver, Source string
	// Maximum number of records kept per context, zero for no limit
	MaxRecords uint64
}

type ServerAddr struct {
	Addr       string
	TLS        bool
	Preference int
	// Local address to connect from
	Bind string
}

type SASL struct {
	Mechanism          string
	Username, Password string
}

type LogFilter struct {
	DropServers      bool
	DropOutgoingCTCP bool
	Nicks            []string
	Sources          []string
}

type Network struct {
	Name     string
	Servers  []ServerAddr
	Nicks    []string
	Username string
	Realname string
	Pass     string
	SASL     *SASL
	Away     string

	ReconnectDelay time.Duration
	SendInterval   time.Duration
	SendBurst      int

	LogFilter LogFilter
}

type User struct {
	Name     string
	Password string
	Networks []Network
}

func (u *User) Network(name string) *Network {
	for i := range u.Networks {
		if u.Networks[i].Name == name {
			return &u.Networks[i]
		}
	}
	return nil
}

type Server struct {
	Listen      []string
	TLS         *TLS
	Hostname    string
	BouncerName string
	MOTDPath    string

	DB      DB
	Backlog Backlog
	Auth    string

	HTTPOrigins    []string
	AcceptProxyIPs IPSet

	Users []User
}

func Defaults() *Server {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Server{
		Hostname:    hostname,
		BouncerName: "luteus",
		DB: DB{
			Driver: "sqlite3",
			Source: "luteus.db",
		},
		Backlog: Backlog{
			Driver: "memory",
		},
		Auth: "internal",
	}
}

func Load(path string) (*Server, error) {
	cfg, err := scfg.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(cfg)
}

func parseUint(d *scfg.Directive) (uint64, error) {
	var s string
	if err := d.ParseParams(&s); err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("directive %q: %v", d.Name, err)
	}
	return v, nil
}

func parseDuration(d *scfg.Directive) (time.Duration, error) {
	var s string
	if err := d.ParseParams(&s); err != nil {
		return 0, err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("directive %q: %v", d.Name, err)
	}
	return v, nil
}

func parse(cfg scfg.Block) (*Server, error) {
	srv := Defaults()
	for _, d := range cfg {
		switch d.Name {
		case "listen":
			var uri string
			if err := d.ParseParams(&uri); err != nil {
				return nil, err
			}
			srv.Listen = append(srv.Listen, uri)
		case "hostname":
			if err := d.ParseParams(&srv.Hostname); err != nil {
				return nil, err
			}
		case "bouncer-name":
			if err := d.ParseParams(&srv.BouncerName); err != nil {
				return nil, err
			}
		case "motd":
			if err := d.ParseParams(&srv.MOTDPath); err != nil {
				return nil, err
			}
		case "tls":
			tls := &TLS{}
			if err := d.ParseParams(&tls.CertPath, &tls.KeyPath); err != nil {
				return nil, err
			}
			srv.TLS = tls
		case "db":
			if err := d.ParseParams(&srv.DB.Driver, &srv.DB.Source); err != nil {
				return nil, err
			}
		case "backlog":
			if err := d.ParseParams(&srv.Backlog.Driver); err != nil {
				return nil, err
			}
			switch srv.Backlog.Driver {
			case "memory":
				srv.Backlog.Source = ""
			case "fs":
				if err := d.ParseParams(nil, &srv.Backlog.Source); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("directive %q: unknown driver %q", d.Name, srv.Backlog.Driver)
			}
		case "backlog-max-records":
			v, err := parseUint(d)
			if err != nil {
				return nil, err
			}
			srv.Backlog.MaxRecords = v
		case "auth":
			if err := d.ParseParams(&srv.Auth); err != nil {
				return nil, err
			}
			switch srv.Auth {
			case "internal", "pam":
			default:
				return nil, fmt.Errorf("directive %q: unknown driver %q", d.Name, srv.Auth)
			}
		case "http-origin":
			srv.HTTPOrigins = d.Params
		case "accept-proxy-ip":
			srv.AcceptProxyIPs = nil
			for _, s := range d.Params {
				if s == "localhost" {
					srv.AcceptProxyIPs = append(srv.AcceptProxyIPs, loopbackIPs...)
					continue
				}
				_, n, err := net.ParseCIDR(s)
				if err != nil {
					return nil, fmt.Errorf("directive %q: failed to parse CIDR: %v", d.Name, err)
				}
				srv.AcceptProxyIPs = append(srv.AcceptProxyIPs, n)
			}
		case "user":
			u, err := parseUser(d)
			if err != nil {
				return nil, err
			}
			for _, other := range srv.Users {
				if other.Name == u.Name {
					return nil, fmt.Errorf("directive %q: duplicate user %q", d.Name, u.Name)
				}
			}
			srv.Users = append(srv.Users, *u)
		default:
			return nil, fmt.Errorf("unknown directive %q", d.Name)
		}
	}

	return srv, nil
}

func parseUser(d *scfg.Directive) (*User, error) {
	u := &User{}
	if err := d.ParseParams(&u.Name); err != nil {
		return nil, err
	}

	for _, child := range d.Children {
		switch child.Name {
		case "password":
			if err := child.ParseParams(&u.Password); err != nil {
				return nil, err
			}
		case "network":
			net, err := parseNetwork(child)
			if err != nil {
				return nil, fmt.Errorf("user %q: %v", u.Name, err)
			}
			if u.Network(net.Name) != nil {
				return nil, fmt.Errorf("user %q: duplicate network %q", u.Name, net.Name)
			}
			u.Networks = append(u.Networks, *net)
		default:
			return nil, fmt.Errorf("user %q: unknown directive %q", u.Name, child.Name)
		}
	}

	if u.Password == "" {
		return nil, fmt.Errorf("user %q: missing password", u.Name)
	}
	return u, nil
}

func parseServerAddr(d *scfg.Directive) (*ServerAddr, error) {
	addr := &ServerAddr{}
	if err := d.ParseParams(&addr.Addr); err != nil {
		return nil, err
	}
	if _, _, err := net.SplitHostPort(addr.Addr); err != nil {
		return nil, fmt.Errorf("directive %q: %v", d.Name, err)
	}

	params := d.Params[1:]
	for len(params) > 0 {
		switch params[0] {
		case "tls":
			addr.TLS = true
			params = params[1:]
		case "preference", "bind":
			if len(params) < 2 {
				return nil, fmt.Errorf("directive %q: missing value for %q", d.Name, params[0])
			}
			if params[0] == "bind" {
				addr.Bind = params[1]
			} else {
				v, err := strconv.Atoi(params[1])
				if err != nil {
					return nil, fmt.Errorf("directive %q: invalid preference: %v", d.Name, err)
				}
				addr.Preference = v
			}
			params = params[2:]
		default:
			return nil, fmt.Errorf("directive %q: unknown option %q", d.Name, params[0])
		}
	}
	return addr, nil
}

func parseNetwork(d *scfg.Directive) (*Network, error) {
	net := &Network{
		ReconnectDelay: DefaultReconnectDelay,
		SendInterval:   DefaultSendInterval,
		SendBurst:      DefaultSendBurst,
	}
	if err := d.ParseParams(&net.Name); err != nil {
		return nil, err
	}

	for _, child := range d.Children {
		var err error
		switch child.Name {
		case "server":
			var addr *ServerAddr
			if addr, err = parseServerAddr(child); err == nil {
				net.Servers = append(net.Servers, *addr)
			}
		case "nick":
			if len(child.Params) == 0 {
				err = fmt.Errorf("directive %q: expected at least one nickname", child.Name)
			}
			net.Nicks = append(net.Nicks, child.Params...)
		case "username":
			err = child.ParseParams(&net.Username)
		case "realname":
			err = child.ParseParams(&net.Realname)
		case "pass":
			err = child.ParseParams(&net.Pass)
		case "sasl":
			sasl := &SASL{}
			if err = child.ParseParams(&sasl.Mechanism); err != nil {
				break
			}
			if sasl.Mechanism != "plain" {
				err = fmt.Errorf("directive %q: unsupported mechanism %q", child.Name, sasl.Mechanism)
				break
			}
			err = child.ParseParams(nil, &sasl.Username, &sasl.Password)
			net.SASL = sasl
		case "away":
			err = child.ParseParams(&net.Away)
		case "reconnect-delay":
			net.ReconnectDelay, err = parseDuration(child)
		case "send-rate":
			var interval, burst string
			if err = child.ParseParams(&interval, &burst); err != nil {
				break
			}
			if net.SendInterval, err = time.ParseDuration(interval); err != nil {
				break
			}
			net.SendBurst, err = strconv.Atoi(burst)
		case "log-filter":
			err = parseLogFilter(child, &net.LogFilter)
		default:
			err = fmt.Errorf("unknown directive %q", child.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("network %q: %v", net.Name, err)
		}
	}

	if len(net.Servers) == 0 {
		return nil, fmt.Errorf("network %q: missing server", net.Name)
	}
	if len(net.Nicks) == 0 {
		return nil, fmt.Errorf("network %q: missing nick", net.Name)
	}
	if net.Username == "" {
		net.Username = net.Nicks[0]
	}
	if net.Realname == "" {
		net.Realname = net.Nicks[0]
	}
	return net, nil
}

func parseLogFilter(d *scfg.Directive, filter *LogFilter) error {
	for _, child := range d.Children {
		switch child.Name {
		case "drop-servers":
			filter.DropServers = true
		case "drop-outgoing-ctcp":
			filter.DropOutgoingCTCP = true
		case "nick":
			filter.Nicks = append(filter.Nicks, child.Params...)
		case "source":
			filter.Sources = append(filter.Sources, child.Params...)
		default:
			return fmt.Errorf("directive %q: unknown directive %q", d.Name, child.Name)
		}
	}
	return nil
}
