package luteus

import (
	"errors"
	"strings"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/xirc"
)

var errQueryAborted = errors.New("query aborted: connection closed")

type queryKind int

const (
	queryWhois queryKind = iota
	queryWhowas
	queryLinks
	queryList
	queryWho
	// Replies of ADMIN, LUSERS and MAP aren't delimited: they're terminated
	// by a PING sent right after the request
	queryGeneric
)

var queryKinds = map[string]queryKind{
	"WHOIS":  queryWhois,
	"WHOWAS": queryWhowas,
	"LINKS":  queryLinks,
	"LIST":   queryList,
	"WHO":    queryWho,
	"ADMIN":  queryGeneric,
	"LUSERS": queryGeneric,
	"MAP":    queryGeneric,
}

type queryNumerics struct {
	start map[string]bool
	end   map[string]bool
}

func numericSet(l ...string) map[string]bool {
	m := make(map[string]bool, len(l))
	for _, s := range l {
		m[s] = true
	}
	return m
}

var blockQueryNumerics = map[queryKind]queryNumerics{
	queryWhois: {
		start: numericSet(irc.RPL_WHOISUSER, irc.RPL_WHOISSERVER, irc.RPL_WHOISOPERATOR, irc.RPL_WHOISIDLE, irc.RPL_ENDOFWHOIS, irc.RPL_WHOISCHANNELS),
		end:   numericSet(irc.RPL_ENDOFWHOIS),
	},
	queryWhowas: {
		start: numericSet(irc.RPL_WHOWASUSER, irc.RPL_WHOISSERVER, irc.RPL_WHOISOPERATOR, irc.RPL_WHOISIDLE, irc.RPL_ENDOFWHOWAS, irc.RPL_WHOISCHANNELS),
		end:   numericSet(irc.RPL_ENDOFWHOWAS),
	},
	queryLinks: {
		start: numericSet(irc.RPL_LINKS, irc.ERR_NOSUCHSERVER),
		end:   numericSet(irc.RPL_ENDOFLINKS, irc.ERR_NOSUCHSERVER),
	},
	queryList: {
		start: numericSet(irc.RPL_LISTSTART, irc.RPL_LIST, irc.RPL_LISTEND),
		end:   numericSet(irc.RPL_LISTEND),
	},
	queryWho: {
		start: numericSet(irc.RPL_WHOREPLY, irc.RPL_ENDOFWHO),
		end:   numericSet(irc.RPL_ENDOFWHO),
	},
}

type queryResult int

const (
	// The message doesn't belong to the active query
	queryUnrelated queryResult = iota
	// The message is part of the active query's reply
	queryRelated
	// The message completed the active query
	queryDone
)

// query is a command whose replies are routed back to the client that sent
// it instead of being broadcast.
type query struct {
	kind   queryKind
	msg    *irc.Message
	target string
	token  string
	active bool

	replies []*irc.Message
	done    func(replies []*irc.Message, err error)
}

func (q *query) isFailure(msg *irc.Message) bool {
	switch msg.Command {
	case xirc.RPL_TRYAGAIN, irc.ERR_UNKNOWNCOMMAND:
		return len(msg.Params) >= 2 && strings.EqualFold(msg.Params[1], q.msg.Command)
	case irc.ERR_NOTREGISTERED:
		return len(msg.Params) >= 1 && strings.EqualFold(msg.Params[0], q.msg.Command)
	}
	return false
}

func (q *query) namesTarget(msg *irc.Message, casemap xirc.CaseMapping) bool {
	return len(msg.Params) >= 2 && q.target != "" && casemap(msg.Params[1]) == q.target
}

// namesParam reports whether a reply names one of the request parameters,
// such as the server of a remote WHOIS.
func (q *query) namesParam(msg *irc.Message, casemap xirc.CaseMapping) bool {
	if len(msg.Params) < 2 {
		return false
	}
	for _, p := range q.msg.Params {
		if casemap(p) == casemap(msg.Params[1]) {
			return true
		}
	}
	return false
}

func (q *query) process(msg *irc.Message, casemap xirc.CaseMapping) queryResult {
	if !xirc.IsNumeric(msg.Command) {
		if q.kind == queryGeneric && msg.Command == "PONG" && len(msg.Params) == 2 && msg.Params[1] == q.token {
			return queryDone
		}
		return queryUnrelated
	}

	if q.isFailure(msg) {
		q.replies = nil
		return queryDone
	}

	if q.kind == queryGeneric {
		return queryRelated
	}

	numerics := blockQueryNumerics[q.kind]
	switch q.kind {
	case queryWhois, queryWhowas:
		switch msg.Command {
		case irc.ERR_NOSUCHNICK, irc.ERR_WASNOSUCHNICK:
			if q.namesTarget(msg, casemap) {
				q.active = true
				return queryRelated
			}
		case irc.ERR_NOSUCHSERVER:
			if q.namesTarget(msg, casemap) || q.namesParam(msg, casemap) {
				return queryDone
			}
		case irc.ERR_NONICKNAMEGIVEN:
			if q.target == "" {
				return queryDone
			}
		}
		if !q.active {
			if !numerics.start[msg.Command] || !q.namesTarget(msg, casemap) {
				return queryUnrelated
			}
			q.active = true
		}
		if numerics.end[msg.Command] && q.namesTarget(msg, casemap) {
			return queryDone
		}
		return queryRelated
	default:
		if !q.active {
			if !numerics.start[msg.Command] && !numerics.end[msg.Command] {
				return queryUnrelated
			}
			q.active = true
		}
		if numerics.end[msg.Command] {
			return queryDone
		}
		return queryRelated
	}
}

// queryCorrelator matches upstream replies with the queries which caused
// them. Only the query at the head of the queue is sent to the server: the
// next one is sent when it completes.
type queryCorrelator struct {
	send    func(*irc.Message)
	casemap func() xirc.CaseMapping
	queue   []*query

	// Set when a keepalive PING is sent, cleared when a query is sent
	fresh bool
}

func newQueryCorrelator(send func(*irc.Message), casemap func() xirc.CaseMapping) *queryCorrelator {
	return &queryCorrelator{send: send, casemap: casemap}
}

func isQueryCommand(cmd string) bool {
	_, ok := queryKinds[cmd]
	return ok
}

// Start queues a query. done is called with the replies once the query
// completes, or with an error if the connection goes away first.
func (qc *queryCorrelator) Start(msg *irc.Message, done func(replies []*irc.Message, err error)) {
	kind, ok := queryKinds[msg.Command]
	if !ok {
		panic("luteus: not a query command: " + msg.Command)
	}

	q := &query{kind: kind, msg: msg, done: done}
	switch kind {
	case queryWhois, queryWhowas:
		// WHOIS [<server>] <nick>, WHOWAS <nick> [<count> [<server>]]
		var target string
		if kind == queryWhois && len(msg.Params) >= 2 {
			target = msg.Params[1]
		} else if len(msg.Params) >= 1 {
			target = msg.Params[0]
		}
		if target != "" {
			q.target = qc.casemap()(target)
		}
	case queryGeneric:
		q.token = randomToken(64)
	}

	qc.queue = append(qc.queue, q)
	if len(qc.queue) == 1 {
		qc.sendHead()
	}
}

func (qc *queryCorrelator) sendHead() {
	if len(qc.queue) == 0 {
		return
	}
	q := qc.queue[0]
	qc.fresh = false
	qc.send(q.msg)
	if q.kind == queryGeneric {
		qc.send(&irc.Message{
			Command: "PING",
			Params:  []string{q.token},
		})
	}
}

func (qc *queryCorrelator) finish(err error) {
	q := qc.queue[0]
	qc.queue = qc.queue[1:]
	q.done(q.replies, err)
	qc.sendHead()
}

// Process feeds an upstream message to the active query.
func (qc *queryCorrelator) Process(msg *irc.Message) queryResult {
	if len(qc.queue) == 0 {
		return queryUnrelated
	}

	q := qc.queue[0]
	res := q.process(msg, qc.casemap())
	switch res {
	case queryRelated:
		q.replies = append(q.replies, msg)
	case queryDone:
		// The terminating PONG is ours and isn't part of the reply
		if msg.Command != "PONG" {
			q.replies = append(q.replies, msg)
		}
		qc.finish(nil)
	}
	return res
}

// MarkKeepalive is called when a keepalive PING is sent.
func (qc *queryCorrelator) MarkKeepalive() {
	qc.fresh = true
}

// HandleKeepalivePong is called when the answer to a keepalive PING is
// received. If the active query was already pending when the PING was sent,
// the server isn't going to complete it: the query is completed with no
// replies and the messages it captured are returned so that they can be
// broadcast.
func (qc *queryCorrelator) HandleKeepalivePong() []*irc.Message {
	if len(qc.queue) == 0 || !qc.fresh {
		return nil
	}

	q := qc.queue[0]
	msgs := q.replies
	q.replies = nil
	qc.finish(nil)
	return msgs
}

// Abort fails all queued queries.
func (qc *queryCorrelator) Abort() {
	queue := qc.queue
	qc.queue = nil
	for _, q := range queue {
		q.done(nil, errQueryAborted)
	}
}

func (qc *queryCorrelator) Len() int {
	return len(qc.queue)
}
