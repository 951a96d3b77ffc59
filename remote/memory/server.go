// Package memory provides an in-process remote ledger. A Server holds the
// authoritative documents; each device talks to it through its own Client.
// It is used by the engine tests and the CLI demo mode.
package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/remote"
	"github.com/xraph/ledgersync/transaction"
)

// ErrOffline is the transport error returned while the server is offline.
var ErrOffline = errors.New("ledgersync/remote/memory: server unreachable")

// ErrBadToken is the cause of unauthorized faults.
var ErrBadToken = errors.New("ledgersync/remote/memory: credential rejected")

// Server is a shared remote document store with a change log.
type Server struct {
	mu       sync.Mutex
	docs     map[string]*transaction.Transaction
	log      []remote.Change
	offline  bool
	tokens   map[string]bool
	loseAcks int
	watchers map[chan struct{}]struct{}
}

// NewServer returns an empty, online server that accepts any credential.
func NewServer() *Server {
	return &Server{
		docs:     make(map[string]*transaction.Transaction),
		watchers: make(map[chan struct{}]struct{}),
	}
}

// SetOffline makes every request fail with a transport fault until
// switched back.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// AllowTokens restricts the server to the given credentials. With no
// tokens configured every credential is accepted.
func (s *Server) AllowTokens(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool, len(tokens))
	for _, t := range tokens {
		s.tokens[t] = true
	}
}

// LoseNextAcks applies the next n accepted pushes but reports a transport
// fault to the caller, as if the response was lost on the way back.
func (s *Server) LoseNextAcks(n int) {
	s.mu.Lock()
	s.loseAcks = n
	s.mu.Unlock()
}

// Get returns the authoritative copy of a record.
func (s *Server) Get(txnID id.TransactionID) (*transaction.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.docs[txnID.String()]
	return t.Clone(), ok
}

// Watchers returns the number of open watch subscriptions.
func (s *Server) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Documents returns every record the server holds, ordered by id.
func (s *Server) Documents() []*transaction.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*transaction.Transaction, 0, len(s.docs))
	for _, t := range s.docs {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

// Put seeds or overwrites a record directly, bypassing the version
// precondition, and logs it as a change from origin.
func (s *Server) Put(t *transaction.Transaction, origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeLocked(t, origin)
}

// Client returns a client bound to this server.
func (s *Server) Client(opts ...ClientOption) *Client {
	c := &Client{server: s, tokens: remote.StaticToken("")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (s *Server) storeLocked(t *transaction.Transaction, origin string) {
	doc := t.Clone()
	doc.RemoteVersion = 0
	doc.LocalSeq = 0
	s.docs[doc.ID.String()] = doc
	s.log = append(s.log, remote.Change{
		Seq:         int64(len(s.log)) + 1,
		Transaction: doc.Clone(),
		Origin:      origin,
	})
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Server) checkLocked(op, token string) error {
	if s.offline {
		return &ledgersync.TransportFault{Op: op, Err: ErrOffline}
	}
	if s.tokens != nil && !s.tokens[token] {
		return &ledgersync.TransportFault{Op: op, Unauthorized: true, Err: ErrBadToken}
	}
	return nil
}
