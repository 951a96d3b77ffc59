package memory

import (
	"context"
	"fmt"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/remote"
	"github.com/xraph/ledgersync/transaction"
)

// compile-time interface checks
var (
	_ remote.Client  = (*Client)(nil)
	_ remote.Watcher = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTokenSource sets the credential presented on each request.
func WithTokenSource(ts remote.TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithUserID scopes pulls to one user's records.
func WithUserID(userID string) ClientOption {
	return func(c *Client) { c.userID = userID }
}

// WithOrigin tags pushed changes with a device id.
func WithOrigin(origin string) ClientOption {
	return func(c *Client) { c.origin = origin }
}

// Client is one device's connection to a Server.
type Client struct {
	server *Server
	tokens remote.TokenSource
	userID string
	origin string
}

// Push implements remote.Client.
func (c *Client) Push(ctx context.Context, t *transaction.Transaction, expectedRemoteVersion int64) error {
	token, err := c.token(ctx, "push")
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &ledgersync.TransportFault{Op: "push", Err: err}
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked("push", token); err != nil {
		return err
	}

	current, exists := s.docs[t.ID.String()]
	var currentVersion int64
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != expectedRemoteVersion || t.Version <= currentVersion {
		return &ledgersync.RemoteConflict{Expected: expectedRemoteVersion, Current: current.Clone()}
	}

	s.storeLocked(t, c.origin)

	if s.loseAcks > 0 {
		s.loseAcks--
		return &ledgersync.TransportFault{Op: "push", Err: fmt.Errorf("%w: response lost", ErrOffline)}
	}
	return nil
}

// PullChangesSince implements remote.Client. limit bounds the scanned
// window of the log, so a user-scoped page may hold fewer changes.
func (c *Client) PullChangesSince(ctx context.Context, cursor string, limit int) ([]remote.Change, string, error) {
	after, err := remote.ParseCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}
	token, err := c.token(ctx, "pull")
	if err != nil {
		return nil, cursor, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked("pull", token); err != nil {
		return nil, cursor, err
	}

	var (
		changes []remote.Change
		last    = after
	)
	window := s.log[min(int(after), len(s.log)):]
	if limit > 0 && len(window) > limit {
		window = window[:limit]
	}
	for _, ch := range window {
		last = ch.Seq
		if c.userID != "" && ch.Transaction.UserID != c.userID {
			continue
		}
		changes = append(changes, remote.Change{
			Seq:         ch.Seq,
			Transaction: ch.Transaction.Clone(),
			Origin:      ch.Origin,
		})
	}
	return changes, remote.FormatCursor(last), nil
}

// Watch implements remote.Watcher.
func (c *Client) Watch(ctx context.Context) (<-chan struct{}, error) {
	token, err := c.token(ctx, "watch")
	if err != nil {
		return nil, err
	}

	s := c.server
	s.mu.Lock()
	if err := s.checkLocked("watch", token); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	notify := make(chan struct{}, 1)
	s.watchers[notify] = struct{}{}
	s.mu.Unlock()

	out := make(chan struct{})
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, notify)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) token(ctx context.Context, op string) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", &ledgersync.TransportFault{Op: op, Unauthorized: true, Err: err}
	}
	return token, nil
}
