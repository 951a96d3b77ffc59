// Package mongo implements the Remote Ledger Client on a MongoDB document
// store. Each transaction is one document in ledger_transactions carrying
// its version and the change sequence of its last write; the sequence comes
// from a counter document in ledger_counters, incremented in the same
// transaction as the write.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/remote"
	"github.com/xraph/ledgersync/transaction"
)

// Collection name constants.
const (
	colTransactions = "ledger_transactions"
	colCounters     = "ledger_counters"

	changeCounterID = "changes"
)

// Server error codes that mean the credential was rejected.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// compile-time interface checks
var (
	_ remote.Client  = (*Client)(nil)
	_ remote.Watcher = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithUserID scopes pulls and watches to one user's records.
func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

// WithOrigin tags pushed documents with a device id.
func WithOrigin(origin string) Option {
	return func(c *Client) { c.origin = origin }
}

// Client implements remote.Client using MongoDB.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	userID string
	origin string
}

// New creates a client on an existing database handle. The caller owns the
// connection.
func New(db *mongo.Database, opts ...Option) *Client {
	c := &Client{db: db}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open connects to uri and uses the named database. Close releases the
// connection.
func Open(ctx context.Context, uri, database string, opts ...Option) (*Client, error) {
	mc, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, classify("connect", err)
	}
	if err := mc.Ping(ctx, nil); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, classify("connect", err)
	}

	c := New(mc.Database(database), opts...)
	c.client = mc
	return c, nil
}

// Database returns the underlying database for direct access.
func (c *Client) Database() *mongo.Database { return c.db }

// Migrate creates indexes for the ledger collections and seeds the change
// counter, so pushes never create a collection inside a transaction.
func (c *Client) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := c.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ledgersync/mongo: migrate %s indexes: %w", col, err)
		}
	}
	_, err := c.db.Collection(colCounters).UpdateOne(ctx,
		bson.M{"_id": changeCounterID},
		bson.M{"$setOnInsert": bson.M{"seq": int64(0)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ledgersync/mongo: seed change counter: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.Client().Ping(ctx, nil); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close disconnects when the client opened its own connection.
func (c *Client) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}

// errPrecondition aborts a push transaction whose expected version no
// longer matches the stored document.
var errPrecondition = errors.New("ledgersync/mongo: version precondition failed")

// Push implements remote.Client. The change sequence is taken and the
// document written in one multi-document transaction. Every push writes
// the counter document, so concurrent pushes serialize on it and commit in
// sequence order; a reader that has seen seq n has seen every seq below n.
// Transactions need a replica set or sharded cluster.
func (c *Client) Push(ctx context.Context, t *transaction.Transaction, expectedRemoteVersion int64) error {
	if t.Version <= expectedRemoteVersion {
		return c.conflict(ctx, t, expectedRemoteVersion)
	}

	sess, err := c.db.Client().StartSession()
	if err != nil {
		return classify("push", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(tctx context.Context) (any, error) {
		return nil, c.write(tctx, t, expectedRemoteVersion)
	}, options.Transaction().SetWriteConcern(writeconcern.Majority()))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errPrecondition), mongo.IsDuplicateKeyError(err):
		return c.conflict(ctx, t, expectedRemoteVersion)
	default:
		return classify("push", err)
	}
}

// write runs inside the push transaction.
func (c *Client) write(ctx context.Context, t *transaction.Transaction, expected int64) error {
	seq, err := c.nextSeq(ctx)
	if err != nil {
		return err
	}
	doc := toTransactionModel(t, seq, c.origin)
	col := c.db.Collection(colTransactions)

	if expected == 0 {
		_, err := col.InsertOne(ctx, doc)
		return err
	}

	res, err := col.ReplaceOne(ctx, bson.M{"_id": doc.ID, "version": expected}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errPrecondition
	}
	return nil
}

// PullChangesSince implements remote.Client.
func (c *Client) PullChangesSince(ctx context.Context, cursor string, limit int) ([]remote.Change, string, error) {
	after, err := remote.ParseCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}

	filter := bson.M{"seq": bson.M{"$gt": after}}
	if c.userID != "" {
		filter["user_id"] = c.userID
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := c.db.Collection(colTransactions).Find(ctx, filter, opts)
	if err != nil {
		return nil, cursor, classify("pull", err)
	}
	var models []transactionModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, cursor, classify("pull", err)
	}

	changes := make([]remote.Change, 0, len(models))
	last := after
	for i := range models {
		t, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, cursor, err
		}
		changes = append(changes, remote.Change{
			Seq:         models[i].Seq,
			Transaction: t,
			Origin:      models[i].Origin,
		})
		last = models[i].Seq
	}
	return changes, remote.FormatCursor(last), nil
}

// Watch implements remote.Watcher with a change stream. It needs a
// replica set or sharded cluster.
func (c *Client) Watch(ctx context.Context) (<-chan struct{}, error) {
	pipeline := mongo.Pipeline{}
	if c.userID != "" {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{"fullDocument.user_id": c.userID}}})
	}
	stream, err := c.db.Collection(colTransactions).Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, classify("watch", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

func (c *Client) nextSeq(ctx context.Context) (int64, error) {
	var counter counterModel
	err := c.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": changeCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (c *Client) conflict(ctx context.Context, t *transaction.Transaction, expected int64) error {
	var m transactionModel
	err := c.db.Collection(colTransactions).FindOne(ctx, bson.M{"_id": t.ID.String()}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &ledgersync.RemoteConflict{Expected: expected}
	}
	if err != nil {
		return classify("push", err)
	}
	current, err := fromTransactionModel(&m)
	if err != nil {
		return err
	}
	return &ledgersync.RemoteConflict{Expected: expected, Current: current}
}

// classify turns a driver error into a transport fault. Rejected
// credentials are flagged so the engine re-authenticates before retrying.
func classify(op string, err error) error {
	var se mongo.ServerError
	unauthorized := errors.As(err, &se) &&
		(se.HasErrorCode(codeUnauthorized) || se.HasErrorCode(codeAuthenticationFailed))
	return &ledgersync.TransportFault{
		Op:           op,
		Unauthorized: unauthorized,
		Err:          fmt.Errorf("ledgersync/mongo: %s: %w", op, err),
	}
}

// migrationIndexes returns the index definitions for the ledger collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colTransactions: {
			{
				Keys:    bson.D{{Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
	}
}
