package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xmod"
	"github.com/vmihailenco/msgpack/v5"
)

const StoreName = "redis"

func init() {
	if err := xmod.RegisterStore(StoreName, func(m map[string]any) (xmod.Store, error) {
		cfg, err := ConfigFromMap(m)
		if err != nil {
			return nil, err
		}
		return Open(context.Background(), cfg)
	}); err != nil {
		panic(fmt.Errorf("xmod/redisstore: failed to register store: %w", err))
	}
}

var (
	ErrClosed    = errors.New("redis store is closed")
	ErrDuplicate = errors.New("redis store: duplicate id")
)

type txKey struct{ s *Store }

// Store implements xmod.Store on Redis hashes and sorted sets.
type Store struct {
	client redis.UniversalClient
	owned  bool
	keys   keys
	module string
	closed atomic.Bool
}

var _ xmod.Store = (*Store)(nil)

type keys struct {
	outbox, unsent, sent, sentAt string
	inbox, received, processed   string
}

func newKeys(prefix, module string) keys {
	p := prefix + ":" + module
	return keys{
		outbox:    p + ":outbox",
		unsent:    p + ":outbox:unsent",
		sent:      p + ":outbox:sent",
		sentAt:    p + ":outbox:sent_at",
		inbox:     p + ":inbox",
		received:  p + ":inbox:received",
		processed: p + ":inbox:processed",
	}
}

// Open connects a client for cfg and returns a Store that closes it on Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := New(client, cfg.Prefix, cfg.Module)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close leaves the client open.
func New(client redis.UniversalClient, prefix, module string) *Store {
	module = strings.ToLower(module)
	return &Store{client: client, keys: newKeys(prefix, module), module: module}
}

func (s *Store) pipe(ctx context.Context) (redis.Pipeliner, bool) {
	p, ok := ctx.Value(txKey{s}).(redis.Pipeliner)
	return p, ok
}

// Execute queues every write made with the ctx passed to fn into one MULTI/EXEC and
// runs it when fn returns nil. Nested calls join the open pipeline.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := s.pipe(ctx); ok {
		return fn(ctx)
	}
	p := s.client.TxPipeline()
	if err := fn(context.WithValue(ctx, txKey{s}, p)); err != nil {
		p.Discard()
		return err
	}
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// write queues fn's commands into the caller's unit of work or runs them in a new one.
func (s *Store) write(ctx context.Context, fn func(p redis.Pipeliner)) error {
	return s.Execute(ctx, func(ctx context.Context) error {
		p, _ := s.pipe(ctx)
		fn(p)
		return nil
	})
}

func (s *Store) AddOutbox(ctx context.Context, msgs ...xmod.OutboxMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	blobs := make([][]byte, 0, len(msgs))
	seen := make(map[uuid.UUID]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			return fmt.Errorf("%w: outbox %s (%s)", ErrDuplicate, m.ID, s.module)
		}
		seen[m.ID] = true
		m.SentAt = nil
		b, err := msgpack.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode outbox %s: %w", m.ID, err)
		}
		ids = append(ids, m.ID.String())
		blobs = append(blobs, b)
	}

	exists, err := s.client.HMGet(ctx, s.keys.outbox, ids...).Result()
	if err != nil {
		return fmt.Errorf("check outbox: %w", err)
	}
	for i, v := range exists {
		if v != nil {
			return fmt.Errorf("%w: outbox %s (%s)", ErrDuplicate, ids[i], s.module)
		}
	}

	return s.write(ctx, func(p redis.Pipeliner) {
		for i, m := range msgs {
			p.HSet(ctx, s.keys.outbox, ids[i], blobs[i])
			p.ZAdd(ctx, s.keys.unsent, redis.Z{Score: micros(m.CreatedAt), Member: ids[i]})
		}
	})
}

func (s *Store) UnsentOutbox(ctx context.Context) ([]xmod.OutboxMessage, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := s.client.ZRange(ctx, s.keys.unsent, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list unsent outbox: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.keys.outbox, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	out := make([]xmod.OutboxMessage, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("outbox %s: row missing", ids[i])
		}
		var m xmod.OutboxMessage
		if err := msgpack.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode outbox %s: %w", ids[i], err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, nil
}

// markSent moves an unsent id to the sent set keeping its score. It runs at EXEC time,
// so it sees rows queued earlier in the same unit of work.
const markSent = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], score, ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return 1
`

func (s *Store) MarkOutboxSent(ctx context.Context, sentAt time.Time, ids ...uuid.UUID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	at := strconv.FormatInt(sentAt.UTC().UnixMicro(), 10)
	keys := []string{s.keys.unsent, s.keys.sent, s.keys.sentAt}
	return s.write(ctx, func(p redis.Pipeliner) {
		for _, id := range ids {
			p.Eval(ctx, markSent, keys, id.String(), at)
		}
	})
}

func (s *Store) DeleteSentOutbox(ctx context.Context, to time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	ids, err := s.client.ZRangeByScore(ctx, s.keys.sent, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(to.UTC().UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list sent outbox: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := toAny(ids)
	err = s.write(ctx, func(p redis.Pipeliner) {
		p.ZRem(ctx, s.keys.sent, members...)
		p.HDel(ctx, s.keys.outbox, ids...)
		p.HDel(ctx, s.keys.sentAt, ids...)
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Store) InboxProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	ok, err := s.client.HExists(ctx, s.keys.processed, id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("query inbox: %w", err)
	}
	return ok, nil
}

func (s *Store) AddInbox(ctx context.Context, msg xmod.InboxMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	msg.ProcessedAt = nil
	b, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode inbox %s: %w", msg.ID, err)
	}
	id := msg.ID.String()
	return s.write(ctx, func(p redis.Pipeliner) {
		p.HSetNX(ctx, s.keys.inbox, id, b)
		p.ZAddNX(ctx, s.keys.received, redis.Z{Score: micros(msg.ReceivedAt), Member: id})
	})
}

// markProcessed sets the processed mark of an existing inbox row.
const markProcessed = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`

// MarkInboxProcessed fails when the row does not exist. Inside a unit of work the row
// may still be queued, so the check moves to EXEC time and a missing row is a no-op.
func (s *Store) MarkInboxProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	keys := []string{s.keys.inbox, s.keys.processed}
	at := strconv.FormatInt(processedAt.UTC().UnixMicro(), 10)
	if p, ok := s.pipe(ctx); ok {
		p.Eval(ctx, markProcessed, keys, id.String(), at)
		return nil
	}
	n, err := s.client.Eval(ctx, markProcessed, keys, id.String(), at).Int()
	if err != nil {
		return fmt.Errorf("mark inbox %s processed: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("redis store: inbox %s not found (%s)", id, s.module)
	}
	return nil
}

func (s *Store) DeleteInbox(ctx context.Context, to time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	ids, err := s.client.ZRangeByScore(ctx, s.keys.received, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(to.UTC().UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list inbox: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := toAny(ids)
	err = s.write(ctx, func(p redis.Pipeliner) {
		p.ZRem(ctx, s.keys.received, members...)
		p.HDel(ctx, s.keys.inbox, ids...)
		p.HDel(ctx, s.keys.processed, ids...)
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close closes the client when the Store opened it. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) || !s.owned {
		return nil
	}
	return s.client.Close()
}

// applyURL fills the connection fields from a redis:// URL or a bare host:port.
func (c *Config) applyURL(dsn string) error {
	if !strings.Contains(dsn, "://") {
		c.Addr = dsn
		return nil
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return fmt.Errorf("config: parse dsn: %w", err)
	}
	c.Addr = opts.Addr
	c.Username = opts.Username
	c.Password = opts.Password
	c.DB = opts.DB
	if opts.TLSConfig != nil {
		c.TLS = true
		c.TLSServerName = opts.TLSConfig.ServerName
	}
	return nil
}

// micros is exact as a float64 score for any date before the year 2255.
func micros(t time.Time) float64 { return float64(t.UTC().UnixMicro()) }

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
