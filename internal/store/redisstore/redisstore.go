// Package redisstore implements store.Adapter as a document store on Redis.
//
// Each record is a JSON document. belongsToMany links live in sets keyed by
// join table so both sides of a relationship read the same links, and
// unique fields are guarded by per-column hash indexes claimed with HSETNX.
// Read-modify-write paths run as WATCH transactions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Adapter struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

var _ store.Adapter = (*Adapter)(nil)

// conn is satisfied by both *redis.Client and a watched *redis.Tx.
type conn interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// maxTxAttempts bounds how often a WATCH transaction is retried after a
// concurrent write touched one of its keys.
const maxTxAttempts = 100

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, cfg.Prefix, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, logger *zap.Logger) *Adapter {
	if prefix == "" {
		prefix = "resources"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{client: client, prefix: prefix, log: logger.Named("redis")}
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) docKey(res *metadata.Resource, id any) string {
	return fmt.Sprintf("%s:%s:%s", a.prefix, res.Table, store.IDString(id))
}

func (a *Adapter) idsKey(res *metadata.Resource) string {
	return fmt.Sprintf("%s:%s:ids", a.prefix, res.Table)
}

func (a *Adapter) seqKey(res *metadata.Resource) string {
	return fmt.Sprintf("%s:%s:seq", a.prefix, res.Table)
}

func (a *Adapter) uniqueKey(res *metadata.Resource, column string) string {
	return fmt.Sprintf("%s:%s:unique:%s", a.prefix, res.Table, column)
}

// linkKey holds the ids linked to one record through a join table, seen
// from the side whose join column is key.
func (a *Adapter) linkKey(joinTable, key string, id any) string {
	return fmt.Sprintf("%s:%s:%s:%s", a.prefix, joinTable, key, store.IDString(id))
}

// joinsKey lists the join tables a resource takes part in, so deletes can
// drop links even when the inverse field is not declared.
func (a *Adapter) joinsKey(res *metadata.Resource) string {
	return fmt.Sprintf("%s:%s:joins", a.prefix, res.Table)
}

// joinSpec encodes a join table with the own and other join columns.
type joinSpec struct {
	table, own, other string
}

func (j joinSpec) String() string { return j.table + "|" + j.own + "|" + j.other }

func parseJoinSpec(s string) (joinSpec, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return joinSpec{}, false
	}
	return joinSpec{table: parts[0], own: parts[1], other: parts[2]}, true
}

// watch runs fn as an optimistic transaction over keys, retrying while a
// concurrent writer invalidates it.
func (a *Adapter) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := a.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		a.log.Debug("watched keys changed, retrying", zap.Strings("keys", keys), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("transaction on %v: %w", keys, redis.TxFailedErr)
}

func (a *Adapter) load(ctx context.Context, res *metadata.Resource, id any) (store.Record, error) {
	return a.read(ctx, a.client, res, id)
}

func (a *Adapter) read(ctx context.Context, c conn, res *metadata.Resource, id any) (store.Record, error) {
	data, err := c.Get(ctx, a.docKey(res, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", res.Table, err)
	}
	return decode(res, data)
}

// loadAll reads every document of a resource in insertion order.
func (a *Adapter) loadAll(ctx context.Context, res *metadata.Resource) ([]store.Record, error) {
	ids, err := a.client.ZRange(ctx, a.idsKey(res), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", res.Table, err)
	}
	return a.loadMany(ctx, res, ids)
}

func (a *Adapter) loadMany(ctx context.Context, res *metadata.Resource, ids []string) ([]store.Record, error) {
	if len(ids) == 0 {
		return []store.Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.docKey(res, id)
	}
	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s: %w", res.Table, err)
	}

	out := make([]store.Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // deleted between ZRANGE and MGET, or never existed
		}
		rec, err := decode(res, []byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) save(ctx context.Context, c conn, res *metadata.Resource, rec store.Record, score float64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", res.Table, err)
	}
	id := rec[res.PrimaryKey]
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.docKey(res, id), data, 0)
		if score > 0 {
			pipe.ZAdd(ctx, a.idsKey(res), redis.Z{Score: score, Member: store.IDString(id)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", res.Table, err)
	}
	a.log.Debug("saved", zap.String("table", res.Table), zap.String("id", store.IDString(id)))
	return nil
}

// claimUnique reserves every unique value of rec for id. On a collision the
// values claimed so far are released and ErrUniqueViolation is returned.
func (a *Adapter) claimUnique(ctx context.Context, res *metadata.Resource, id any, rec store.Record, only map[string]bool) error {
	var claimed []string
	release := func() {
		for _, col := range claimed {
			a.client.HDel(ctx, a.uniqueKey(res, col), uniqueValue(rec[col]))
		}
	}

	for _, f := range res.Fields {
		if !f.IsColumn() || !f.IsUnique() {
			continue
		}
		if only != nil && !only[f.DatabaseField] {
			continue
		}
		v, ok := rec[f.DatabaseField]
		if !ok || v == nil {
			continue
		}
		key := a.uniqueKey(res, f.DatabaseField)
		ok, err := a.client.HSetNX(ctx, key, uniqueValue(v), store.IDString(id)).Result()
		if err != nil {
			release()
			return fmt.Errorf("claim unique %s.%s: %w", res.Table, f.DatabaseField, err)
		}
		if !ok {
			owner, err := a.client.HGet(ctx, key, uniqueValue(v)).Result()
			if err == nil && owner == store.IDString(id) {
				continue
			}
			release()
			return fmt.Errorf("%w: %s.%s", store.ErrUniqueViolation, res.Table, f.DatabaseField)
		}
		claimed = append(claimed, f.DatabaseField)
	}
	return nil
}

func (a *Adapter) releaseUnique(ctx context.Context, res *metadata.Resource, rec store.Record, only map[string]bool) {
	for _, f := range res.Fields {
		if !f.IsColumn() || !f.IsUnique() {
			continue
		}
		if only != nil && !only[f.DatabaseField] {
			continue
		}
		if v := rec[f.DatabaseField]; v != nil {
			a.client.HDel(ctx, a.uniqueKey(res, f.DatabaseField), uniqueValue(v))
		}
	}
}

func (a *Adapter) nextID(ctx context.Context, res *metadata.Resource) (any, float64, error) {
	seq, err := a.client.Incr(ctx, a.seqKey(res)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("next %s id: %w", res.Table, err)
	}
	if res.KeyType == metadata.KeyUUID {
		return uuid.NewString(), float64(seq), nil
	}
	return seq, float64(seq), nil
}

func uniqueValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return store.IDString(v)
}

// decode parses a document and restores integer typing lost by JSON.
func decode(res *metadata.Resource, data []byte) (store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", res.Table, err)
	}
	if res.KeyType == metadata.KeyInt {
		rec[res.PrimaryKey] = toInt64(rec[res.PrimaryKey])
	}
	for _, f := range res.Fields {
		v, ok := rec[f.DatabaseField]
		if !ok || v == nil {
			continue
		}
		if f.Type == metadata.TypeInteger || f.Type == metadata.TypeBelongsTo {
			rec[f.DatabaseField] = toInt64(v)
		}
	}
	return rec, nil
}

func toInt64(v any) any {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return v
}
