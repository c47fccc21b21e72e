// Package redis stores rule text in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/rulesift/rulesift/runtime"
)

// Config holds Redis rule store configuration.
type Config struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Rule text lives in a hash of id to text, with a second hash of text to id
// guarding uniqueness and a counter handing out ids. Both writes run as Lua
// scripts so the two hashes never disagree.
var (
	addScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], '') == 0 then
	return 0
end
local id = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[2], ARGV[1], id)
redis.call('HSET', KEYS[1], id, ARGV[1])
return id
`)

	updateScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if not old then
	return 0
end
local owner = redis.call('HGET', KEYS[2], ARGV[2])
if owner and owner ~= ARGV[1] then
	return -1
end
redis.call('HDEL', KEYS[2], old)
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
)

// RuleStore implements runtime.RuleStore on Redis.
type RuleStore struct {
	client *redis.Client
	keys   []string // rules hash, text index, id sequence
}

var _ runtime.RuleStore = (*RuleStore)(nil)

// NewRuleStore connects to Redis and checks the connection.
func NewRuleStore(ctx context.Context, config Config) (*RuleStore, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", config.Addr, err)
	}
	return NewRuleStoreWithClient(client, config.KeyPrefix), nil
}

// NewRuleStoreWithClient wraps an existing client. The store takes
// ownership of client.
func NewRuleStoreWithClient(client *redis.Client, prefix string) *RuleStore {
	if prefix == "" {
		prefix = "rulesift"
	}
	return &RuleStore{
		client: client,
		keys:   []string{prefix + ":rules", prefix + ":rule_index", prefix + ":rule_seq"},
	}
}

// Ping checks the connection.
func (s *RuleStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RuleStore) Close() error {
	return s.client.Close()
}

// AddRule stores text unless an identical rule exists.
func (s *RuleStore) AddRule(ctx context.Context, text string) (bool, error) {
	id, err := addScript.Run(ctx, s.client, s.keys, strings.TrimSpace(text)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis add rule: %w", err)
	}
	return id > 0, nil
}

// ListRules returns every rule in id order.
func (s *RuleStore) ListRules(ctx context.Context) ([]runtime.StoredRule, error) {
	all, err := s.client.HGetAll(ctx, s.keys[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list rules: %w", err)
	}

	rules := make([]runtime.StoredRule, 0, len(all))
	for rawID, text := range all {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis rule id %q: %w", rawID, err)
		}
		rules = append(rules, runtime.StoredRule{ID: id, Text: text})
	}
	slices.SortFunc(rules, func(a, b runtime.StoredRule) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return rules, nil
}

// UpdateRule replaces the text of rule id.
func (s *RuleStore) UpdateRule(ctx context.Context, id int64, text string) (bool, error) {
	res, err := updateScript.Run(ctx, s.client, s.keys[:2], strconv.FormatInt(id, 10), strings.TrimSpace(text)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis update rule %d: %w", id, err)
	}
	switch res {
	case -1:
		return false, runtime.ErrDuplicateRule
	case 0:
		return false, nil
	}
	return true, nil
}

// GetRule looks up a rule by id.
func (s *RuleStore) GetRule(ctx context.Context, id int64) (runtime.StoredRule, bool, error) {
	text, err := s.client.HGet(ctx, s.keys[0], strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return runtime.StoredRule{}, false, nil
	}
	if err != nil {
		return runtime.StoredRule{}, false, fmt.Errorf("redis get rule %d: %w", id, err)
	}
	return runtime.StoredRule{ID: id, Text: text}, true, nil
}
