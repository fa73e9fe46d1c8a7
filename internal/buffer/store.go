package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/cache"
	"github.com/BaSui01/imageflow/internal/metrics"
	"github.com/BaSui01/imageflow/types"
)

// DefaultTTL 缓冲条目的默认存活时间，每次所有者读取时刷新。
const DefaultTTL = time.Hour

// Context 记录产生缓冲结果的编辑上下文。
type Context struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Action   string `json:"action"`
	Mode     string `json:"mode"`
}

// Entry 是一个未提交的编辑结果。字节保存在同级键中。
type Entry struct {
	Token     string    `json:"token"`
	Owner     string    `json:"owner"`
	ParentID  uint      `json:"parent_id"`
	MimeType  string    `json:"mime_type"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Context   Context   `json:"context"`
}

// 脚本返回的状态码
const (
	stateMissing = 0
	stateForeign = 1
	stateNoData  = 2
	stateOK      = 3
)

// readScript 校验所有者与字节键，刷新两个键的 TTL 并返回条目与字节。
var readScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then return {0} end
if owner ~= ARGV[1] then return {1} end
local data = redis.call('GET', KEYS[2])
if not data then
  redis.call('DEL', KEYS[1])
  return {2}
end
local entry = redis.call('HGET', KEYS[1], 'entry')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return {3, entry, data}
`)

// takeScript 与 readScript 相同的校验，成功后删除两个键。
var takeScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then return {0} end
if owner ~= ARGV[1] then return {1} end
local data = redis.call('GET', KEYS[2])
if not data then
  redis.call('DEL', KEYS[1])
  return {2}
end
local entry = redis.call('HGET', KEYS[1], 'entry')
redis.call('DEL', KEYS[1], KEYS[2])
return {3, entry, data}
`)

// Store 是基于 Redis 的编辑缓冲区。
// 状态机：created → (refreshed)* → committed | discarded | expired，终态不可逆。
type Store struct {
	cache   *cache.Manager
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewStore 创建缓冲区。ttl 为 0 时使用 DefaultTTL。
func NewStore(m *cache.Manager, ttl time.Duration, logger *zap.Logger, collector *metrics.Collector) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cache:   m,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "buffer")),
		metrics: collector,
		now:     time.Now,
	}
}

// TTL 返回条目存活时间。
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) metaKey(token string) string { return s.cache.Key("buffer", token) }
func (s *Store) dataKey(token string) string { return s.cache.Key("buffer", token, "data") }

// NewToken 生成 32 位十六进制令牌。
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func validToken(token string) bool {
	if len(token) != 32 {
		return false
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Put 保存新条目并分配令牌。
func (s *Store) Put(ctx context.Context, entry Entry, data []byte) (*Entry, error) {
	if entry.Owner == "" {
		return nil, types.NewError(types.ErrInvalidInput, "buffer owner is required")
	}
	if len(data) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "buffer data is empty")
	}
	entry.Token = NewToken()
	entry.CreatedAt = s.now().UTC()
	if err := s.write(ctx, &entry, data); err != nil {
		s.metrics.RecordBufferOperation("created", "error")
		return nil, err
	}
	s.metrics.RecordBufferOperation("created", "success")
	s.logger.Debug("buffer entry created",
		zap.String("token", entry.Token),
		zap.Uint("parent_id", entry.ParentID),
		zap.Int("bytes", len(data)))
	return &entry, nil
}

// Restore 以原令牌写回条目，用于提交失败后的回滚。
func (s *Store) Restore(ctx context.Context, entry Entry, data []byte) error {
	if !validToken(entry.Token) {
		return types.NewError(types.ErrInvalidInput, "buffer token is malformed")
	}
	if err := s.write(ctx, &entry, data); err != nil {
		s.metrics.RecordBufferOperation("restored", "error")
		return err
	}
	s.metrics.RecordBufferOperation("restored", "success")
	return nil
}

func (s *Store) write(ctx context.Context, entry *Entry, data []byte) error {
	entry.ExpiresAt = s.now().UTC().Add(s.ttl)
	raw, err := json.Marshal(entry)
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "encode buffer entry")
	}
	meta, blob := s.metaKey(entry.Token), s.dataKey(entry.Token)
	err = s.cache.Tx(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, meta, "owner", entry.Owner, "entry", string(raw))
		pipe.PExpire(ctx, meta, s.ttl)
		pipe.Set(ctx, blob, data, s.ttl)
		return nil
	})
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "write buffer entry")
	}
	return nil
}

// Read 返回条目与字节并刷新 TTL。缺失、过期或属于他人时返回 not-found。
func (s *Store) Read(ctx context.Context, owner, token string) (*Entry, []byte, error) {
	return s.run(ctx, readScript, "read", owner, token)
}

// Take 原子地取出并删除条目，用于提交与丢弃。
func (s *Store) Take(ctx context.Context, owner, token string) (*Entry, []byte, error) {
	return s.run(ctx, takeScript, "taken", owner, token)
}

func (s *Store) run(ctx context.Context, script *redis.Script, op, owner, token string) (*Entry, []byte, error) {
	if !validToken(token) || owner == "" {
		s.metrics.RecordBufferOperation(op, "not_found")
		return nil, nil, notFound(token)
	}
	res, err := s.cache.Eval(ctx, script, []string{s.metaKey(token), s.dataKey(token)}, owner, s.ttl.Milliseconds())
	if err != nil {
		s.metrics.RecordBufferOperation(op, "error")
		return nil, nil, types.Wrap(err, types.ErrStorage, "buffer "+op)
	}
	entry, data, err := s.decode(res)
	switch {
	case err == nil:
	case errors.Is(err, errMissing), errors.Is(err, errForeign), errors.Is(err, errNoData):
		if errors.Is(err, errForeign) {
			s.logger.Warn("buffer access by non-owner", zap.String("token", token), zap.String("user", owner))
		}
		s.metrics.RecordBufferOperation(op, "not_found")
		return nil, nil, notFound(token).WithCause(err)
	default:
		s.metrics.RecordBufferOperation(op, "error")
		return nil, nil, types.Wrap(err, types.ErrStorage, "buffer "+op)
	}
	if op == "read" {
		entry.ExpiresAt = s.now().UTC().Add(s.ttl)
	}
	s.metrics.RecordBufferOperation(op, "success")
	return entry, data, nil
}

var (
	errForeign = errors.New("buffer owned by another user")
	errNoData  = errors.New("buffer data expired")
	errMissing = errors.New("buffer missing")
)

func (s *Store) decode(res any) (*Entry, []byte, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) == 0 {
		return nil, nil, fmt.Errorf("unexpected script result %T", res)
	}
	state, _ := arr[0].(int64)
	switch state {
	case stateMissing:
		return nil, nil, errMissing
	case stateForeign:
		return nil, nil, errForeign
	case stateNoData:
		return nil, nil, errNoData
	case stateOK:
	default:
		return nil, nil, fmt.Errorf("unexpected script state %d", state)
	}
	if len(arr) != 3 {
		return nil, nil, fmt.Errorf("unexpected script result length %d", len(arr))
	}
	rawEntry, _ := arr[1].(string)
	rawData, _ := arr[2].(string)
	var entry Entry
	if err := json.Unmarshal([]byte(rawEntry), &entry); err != nil {
		return nil, nil, fmt.Errorf("decode buffer entry: %w", err)
	}
	return &entry, []byte(rawData), nil
}

func notFound(token string) *types.Error {
	return types.Errorf(types.ErrNotFound, "buffer %q not found", token)
}
