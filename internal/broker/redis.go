package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/wamp"
)

// RedisConfig 描述 Redis 后端的连接参数。
type RedisConfig struct {
	Address     string        `yaml:"address" env:"ADDRESS"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	DB          int           `yaml:"db" env:"DB"`
	Prefix      string        `yaml:"prefix" env:"PREFIX"`
	BlockWait   time.Duration `yaml:"blockWait" env:"BLOCK_WAIT"`
	CallTimeout time.Duration `yaml:"callTimeout" env:"CALL_TIMEOUT"`
	LeaseTTL    time.Duration `yaml:"leaseTTL" env:"LEASE_TTL"`
}

// 过程占用的默认租约与下限；会话存活期间每 1/3 租约续期一次。
const (
	defaultLeaseTTL = 15 * time.Second
	minLeaseTTL     = time.Second
)

// RedisBackend 使用 Redis 实现会话：PUBLISH/PSUBSCRIBE 承载事件，
// 带租约的 SET NX 占用过程名，list 承载调用与回复。
type RedisBackend struct {
	client      *redis.Client
	keys        redisKeys
	wait        time.Duration
	callTimeout time.Duration
	lease       time.Duration
	logger      *slog.Logger
}

// NewRedisBackend 创建 Redis 后端并检查连通性。
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, transportError(err, "连接 Redis 失败")
	}
	return newRedisBackend(client, cfg), nil
}

func newRedisBackend(client *redis.Client, cfg RedisConfig) *RedisBackend {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "wampd"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	lease := cfg.LeaseTTL
	if lease <= 0 {
		lease = defaultLeaseTTL
	}
	lease = max(lease, minLeaseTTL)
	return &RedisBackend{
		client:      client,
		keys:        redisKeys{prefix: prefix},
		wait:        wait,
		callTimeout: callTimeout,
		lease:       lease,
		logger:      logger.Named("broker.redis"),
	}
}

// Open 创建新会话。
func (b *RedisBackend) Open(ctx context.Context, opts SessionOptions) (wamp.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &RedisSession{
		id:      newID(),
		backend: b,
		opts:    opts,
		life:    newLifecycle(),
		regs:    make(map[wamp.ID]*redisRegistration),
		subs:    make(map[wamp.ID]*redis.PubSub),
	}
	s.life.goSafe(s.keepalive)
	b.logger.Info("会话已建立", slog.Uint64("session", uint64(s.id)), slog.String("realm", opts.Realm))
	return s, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

// redisKeys 集中管理键名。
type redisKeys struct{ prefix string }

// lease 是注册的租约键，值为持有会话，带 TTL。
func (k redisKeys) lease(procedure string, match wamp.Match) string {
	if match.OrExact() == wamp.MatchExact {
		return k.prefix + ":proc:" + procedure
	}
	return k.prefix + ":plock:" + patternField(procedure, match)
}

// patterns 是 prefix/wildcard 注册的索引 hash，field 为 "<match>:<uri>"，
// 值为登记时的持有会话；租约失效的条目在解析调用时被清理。
func (k redisKeys) patterns() string {
	return k.prefix + ":patterns"
}

func (k redisKeys) calls(procedure string, match wamp.Match) string {
	return k.prefix + ":calls:" + string(match.OrExact()) + ":" + procedure
}

func (k redisKeys) reply(callID string) string {
	return k.prefix + ":reply:" + callID
}

func (k redisKeys) topic(topic string) string {
	return k.prefix + ":topic:" + topic
}

// subscription 返回订阅使用的频道或模式，以及是否需要 PSUBSCRIBE。
// Redis glob 的 * 会跨越分段，投递前仍需用 MatchURI 过滤。
func (k redisKeys) subscription(topic string, match wamp.Match) (string, bool) {
	switch match.OrExact() {
	case wamp.MatchPrefix:
		return k.topic(globEscape(topic)) + "*", true
	case wamp.MatchWildcard:
		segments := strings.Split(topic, ".")
		for i, seg := range segments {
			if seg == "" {
				segments[i] = "*"
			} else {
				segments[i] = globEscape(seg)
			}
		}
		return k.topic(strings.Join(segments, ".")), true
	default:
		return k.topic(topic), false
	}
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func patternField(procedure string, match wamp.Match) string {
	return string(match.OrExact()) + ":" + procedure
}

func parsePatternField(field string) (wamp.Pattern, bool) {
	match, uri, ok := strings.Cut(field, ":")
	if !ok || uri == "" {
		return wamp.Pattern{}, false
	}
	return wamp.Pattern{URI: uri, Match: wamp.Match(match)}, true
}

func sortPatterns(patterns []wamp.Pattern) {
	slices.SortFunc(patterns, func(a, b wamp.Pattern) int {
		if c := strings.Compare(string(a.Match), string(b.Match)); c != 0 {
			return c
		}
		return strings.Compare(a.URI, b.URI)
	})
}

// releaseScript 只在持有者仍是本会话时删除键。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var releasePatternScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0`)

// refreshScript 只在持有者仍是本会话时续期租约。
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

type redisRegistration struct {
	procedure string
	match     wamp.Match
}

// RedisSession 是 Redis 后端上的一个会话。
type RedisSession struct {
	id      wamp.ID
	backend *RedisBackend
	opts    SessionOptions
	life    *lifecycle

	mu   sync.Mutex
	regs map[wamp.ID]*redisRegistration
	subs map[wamp.ID]*redis.PubSub
}

// ID 返回会话 ID。
func (s *RedisSession) ID() wamp.ID { return s.id }

// Details 返回会话详情。
func (s *RedisSession) Details() wamp.Details { return DetailsOf(s, s.opts) }

func (s *RedisSession) owner() string { return strconv.FormatUint(uint64(s.id), 10) }

// Subscribe 订阅主题；非精确匹配使用 PSUBSCRIBE。
func (s *RedisSession) Subscribe(ctx context.Context, topic string, handler wamp.EventHandler, opts wamp.SubscribeOptions) (*wamp.Subscription, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	match := opts.Match.OrExact()
	if err := wamp.ValidateURI(topic, match); err != nil {
		return nil, err
	}
	channel, pattern := s.backend.keys.subscription(topic, match)
	var ps *redis.PubSub
	if pattern {
		ps = s.backend.client.PSubscribe(ctx, channel)
	} else {
		ps = s.backend.client.Subscribe(ctx, channel)
	}
	// 等待订阅确认，保证返回后不会丢失事件。
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, transportError(err, "Redis 订阅失败")
	}

	id := newID()
	if !s.addSubscription(id, ps) {
		_ = ps.Close()
		return nil, wamp.ErrSessionClosed
	}

	s.life.goSafe(func() { s.deliver(id, topic, match, ps, handler) })
	return &wamp.Subscription{ID: id, Topic: topic, Match: match}, nil
}

func (s *RedisSession) deliver(id wamp.ID, topic string, match wamp.Match, ps *redis.PubSub, handler wamp.EventHandler) {
	msgs := ps.Channel()
	for {
		select {
		case <-s.life.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				s.backend.logger.Warn("丢弃无法解码的事件", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			if env.Publisher == s.id || !wamp.MatchURI(topic, match, env.Topic) {
				continue
			}
			dispatch(s.life.ctx, handler, env.event(id))
		}
	}
}

// addSubscription 记录订阅；会话已离开时返回 false，由调用方关闭订阅。
func (s *RedisSession) addSubscription(id wamp.ID, ps *redis.PubSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life.closed() {
		return false
	}
	s.subs[id] = ps
	return true
}

// addRegistration 记录注册；会话已离开时返回 false，由调用方释放占用。
func (s *RedisSession) addRegistration(id wamp.ID, reg *redisRegistration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life.closed() {
		return false
	}
	s.regs[id] = reg
	return true
}

// Register 注册过程。占用以 SET NX PX 写入租约键，会话存活期间由 keepalive
// 续期，进程异常退出后租约自然过期；prefix/wildcard 注册另写入索引 hash。
func (s *RedisSession) Register(ctx context.Context, procedure string, handler wamp.InvocationHandler, opts wamp.RegisterOptions) (*wamp.Registration, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	match := opts.Match.OrExact()
	if err := wamp.ValidateURI(procedure, match); err != nil {
		return nil, err
	}
	claimed, err := s.claim(ctx, procedure, match)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", wamp.ErrProcedureAlreadyExists, procedure)
	}

	id := newID()
	reg := &redisRegistration{procedure: procedure, match: match}
	if !s.addRegistration(id, reg) {
		_ = s.release(context.WithoutCancel(ctx), reg)
		return nil, wamp.ErrSessionClosed
	}

	queue := s.backend.keys.calls(procedure, match)
	s.life.goSafe(func() { s.serve(id, queue, handler) })
	return &wamp.Registration{ID: id, Procedure: procedure, Match: match}, nil
}

func (s *RedisSession) claim(ctx context.Context, procedure string, match wamp.Match) (bool, error) {
	client := s.backend.client
	keys := s.backend.keys
	claimed, err := client.SetNX(ctx, keys.lease(procedure, match), s.owner(), s.backend.lease).Result()
	if err != nil {
		return false, transportError(err, "Redis 注册过程失败")
	}
	if !claimed || match == wamp.MatchExact {
		return claimed, nil
	}
	// 索引中可能残留已过期持有者的条目，直接覆盖。
	if err := client.HSet(ctx, keys.patterns(), patternField(procedure, match), s.owner()).Err(); err != nil {
		_ = releaseScript.Run(context.WithoutCancel(ctx), client, []string{keys.lease(procedure, match)}, s.owner()).Err()
		return false, transportError(err, "Redis 注册过程失败")
	}
	return true, nil
}

// release 删除本会话持有的租约与索引条目。
func (s *RedisSession) release(ctx context.Context, reg *redisRegistration) error {
	client := s.backend.client
	keys := s.backend.keys
	if err := releaseScript.Run(ctx, client, []string{keys.lease(reg.procedure, reg.match)}, s.owner()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if reg.match == wamp.MatchExact {
		return nil
	}
	err := releasePatternScript.Run(ctx, client, []string{keys.patterns()}, patternField(reg.procedure, reg.match), s.owner()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// keepalive 周期性续期本会话持有的全部租约，直到会话结束。
func (s *RedisSession) keepalive() {
	ticker := time.NewTicker(s.backend.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.life.ctx.Done():
			return
		case <-ticker.C:
			s.refresh(s.life.ctx)
		}
	}
}

// refresh 续期一次租约；返回仍由本会话持有的注册数。
func (s *RedisSession) refresh(ctx context.Context) int {
	s.mu.Lock()
	regs := make([]*redisRegistration, 0, len(s.regs))
	for _, reg := range s.regs {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	held := 0
	ttl := s.backend.lease.Milliseconds()
	for _, reg := range regs {
		key := s.backend.keys.lease(reg.procedure, reg.match)
		n, err := refreshScript.Run(ctx, s.backend.client, []string{key}, s.owner(), ttl).Int()
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return held
			}
			s.backend.logger.Error("Redis 续期租约失败", slog.String("key", key), slog.Any("error", err))
		case n == 0:
			s.backend.logger.Warn("Redis 租约已丢失", slog.String("key", key), slog.Uint64("session", uint64(s.id)))
		default:
			held++
		}
	}
	return held
}

// serve 通过 BRPOP 消费调用队列，并把结果写回调用方的回复键。
func (s *RedisSession) serve(id wamp.ID, queue string, handler wamp.InvocationHandler) {
	client := s.backend.client
	for {
		values, err := client.BRPop(s.life.ctx, s.backend.wait, queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if s.life.closed() || errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.backend.logger.Error("Redis 取调用失败", slog.String("queue", queue), slog.Any("error", err))
			select {
			case <-s.life.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(values) != 2 {
			continue
		}
		env, err := decode([]byte(values[1]))
		if err != nil || env.ReplyTo == "" {
			s.backend.logger.Warn("丢弃无法处理的调用", slog.String("queue", queue), slog.Any("error", err))
			continue
		}
		res, callErr := invoke(s.life.ctx, handler, env.invocation(id))
		raw, err := encode(replyOf(env.CallID, res, callErr))
		if err != nil {
			raw, _ = encode(replyOf(env.CallID, nil, err))
		}
		pipe := client.TxPipeline()
		pipe.LPush(s.life.ctx, env.ReplyTo, raw)
		pipe.Expire(s.life.ctx, env.ReplyTo, s.backend.callTimeout)
		if _, err := pipe.Exec(s.life.ctx); err != nil {
			s.backend.logger.Error("Redis 写回调用结果失败", slog.String("call_id", env.CallID), slog.Any("error", err))
		}
	}
}

// resolve 找到调用应投递的队列：先精确注册，再按优先级选择模式注册。
func (s *RedisSession) resolve(ctx context.Context, procedure string) (string, error) {
	client := s.backend.client
	keys := s.backend.keys
	n, err := client.Exists(ctx, keys.lease(procedure, wamp.MatchExact)).Result()
	if err != nil {
		return "", transportError(err, "Redis 查询过程失败")
	}
	if n > 0 {
		return keys.calls(procedure, wamp.MatchExact), nil
	}
	patterns, err := s.livePatterns(ctx)
	if err != nil {
		return "", err
	}
	// HGETALL 无序，按字典序固定平局时的选择。
	sortPatterns(patterns)
	idx := wamp.BestMatch(patterns, procedure)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", wamp.ErrNoSuchProcedure, procedure)
	}
	return s.backend.keys.calls(patterns[idx].URI, patterns[idx].Match), nil
}

// livePatterns 返回租约仍有效的模式注册，并清理持有者已失效的索引条目。
func (s *RedisSession) livePatterns(ctx context.Context) ([]wamp.Pattern, error) {
	client := s.backend.client
	keys := s.backend.keys
	entries, err := client.HGetAll(ctx, keys.patterns()).Result()
	if err != nil {
		return nil, transportError(err, "Redis 查询过程失败")
	}
	if len(entries) == 0 {
		return nil, nil
	}
	var (
		candidates []wamp.Pattern
		owners     []string
		leaseKeys  []string
	)
	for field, owner := range entries {
		p, ok := parsePatternField(field)
		if !ok {
			continue
		}
		candidates = append(candidates, p)
		owners = append(owners, owner)
		leaseKeys = append(leaseKeys, keys.lease(p.URI, p.Match))
	}
	if len(leaseKeys) == 0 {
		return nil, nil
	}
	holders, err := client.MGet(ctx, leaseKeys...).Result()
	if err != nil {
		return nil, transportError(err, "Redis 查询过程失败")
	}
	live := make([]wamp.Pattern, 0, len(candidates))
	for i, holder := range holders {
		if h, ok := holder.(string); ok && h == owners[i] {
			live = append(live, candidates[i])
			continue
		}
		field := patternField(candidates[i].URI, candidates[i].Match)
		if err := releasePatternScript.Run(ctx, client, []string{keys.patterns()}, field, owners[i]).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.backend.logger.Warn("清理过期模式注册失败", slog.String("field", field), slog.Any("error", err))
		}
	}
	return live, nil
}

// Call 投递调用并阻塞等待回复。
func (s *RedisSession) Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) (*wamp.Result, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	if err := wamp.ValidateURI(procedure, wamp.MatchExact); err != nil {
		return nil, err
	}
	queue, err := s.resolve(ctx, procedure)
	if err != nil {
		return nil, err
	}
	callID := uuid.NewString()
	replyKey := s.backend.keys.reply(callID)
	raw, err := encode(envelope{Procedure: procedure, CallID: callID, ReplyTo: replyKey, Caller: s.id, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	client := s.backend.client
	if err := client.LPush(ctx, queue, raw).Err(); err != nil {
		return nil, transportError(err, "Redis 投递调用失败")
	}

	values, err := client.BRPop(ctx, s.backend.callTimeout, replyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &wamp.RPCError{URI: wamp.URICanceled, Args: []any{"call timed out"}}
		}
		return nil, transportError(err, "Redis 等待调用结果失败")
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("Redis 返回了异常的回复: %v", values)
	}
	env, err := decode([]byte(values[1]))
	if err != nil {
		return nil, err
	}
	return env.result()
}

// Publish 发布事件。
func (s *RedisSession) Publish(ctx context.Context, topic string, args []any, kwargs map[string]any) error {
	if err := s.life.check(); err != nil {
		return err
	}
	if err := wamp.ValidateURI(topic, wamp.MatchExact); err != nil {
		return err
	}
	raw, err := encode(envelope{Topic: topic, Publisher: s.id, Publication: newID(), Args: args, Kwargs: kwargs})
	if err != nil {
		return err
	}
	if err := s.backend.client.Publish(ctx, s.backend.keys.topic(topic), raw).Err(); err != nil {
		return transportError(err, "Redis 发布事件失败")
	}
	return nil
}

// Leave 释放本会话持有的过程名并关闭订阅。
func (s *RedisSession) Leave(ctx context.Context, reason string) error {
	if !s.life.close() {
		return nil
	}
	s.mu.Lock()
	regs := s.regs
	subs := s.subs
	s.regs = map[wamp.ID]*redisRegistration{}
	s.subs = map[wamp.ID]*redis.PubSub{}
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, reg := range regs {
		if err := s.release(ctx, reg); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ps := range subs {
		_ = ps.Close()
	}
	s.backend.logger.Info("会话已离开", slog.Uint64("session", uint64(s.id)), slog.String("reason", reason))
	if len(errs) > 0 {
		return fmt.Errorf("Redis 释放过程失败: %w", errors.Join(errs...))
	}
	return nil
}

// Done 在会话结束后关闭。
func (s *RedisSession) Done() <-chan struct{} { return s.life.done }
