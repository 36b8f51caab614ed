package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/wamp"
)

const testLease = 3 * time.Second

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client, newRedisBackend(client, RedisConfig{BlockWait: time.Second, LeaseTTL: testLease})
}

func openRedis(t *testing.T, b *RedisBackend) *RedisSession {
	t.Helper()
	s, err := b.Open(context.Background(), SessionOptions{Realm: "realm1"})
	if err != nil {
		t.Fatalf("打开会话失败: %v", err)
	}
	t.Cleanup(func() { _ = s.Leave(context.Background(), wamp.URICloseNormal) })
	return s.(*RedisSession)
}

// crash 模拟进程异常退出：后台协程停止，但不执行 Leave。
func crash(s *RedisSession) {
	s.life.cancel()
	s.life.wg.Wait()
}

func TestRedisCallRoundTrip(t *testing.T) {
	_, _, b := newTestRedis(t)
	callee, caller := openRedis(t, b), openRedis(t, b)
	ctx := context.Background()

	if _, err := callee.Register(ctx, "ns.time", echo("exact"), wamp.RegisterOptions{}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	res, err := caller.Call(ctx, "ns.time", nil, nil)
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if res.Args[0] != "exact" || res.Args[1] != "ns.time" {
		t.Fatalf("返回值异常: %v", res.Args)
	}
	if _, err := caller.Register(ctx, "ns.time", echo("dup"), wamp.RegisterOptions{}); !errors.Is(err, wamp.ErrProcedureAlreadyExists) {
		t.Fatalf("期望 procedure_already_exists, 实际 %v", err)
	}
}

func TestRedisClaimExpiresAfterCrash(t *testing.T) {
	mr, _, b := newTestRedis(t)
	ctx := context.Background()
	a := openRedis(t, b)
	if _, err := a.Register(ctx, "ns.time", echo("a"), wamp.RegisterOptions{}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	key := b.keys.lease("ns.time", wamp.MatchExact)
	if ttl := mr.TTL(key); ttl <= 0 || ttl > testLease {
		t.Fatalf("占用应带租约, 实际 TTL %v", ttl)
	}

	crash(a)
	mr.FastForward(24 * time.Hour)

	next := openRedis(t, b)
	if _, err := next.Register(ctx, "ns.time", echo("b"), wamp.RegisterOptions{}); err != nil {
		t.Fatalf("租约过期后应可重新注册: %v", err)
	}
	got, err := mr.Get(key)
	if err != nil || got != next.owner() {
		t.Fatalf("占用者应为新会话, 实际 %q (%v)", got, err)
	}
}

func TestRedisRefreshKeepsLease(t *testing.T) {
	mr, _, b := newTestRedis(t)
	ctx := context.Background()
	s := openRedis(t, b)
	if _, err := s.Register(ctx, "ns.time", echo("a"), wamp.RegisterOptions{}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if _, err := s.Register(ctx, "ns.clock", echo("a"), wamp.RegisterOptions{Match: wamp.MatchPrefix}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	exact := b.keys.lease("ns.time", wamp.MatchExact)
	prefix := b.keys.lease("ns.clock", wamp.MatchPrefix)

	mr.FastForward(testLease - time.Second)
	if held := s.refresh(ctx); held != 2 {
		t.Fatalf("期望续期 2 个租约, 实际 %d", held)
	}
	for _, key := range []string{exact, prefix} {
		if ttl := mr.TTL(key); ttl != testLease {
			t.Fatalf("%s 续期后 TTL 应为 %v, 实际 %v", key, testLease, ttl)
		}
	}

	// 租约被其他会话接管后不再续期。
	if err := mr.Set(exact, "someone-else"); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if held := s.refresh(ctx); held != 1 {
		t.Fatalf("期望只续期 1 个租约, 实际 %d", held)
	}
	if got, _ := mr.Get(exact); got != "someone-else" {
		t.Fatalf("不应覆盖他人的租约: %q", got)
	}
}

func TestRedisStalePatternIgnored(t *testing.T) {
	mr, _, b := newTestRedis(t)
	ctx := context.Background()
	a, caller := openRedis(t, b), openRedis(t, b)
	if _, err := a.Register(ctx, "com.app", echo("a"), wamp.RegisterOptions{Match: wamp.MatchPrefix}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	res, err := caller.Call(ctx, "com.app.x", nil, nil)
	if err != nil || res.Args[0] != "a" {
		t.Fatalf("调用应命中前缀注册: %v %v", res, err)
	}

	crash(a)
	mr.FastForward(testLease + time.Second)

	if _, err := caller.Call(ctx, "com.app.x", nil, nil); !errors.Is(err, wamp.ErrNoSuchProcedure) {
		t.Fatalf("过期的模式注册不应参与解析, 实际 %v", err)
	}
	if mr.Exists(b.keys.patterns()) {
		t.Fatalf("过期的索引条目应被清理")
	}

	next := openRedis(t, b)
	if _, err := next.Register(ctx, "com.app", echo("b"), wamp.RegisterOptions{Match: wamp.MatchPrefix}); err != nil {
		t.Fatalf("租约过期后应可重新注册: %v", err)
	}
	res, err = caller.Call(ctx, "com.app.y", nil, nil)
	if err != nil || res.Args[0] != "b" {
		t.Fatalf("调用应命中新的注册: %v %v", res, err)
	}
}

func TestRedisLeaveReleasesClaims(t *testing.T) {
	mr, _, b := newTestRedis(t)
	ctx := context.Background()
	s := openRedis(t, b)
	if _, err := s.Register(ctx, "ns.time", echo("a"), wamp.RegisterOptions{}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if _, err := s.Register(ctx, "ns..get", echo("a"), wamp.RegisterOptions{Match: wamp.MatchWildcard}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if err := s.Leave(ctx, wamp.URICloseNormal); err != nil {
		t.Fatalf("离开失败: %v", err)
	}
	for _, key := range []string{
		b.keys.lease("ns.time", wamp.MatchExact),
		b.keys.lease("ns..get", wamp.MatchWildcard),
		b.keys.patterns(),
	} {
		if mr.Exists(key) {
			t.Fatalf("离开后 %s 应被删除", key)
		}
	}
	if _, err := s.Register(ctx, "ns.other", echo("a"), wamp.RegisterOptions{}); !errors.Is(err, wamp.ErrSessionClosed) {
		t.Fatalf("期望 session closed, 实际 %v", err)
	}
}

func TestRedisClosedSessionRejectsBookkeeping(t *testing.T) {
	_, client, b := newTestRedis(t)
	s := openRedis(t, b)
	if err := s.Leave(context.Background(), wamp.URICloseNormal); err != nil {
		t.Fatalf("离开失败: %v", err)
	}
	if s.addRegistration(newID(), &redisRegistration{procedure: "ns.time", match: wamp.MatchExact}) {
		t.Fatalf("会话离开后不应再记录注册")
	}
	ps := client.Subscribe(context.Background(), b.keys.topic("ns.tick"))
	defer ps.Close()
	if s.addSubscription(newID(), ps) {
		t.Fatalf("会话离开后不应再记录订阅")
	}
	if len(s.regs) != 0 || len(s.subs) != 0 {
		t.Fatalf("离开后的会话不应持有注册或订阅: %d %d", len(s.regs), len(s.subs))
	}
}

func TestRedisTransportFailureCode(t *testing.T) {
	_, client, b := newTestRedis(t)
	s := openRedis(t, b)
	_ = client.Close()

	err := s.Publish(context.Background(), "ns.tick", nil, nil)
	if xerrors.CodeOf(err) != xerrors.CodeTransportFailure || !errors.Is(err, redis.ErrClosed) {
		t.Fatalf("期望 TRANSPORT_FAILURE, 实际 %v", err)
	}
	_, err = s.Register(context.Background(), "ns.time", echo("a"), wamp.RegisterOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeTransportFailure {
		t.Fatalf("期望 TRANSPORT_FAILURE, 实际 %v", err)
	}
}
