// Package broker 提供 wamp.Session 的具体实现：进程内路由、Redis 与 RabbitMQ。
// 三种后端都不实现 WAMP 线协议，只提供插件编排所需的发布订阅与远程调用语义。
package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/wamp"
)

// SessionOptions 描述打开会话时的身份信息。
type SessionOptions struct {
	Realm    string
	AuthID   string
	AuthRole string
}

// Backend 负责为插件管理器打开会话。
type Backend interface {
	Open(ctx context.Context, opts SessionOptions) (wamp.Session, error)
	Close() error
}

// DetailsOf 组装插件 OnJoin 收到的会话详情。
func DetailsOf(s wamp.Session, opts SessionOptions) wamp.Details {
	return wamp.Details{Session: s.ID(), Realm: opts.Realm, AuthID: opts.AuthID, AuthRole: opts.AuthRole}
}

// maxID 为 WAMP 规定的 ID 上限 2^53。
const maxID = 1 << 53

// newID 基于 UUID 生成跨进程唯一的 WAMP ID。
func newID() wamp.ID {
	u := uuid.New()
	id := binary.BigEndian.Uint64(u[:8]) % maxID
	if id == 0 {
		id = 1
	}
	return wamp.ID(id)
}

// 远程后端默认的调用超时。
const defaultCallTimeout = 30 * time.Second

var errBackendClosed = errors.New("broker 已关闭")

// transportError 把 Redis/RabbitMQ 连接层的失败标记为 TRANSPORT_FAILURE，原始错误仍可通过 errors.Is 识别。
func transportError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeTransportFailure, err, message)
}

// lifecycle 管理会话的关闭信号与后台协程。
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	wg     sync.WaitGroup
}

func newLifecycle() *lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &lifecycle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// close 只执行一次；返回 false 表示会话早已关闭。
func (l *lifecycle) close() bool {
	closed := false
	l.once.Do(func() {
		l.cancel()
		close(l.done)
		closed = true
	})
	return closed
}

func (l *lifecycle) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *lifecycle) check() error {
	if l.closed() {
		return wamp.ErrSessionClosed
	}
	return nil
}

// goSafe 在会话生命周期内启动协程，并吞掉处理函数的 panic。
func (l *lifecycle) goSafe(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { _ = recover() }()
		fn()
	}()
}

// dispatch 投递单个事件，处理函数的 panic 不影响后续事件。
func dispatch(ctx context.Context, handler wamp.EventHandler, ev *wamp.Event) {
	defer func() { _ = recover() }()
	handler(ctx, ev)
}

// invoke 执行被调用方处理函数，把 panic 与错误转换为 RPCError。
func invoke(ctx context.Context, handler wamp.InvocationHandler, inv *wamp.Invocation) (res *wamp.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, &wamp.RPCError{URI: wamp.URIRuntimeError, Args: []any{fmt.Sprintf("panic: %v", rec)}}
		}
	}()
	res, err = handler(ctx, inv)
	if err != nil {
		return nil, wamp.AsRPCError(err)
	}
	if res == nil {
		res = &wamp.Result{}
	}
	return res, nil
}
