package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"WAMP-Orchestrator/examples/plugins/greeter"
	"WAMP-Orchestrator/examples/plugins/leaver"
	"WAMP-Orchestrator/examples/plugins/systemtime"
	"WAMP-Orchestrator/internal/broker"
	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/plugin"
)

type demoOptions struct {
	interval   time.Duration
	callDelay  time.Duration
	leaveAfter time.Duration
}

// demoPeer 是演示中的一个会话参与者。
type demoPeer struct {
	name    string
	prefix  string
	callee  string
	greeter *greeter.Greeter
	clock   *systemtime.SystemTime
	manager *plugin.Manager
}

func newDemoPeer(name, callee string, opts demoOptions) (*demoPeer, error) {
	p := &demoPeer{name: name, prefix: "namespace." + name, callee: "namespace." + callee}
	mgr, err := plugin.NewManager(plugin.ManagerConfig{}, plugin.WithManagerLogger(logger.Named("demo."+name)))
	if err != nil {
		return nil, err
	}
	p.manager = mgr
	p.greeter = greeter.New("greeter", name, p.prefix, opts.interval)
	p.clock = systemtime.New("systemtime", name, p.prefix, p.callee, opts.callDelay)
	for _, pl := range []plugin.Plugin{p.greeter, p.clock, leaver.New("leaver", opts.leaveAfter)} {
		if err := mgr.Register(pl, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// runDemo 在同一个进程内路由上启动 bob 与 alice，二者互相问候并查询对方时钟，
// 直到 leaver 让会话结束。
func runDemo(ctx context.Context, opts demoOptions) error {
	log := logger.Named("demo")
	router := broker.NewRouter()
	defer router.Close()

	bob, err := newDemoPeer("bob", "alice", opts)
	if err != nil {
		return err
	}
	alice, err := newDemoPeer("alice", "bob", opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range []*demoPeer{bob, alice} {
		g.Go(func() error {
			sessOpts := broker.SessionOptions{Realm: "realm1", AuthID: peer.name}
			session, err := router.Open(gctx, sessOpts)
			if err != nil {
				return err
			}
			if err := peer.manager.Join(gctx, session, broker.DetailsOf(session, sessOpts)); err != nil {
				log.Warn("插件未全部就绪", slog.String("peer", peer.name), slog.Any("error", err))
			}
			select {
			case <-session.Done():
			case <-gctx.Done():
			}
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return peer.manager.Close(closeCtx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, peer := range []*demoPeer{bob, alice} {
		fmt.Printf("%s 收到的问候: %v\n", peer.name, peer.greeter.Heard())
		if remote, ok := peer.clock.Remote(); ok {
			fmt.Printf("%s 获得 %s 的时钟: %s\n", peer.name, remote.CalleeName, remote.SystemTime)
		} else {
			fmt.Printf("%s 未获得对端时钟\n", peer.name)
		}
	}
	return nil
}
