package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

// main 是 wampd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("wampd 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "wampd",
		Usage: "将插件组合进 WAMP 会话的编排守护进程",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "按配置文件加载插件并加入会话",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "YAML 配置文件路径",
						EnvVars: []string{"WAMPD_CONFIG"},
						Value:   "configs/wampd.yaml",
					},
					&cli.DurationFlag{
						Name:  "rejoin-delay",
						Usage: "会话结束后重新加入前的等待时间，0 表示不重新加入",
						Value: 2 * time.Second,
					},
				},
				Action: func(c *cli.Context) error {
					return runDaemon(c.Context, c.String("config"), c.Duration("rejoin-delay"))
				},
			},
			{
				Name:  "demo",
				Usage: "在进程内路由上运行 bob 与 alice 两个会话",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "interval", Usage: "问候间隔", Value: time.Second},
					&cli.DurationFlag{Name: "call-delay", Usage: "就绪后调用对端的延迟", Value: 2 * time.Second},
					&cli.DurationFlag{Name: "leave-after", Usage: "就绪后离开会话的延迟", Value: 5 * time.Second},
				},
				Action: func(c *cli.Context) error {
					return runDemo(c.Context, demoOptions{
						interval:   c.Duration("interval"),
						callDelay:  c.Duration("call-delay"),
						leaveAfter: c.Duration("leave-after"),
					})
				},
			},
			{
				Name:  "plugins",
				Usage: "列出内置插件工厂",
				Action: func(c *cli.Context) error {
					return listFactories(c.App.Writer)
				},
			},
		},
	}
}
