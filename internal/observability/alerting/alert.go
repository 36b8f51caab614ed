// Package alerting 把插件未就绪等事件分发到日志与会话主题等通知渠道。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/wamp"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelTopic Channel = "topic"
)

// DefaultTopic 是未就绪事件默认发布到的主题。
const DefaultTopic = "wampd.plugin.not_ready"

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Alert      bool
	Plugin     string
	Session    wamp.ID
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EventFromError 根据错误码属性组装告警事件。
func EventFromError(plugin string, session wamp.ID, err error) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Alert:      xerrors.ShouldAlert(err),
		Plugin:     plugin,
		Session:    session,
		OccurredAt: time.Now(),
	}
	if coded, ok := xerrors.From(err); ok {
		event.Metadata = coded.Metadata()
	}
	return event
}

// NotReadyHandler 返回可交给插件管理器的未就绪回调，分发失败只记录日志。
func NotReadyHandler(d Dispatcher) func(ctx context.Context, plugin string, session wamp.ID, err error) {
	log := logger.Named("alerting")
	return func(ctx context.Context, plugin string, session wamp.ID, err error) {
		if err == nil {
			return
		}
		if notifyErr := d.Notify(ctx, EventFromError(plugin, session, err)); notifyErr != nil {
			log.Warn("告警分发失败", slog.String("plugin", plugin), slog.Any("error", notifyErr))
		}
	}
}

// LogNotifier 把事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录事件。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.Bool("alert", event.Alert),
		slog.String("plugin", event.Plugin),
		slog.Uint64("session", uint64(event.Session)),
		slog.String("message", event.Message),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	log.WarnContext(ctx, "插件未就绪", attrs...)
	return nil
}

// SessionSource 提供当前加入的会话，未加入时返回 nil。
type SessionSource interface {
	Session() wamp.Session
}

// TopicNotifier 在当前会话上发布告警事件，供其他订阅者感知插件故障。
type TopicNotifier struct {
	Source SessionSource
	Topic  string
}

// Channel 返回主题渠道。
func (n *TopicNotifier) Channel() Channel { return ChannelTopic }

// Notify 发布需要告警的事件；不需告警或会话已结束时跳过。
func (n *TopicNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Source == nil || !event.Alert {
		return nil
	}
	session := n.Source.Session()
	if session == nil {
		logger.L().Warn("TopicNotifier 无可用会话，跳过发布", slog.String("plugin", event.Plugin))
		return nil
	}
	topic := n.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	kwargs := map[string]any{
		"plugin":      event.Plugin,
		"session":     uint64(event.Session),
		"code":        string(event.Code),
		"severity":    string(event.Severity),
		"occurred_at": event.OccurredAt.Format(time.RFC3339),
	}
	if err := session.Publish(ctx, topic, []any{event.Message}, kwargs); err != nil {
		if errors.Is(err, wamp.ErrSessionClosed) {
			return nil
		}
		return fmt.Errorf("发布告警失败: %w", err)
	}
	return nil
}
