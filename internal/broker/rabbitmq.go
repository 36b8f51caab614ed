package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/wamp"
)

// RabbitMQConfig 描述 RabbitMQ 后端的连接参数。
type RabbitMQConfig struct {
	URL         string        `yaml:"url" env:"URL"`
	Exchange    string        `yaml:"exchange" env:"EXCHANGE"`
	Prefetch    int           `yaml:"prefetch" env:"PREFETCH"`
	CallTimeout time.Duration `yaml:"callTimeout" env:"CALL_TIMEOUT"`
}

// directReplyTo 是 RabbitMQ 内建的伪队列，用于 RPC 回复。
const directReplyTo = "amq.rabbitmq.reply-to"

// RabbitMQBackend 使用 RabbitMQ 实现会话：事件走 topic exchange，
// 每个过程独占一个队列，调用使用 direct reply-to。只支持精确匹配的过程注册。
type RabbitMQBackend struct {
	conn        *amqp.Connection
	exchange    string
	prefetch    int
	callTimeout time.Duration
	logger      *slog.Logger

	// claims 记录本连接内已占用的过程名；独占队列在同一连接内不会冲突。
	mu     sync.Mutex
	claims map[string]wamp.ID
}

// NewRabbitMQBackend 连接 RabbitMQ 并声明事件 exchange。
func NewRabbitMQBackend(cfg RabbitMQConfig) (*RabbitMQBackend, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "wampd.events"
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, transportError(err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, transportError(err, "创建 RabbitMQ channel 失败")
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, transportError(err, "声明 RabbitMQ exchange 失败")
	}
	return &RabbitMQBackend{
		conn:        conn,
		exchange:    exchange,
		prefetch:    cfg.Prefetch,
		callTimeout: callTimeout,
		logger:      logger.Named("broker.rabbitmq"),
		claims:      make(map[string]wamp.ID),
	}, nil
}

// Open 创建新会话，每个会话拥有独立的发布与调用 channel。
func (b *RabbitMQBackend) Open(ctx context.Context, opts SessionOptions) (wamp.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.conn == nil || b.conn.IsClosed() {
		return nil, errBackendClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, transportError(err, "创建 RabbitMQ channel 失败")
	}
	replies, err := ch.Consume(directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, transportError(err, "订阅 RabbitMQ 回复队列失败")
	}
	returns := ch.NotifyReturn(make(chan amqp.Return, 16))

	s := &RabbitMQSession{
		id:      newID(),
		backend: b,
		opts:    opts,
		life:    newLifecycle(),
		ch:      ch,
		pending: make(map[string]chan envelope),
	}
	s.life.goSafe(func() { s.collect(replies, returns) })
	b.logger.Info("会话已建立", slog.Uint64("session", uint64(s.id)), slog.String("realm", opts.Realm))
	return s, nil
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBackend) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *RabbitMQBackend) claim(procedure string, owner wamp.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.claims[procedure]; taken {
		return false
	}
	b.claims[procedure] = owner
	return true
}

func (b *RabbitMQBackend) release(procedure string, owner wamp.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claims[procedure] == owner {
		delete(b.claims, procedure)
	}
}

// procedureQueue 返回过程对应的独占队列名。
func procedureQueue(procedure string) string {
	return "wamp.rpc." + procedure
}

// bindingKey 把订阅转换为 topic exchange 的绑定键。
// prefix 按完整分段绑定 "#"，投递前再用 MatchURI 过滤。
func bindingKey(topic string, match wamp.Match) string {
	switch match.OrExact() {
	case wamp.MatchWildcard:
		segments := strings.Split(topic, ".")
		for i, seg := range segments {
			if seg == "" {
				segments[i] = "*"
			}
		}
		return strings.Join(segments, ".")
	case wamp.MatchPrefix:
		segments := strings.Split(topic, ".")
		complete := segments[:len(segments)-1]
		if len(complete) == 0 {
			return "#"
		}
		return strings.Join(complete, ".") + ".#"
	default:
		return topic
	}
}

// registrationError 把独占队列冲突映射为 procedure_already_exists。
func registrationError(procedure string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && (amqpErr.Code == amqp.ResourceLocked || amqpErr.Code == amqp.AccessRefused) {
		return fmt.Errorf("%w: %s", wamp.ErrProcedureAlreadyExists, procedure)
	}
	return transportError(err, "RabbitMQ 注册过程失败")
}

// RabbitMQSession 是 RabbitMQ 后端上的一个会话。
type RabbitMQSession struct {
	id      wamp.ID
	backend *RabbitMQBackend
	opts    SessionOptions
	life    *lifecycle

	// ch 用于发布、调用与接收回复，amqp channel 的发布需要串行化。
	pubMu sync.Mutex
	ch    *amqp.Channel

	mu       sync.Mutex
	pending  map[string]chan envelope
	channels []*amqp.Channel
	claimed  []string
}

// ID 返回会话 ID。
func (s *RabbitMQSession) ID() wamp.ID { return s.id }

// Details 返回会话详情。
func (s *RabbitMQSession) Details() wamp.Details { return DetailsOf(s, s.opts) }

func (s *RabbitMQSession) track(ch *amqp.Channel) {
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
}

// Subscribe 声明匿名独占队列并绑定到事件 exchange。
func (s *RabbitMQSession) Subscribe(ctx context.Context, topic string, handler wamp.EventHandler, opts wamp.SubscribeOptions) (*wamp.Subscription, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	match := opts.Match.OrExact()
	if err := wamp.ValidateURI(topic, match); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := s.backend.conn.Channel()
	if err != nil {
		return nil, transportError(err, "创建 RabbitMQ channel 失败")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, transportError(err, "声明 RabbitMQ 订阅队列失败")
	}
	if err := ch.QueueBind(q.Name, bindingKey(topic, match), s.backend.exchange, false, nil); err != nil {
		ch.Close()
		return nil, transportError(err, "绑定 RabbitMQ 订阅队列失败")
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, transportError(err, "订阅 RabbitMQ 队列失败")
	}
	s.track(ch)

	id := newID()
	s.life.goSafe(func() {
		for {
			select {
			case <-s.life.ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := decode(msg.Body)
				if err != nil {
					s.backend.logger.Warn("丢弃无法解码的事件", slog.String("routing_key", msg.RoutingKey), slog.Any("error", err))
					continue
				}
				if env.Publisher == s.id || !wamp.MatchURI(topic, match, env.Topic) {
					continue
				}
				dispatch(s.life.ctx, handler, env.event(id))
			}
		}
	})
	return &wamp.Subscription{ID: id, Topic: topic, Match: match}, nil
}

// Register 以独占队列注册过程。
func (s *RabbitMQSession) Register(ctx context.Context, procedure string, handler wamp.InvocationHandler, opts wamp.RegisterOptions) (*wamp.Registration, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	match := opts.Match.OrExact()
	if err := wamp.ValidateURI(procedure, match); err != nil {
		return nil, err
	}
	if match != wamp.MatchExact {
		return nil, fmt.Errorf("%w: RabbitMQ 后端只支持精确匹配注册", wamp.ErrOptionNotSupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.backend.claim(procedure, s.id) {
		return nil, fmt.Errorf("%w: %s", wamp.ErrProcedureAlreadyExists, procedure)
	}
	deliveries, ch, err := s.declareProcedure(procedure)
	if err != nil {
		s.backend.release(procedure, s.id)
		return nil, err
	}
	s.track(ch)
	s.mu.Lock()
	s.claimed = append(s.claimed, procedure)
	s.mu.Unlock()

	id := newID()
	s.life.goSafe(func() { s.serve(id, ch, deliveries, handler) })
	return &wamp.Registration{ID: id, Procedure: procedure, Match: match}, nil
}

// declareProcedure 在独立 channel 上声明独占队列，冲突时服务器会关闭该 channel。
func (s *RabbitMQSession) declareProcedure(procedure string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := s.backend.conn.Channel()
	if err != nil {
		return nil, nil, transportError(err, "创建 RabbitMQ channel 失败")
	}
	if s.backend.prefetch > 0 {
		if err := ch.Qos(s.backend.prefetch, 0, false); err != nil {
			ch.Close()
			return nil, nil, transportError(err, "设置 RabbitMQ QOS 失败")
		}
	}
	queue := procedureQueue(procedure)
	if _, err := ch.QueueDeclare(queue, false, true, true, false, nil); err != nil {
		ch.Close()
		return nil, nil, registrationError(procedure, err)
	}
	deliveries, err := ch.Consume(queue, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, registrationError(procedure, err)
	}
	return deliveries, ch, nil
}

func (s *RabbitMQSession) serve(id wamp.ID, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler wamp.InvocationHandler) {
	for {
		select {
		case <-s.life.ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			env, err := decode(msg.Body)
			if err != nil {
				s.backend.logger.Warn("丢弃无法解码的调用", slog.Any("error", err))
				_ = msg.Ack(false)
				continue
			}
			res, callErr := invoke(s.life.ctx, handler, env.invocation(id))
			raw, err := encode(replyOf(msg.CorrelationId, res, callErr))
			if err != nil {
				raw, _ = encode(replyOf(msg.CorrelationId, nil, err))
			}
			if msg.ReplyTo != "" {
				err = ch.PublishWithContext(s.life.ctx, "", msg.ReplyTo, false, false, amqp.Publishing{
					ContentType:   "application/json",
					CorrelationId: msg.CorrelationId,
					Body:          raw,
				})
				if err != nil {
					s.backend.logger.Error("RabbitMQ 写回调用结果失败", slog.String("call_id", msg.CorrelationId), slog.Any("error", err))
				}
			}
			_ = msg.Ack(false)
		}
	}
}

// collect 把回复与退回的消息分发给等待中的调用。
func (s *RabbitMQSession) collect(replies <-chan amqp.Delivery, returns <-chan amqp.Return) {
	for {
		select {
		case <-s.life.ctx.Done():
			return
		case msg, ok := <-replies:
			if !ok {
				return
			}
			env, err := decode(msg.Body)
			if err != nil {
				env = replyOf(msg.CorrelationId, nil, err)
			}
			s.resolve(msg.CorrelationId, env)
		case ret, ok := <-returns:
			if !ok {
				return
			}
			// mandatory 发布被退回说明没有队列承接该过程。
			s.resolve(ret.CorrelationId, envelope{Error: wamp.URINoSuchProcedure, Args: []any{ret.RoutingKey}})
		}
	}
}

func (s *RabbitMQSession) resolve(callID string, env envelope) {
	s.mu.Lock()
	reply, ok := s.pending[callID]
	delete(s.pending, callID)
	s.mu.Unlock()
	if ok {
		reply <- env
	}
}

// Call 通过 direct reply-to 发起调用并等待结果。
func (s *RabbitMQSession) Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) (*wamp.Result, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	if err := wamp.ValidateURI(procedure, wamp.MatchExact); err != nil {
		return nil, err
	}
	callID := uuid.NewString()
	raw, err := encode(envelope{Procedure: procedure, Caller: s.id, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	reply := make(chan envelope, 1)
	s.mu.Lock()
	s.pending[callID] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, callID)
		s.mu.Unlock()
	}()

	s.pubMu.Lock()
	err = s.ch.PublishWithContext(ctx, "", procedureQueue(procedure), true, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: callID,
		ReplyTo:       directReplyTo,
		Body:          raw,
	})
	s.pubMu.Unlock()
	if err != nil {
		return nil, transportError(err, "RabbitMQ 投递调用失败")
	}

	timer := time.NewTimer(s.backend.callTimeout)
	defer timer.Stop()
	select {
	case env := <-reply:
		return env.result()
	case <-timer.C:
		return nil, &wamp.RPCError{URI: wamp.URICanceled, Args: []any{"call timed out"}}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.life.done:
		return nil, wamp.ErrSessionClosed
	}
}

// Publish 发布事件到 topic exchange。
func (s *RabbitMQSession) Publish(ctx context.Context, topic string, args []any, kwargs map[string]any) error {
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
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if err := s.ch.PublishWithContext(ctx, s.backend.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        raw,
	}); err != nil {
		return transportError(err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Leave 关闭会话的全部 channel，独占队列随之删除。
func (s *RabbitMQSession) Leave(_ context.Context, reason string) error {
	if !s.life.close() {
		return nil
	}
	s.mu.Lock()
	channels := s.channels
	claimed := s.claimed
	s.channels, s.claimed = nil, nil
	s.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, procedure := range claimed {
		s.backend.release(procedure, s.id)
	}
	s.pubMu.Lock()
	err := s.ch.Close()
	s.pubMu.Unlock()
	s.backend.logger.Info("会话已离开", slog.Uint64("session", uint64(s.id)), slog.String("reason", reason))
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return transportError(err, "关闭 RabbitMQ channel 失败")
	}
	return nil
}

// Done 在会话结束后关闭。
func (s *RabbitMQSession) Done() <-chan struct{} { return s.life.done }
