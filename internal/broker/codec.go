package broker

import (
	"encoding/json"
	"fmt"

	"WAMP-Orchestrator/pkg/wamp"
)

// envelope 是 Redis 与 RabbitMQ 后端共用的 JSON 载荷。
type envelope struct {
	Topic       string         `json:"topic,omitempty"`
	Procedure   string         `json:"procedure,omitempty"`
	CallID      string         `json:"call_id,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
	Publisher   wamp.ID        `json:"publisher,omitempty"`
	Publication wamp.ID        `json:"publication,omitempty"`
	Caller      wamp.ID        `json:"caller,omitempty"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func encode(env envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("编码消息失败: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("解码消息失败: %w", err)
	}
	return env, nil
}

// replyOf 把调用结果或错误编码为回复信封。
func replyOf(callID string, res *wamp.Result, err error) envelope {
	if err != nil {
		rpcErr := wamp.AsRPCError(err)
		return envelope{CallID: callID, Error: rpcErr.URI, Args: rpcErr.Args, Kwargs: rpcErr.Kwargs}
	}
	return envelope{CallID: callID, Args: res.Args, Kwargs: res.Kwargs}
}

// result 还原回复信封；错误 URI 会映射回哨兵错误。
func (e envelope) result() (*wamp.Result, error) {
	if e.Error != "" {
		return nil, wamp.ErrorFromURI(e.Error, e.Args, e.Kwargs)
	}
	return &wamp.Result{Args: e.Args, Kwargs: e.Kwargs}, nil
}

func (e envelope) event(sub wamp.ID) *wamp.Event {
	return &wamp.Event{
		Subscription: sub,
		Publication:  e.Publication,
		Topic:        e.Topic,
		Publisher:    e.Publisher,
		Args:         e.Args,
		Kwargs:       e.Kwargs,
	}
}

func (e envelope) invocation(reg wamp.ID) *wamp.Invocation {
	return &wamp.Invocation{
		Registration: reg,
		Procedure:    e.Procedure,
		Caller:       e.Caller,
		Args:         e.Args,
		Kwargs:       e.Kwargs,
	}
}
