package agent

import (
	"context"

	"agentbus/pkg/proto"
)

// HandlerFunc processes one delivered message. Handlers run on the agent's
// own worker goroutine; a returned error is logged and the loop continues.
type HandlerFunc func(ctx context.Context, msg *proto.Message) error

// handlerTable maps message kinds to handlers. Adding a behavior means
// registering a handler for its kind, not editing a dispatch chain.
type handlerTable map[proto.MsgKind]HandlerFunc
