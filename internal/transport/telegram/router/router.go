// Package router dispatches incoming updates to join and command handlers
// through a middleware chain.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kit "joinguard/internal/transport"
	logx "joinguard/pkg/logx"
	"joinguard/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessChatAdmin allows only administrators of the chat the command was sent in.
	AccessChatAdmin
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

// Replier sends command replies.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

type JoinFunc func(ctx context.Context, j kit.Join) error

type Options struct {
	Log            logx.Logger
	Admins         AdminChecker
	Replies        Replier
	DefaultTimeout time.Duration
}

type Router struct {
	log     logx.Logger
	admins  AdminChecker
	replies Replier
	timeout time.Duration

	mu   sync.RWMutex
	cmds map[string]Command
	join HandlerFunc
}

func New(opts Options) *Router {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		log:     log,
		admins:  opts.Admins,
		replies: opts.Replies,
		timeout: timeout,
		cmds:    map[string]Command{},
	}
}

// Register adds or replaces a command. Names are matched case-insensitively
// without the leading slash.
func (r *Router) Register(c Command) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Name), "/"))
	if name == "" || c.Handle == nil {
		return
	}
	c.Name = name
	r.mu.Lock()
	r.cmds[name] = c
	r.mu.Unlock()
}

func (r *Router) OnJoin(fn JoinFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.join = func(ctx context.Context, req *Request) error { return fn(ctx, *req.Update.Join) }
	r.mu.Unlock()
}

func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	return out
}

// Dispatch routes one update. Unknown commands are ignored.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) error {
	req := &Request{Update: up, ReqID: uuid.NewString()}
	var (
		h       HandlerFunc
		timeout = r.timeout
	)

	switch up.Kind {
	case kit.UpdateJoin:
		if up.Join == nil {
			return nil
		}
		req.Chat = kit.ChatTarget{ChatID: up.Join.ChatID}
		req.FromID = up.Join.User.ID
		req.Command = "join"
		r.mu.RLock()
		h = r.join
		r.mu.RUnlock()

	case kit.UpdateCommand:
		m := up.Command
		if m == nil {
			return nil
		}
		name, args, ok := ParseCommand(m.Text)
		if !ok {
			return nil
		}
		r.mu.RLock()
		cmd, found := r.cmds[name]
		r.mu.RUnlock()
		if !found {
			return nil
		}
		req.Chat = kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
		req.FromID = m.FromID
		req.Command = name
		req.Args = args
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
		h = r.guard(cmd)
	}
	if h == nil {
		return nil
	}

	req.Logger = r.log.With(logx.String("req_id", req.ReqID))
	return Chain(h,
		MWRequestLog(r.log),
		MWPanicRecover(r.log),
		MWTimeout(timeout),
	)(ctx, req)
}

func (r *Router) guard(cmd Command) HandlerFunc {
	if cmd.Access == AccessEveryone {
		return cmd.Handle
	}
	return func(ctx context.Context, req *Request) error {
		if r.admins == nil {
			return nil
		}
		ok, err := r.admins.IsAdmin(ctx, req.Chat.ChatID, req.FromID)
		if err != nil {
			return err
		}
		if !ok {
			req.Logger.Debug("command denied: not a chat admin", logx.String("cmd", req.Command), logx.Int64("from_id", req.FromID))
			return nil
		}
		return cmd.Handle(ctx, req)
	}
}

// Reply sends plain text back to the request's chat, cut to the message
// limit. It is a no-op without a configured replier.
func (r *Router) Reply(ctx context.Context, req *Request, text string) error {
	return r.send(ctx, req, tgui.TruncRunes(text, tgui.MaxMessageRunes-1), "")
}

// ReplyHTML sends pre-escaped HTML. It is not truncated.
func (r *Router) ReplyHTML(ctx context.Context, req *Request, h tgui.H) error {
	return r.send(ctx, req, h.String(), tgui.ParseModeHTML)
}

func (r *Router) send(ctx context.Context, req *Request, text, parseMode string) error {
	if r.replies == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := r.replies.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: parseMode, DisablePreview: true})
	return err
}

// ParseCommand splits "/name@bot a b" into ("name", ["a", "b"]).
func ParseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}
