package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	kit "joinguard/internal/transport"
	"joinguard/internal/verification"
	"joinguard/pkg/tgui"
)

type fakeAdmins struct {
	admins map[int64]bool
	err    error
}

func (f fakeAdmins) IsAdmin(_ context.Context, _ int64, userID int64) (bool, error) {
	return f.admins[userID], f.err
}

type fakeReplier struct {
	mu    sync.Mutex
	sent  []string
	modes []string
}

func (f *fakeReplier) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.modes = append(f.modes, opt.ParseMode)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func cmdUpdate(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateCommand, Command: &kit.Message{ID: 1, ChatID: -100, FromID: from, Text: text, IsGroup: true}}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{in: "/vban 42", name: "vban", args: []string{"42"}, ok: true},
		{in: "/VKick@joinguard_bot   7  ", name: "vkick", args: []string{"7"}, ok: true},
		{in: "/stats", name: "stats", args: []string{}, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "/@bot", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		name, args, ok := ParseCommand(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if !tc.ok {
			continue
		}
		require.Equal(t, tc.name, name, tc.in)
		require.Equal(t, tc.args, args, tc.in)
	}
}

func TestDispatchCommandWithArgs(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	var got *Request
	r.Register(Command{Name: "/Ping", Handle: func(_ context.Context, req *Request) error {
		got = req
		return nil
	}})

	require.NoError(t, r.Dispatch(context.Background(), cmdUpdate(5, "/ping@bot a b")))
	require.NotNil(t, got)
	require.Equal(t, "ping", got.Command)
	require.Equal(t, []string{"a", "b"}, got.Args)
	require.Equal(t, int64(-100), got.Chat.ChatID)
	require.NotEmpty(t, got.ReqID)

	// Unknown commands and plain text are ignored.
	got = nil
	require.NoError(t, r.Dispatch(context.Background(), cmdUpdate(5, "/pong")))
	require.NoError(t, r.Dispatch(context.Background(), cmdUpdate(5, "ping")))
	require.Nil(t, got)
}

func TestAdminOnlyCommands(t *testing.T) {
	t.Parallel()
	calls := 0
	r := New(Options{Admins: fakeAdmins{admins: map[int64]bool{1: true}}})
	r.Register(Command{Name: "vban", Access: AccessChatAdmin, Handle: func(context.Context, *Request) error {
		calls++
		return nil
	}})

	require.NoError(t, r.Dispatch(context.Background(), cmdUpdate(2, "/vban 1")))
	require.Zero(t, calls)
	require.NoError(t, r.Dispatch(context.Background(), cmdUpdate(1, "/vban 1")))
	require.Equal(t, 1, calls)

	failing := New(Options{Admins: fakeAdmins{err: errors.New("api down")}})
	failing.Register(Command{Name: "vban", Access: AccessChatAdmin, Handle: func(context.Context, *Request) error {
		calls++
		return nil
	}})
	require.ErrorContains(t, failing.Dispatch(context.Background(), cmdUpdate(1, "/vban 1")), "api down")
	require.Equal(t, 1, calls)
}

func TestDispatchJoin(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	var got kit.Join
	r.OnJoin(func(_ context.Context, j kit.Join) error {
		got = j
		return nil
	})
	j := kit.Join{ChatID: 100, User: verification.User{ID: 7, LanguageCode: "en"}, Source: verification.SourceJoinRequest}
	require.NoError(t, r.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateJoin, Join: &j}))
	require.Equal(t, j, got)

	require.NoError(t, r.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateJoin}))
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	r.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("boom") }})
	err := r.Dispatch(context.Background(), cmdUpdate(1, "/boom"))
	require.ErrorContains(t, err, "panic: boom")
}

func TestCommandTimeout(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	r.Register(Command{Name: "slow", Timeout: 10 * time.Millisecond, Handle: func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	err := r.Dispatch(context.Background(), cmdUpdate(1, "/slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReply(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	r := New(Options{Replies: rep})
	req := &Request{Chat: kit.ChatTarget{ChatID: 1}}
	require.NoError(t, r.Reply(context.Background(), req, "done"))
	require.NoError(t, r.Reply(context.Background(), req, "  "))
	require.Equal(t, []string{"done"}, rep.sent)

	require.NoError(t, r.Reply(context.Background(), req, strings.Repeat("x", tgui.MaxMessageRunes+10)))
	require.Equal(t, tgui.MaxMessageRunes, utf8.RuneCountInString(rep.sent[1]))

	require.NoError(t, r.ReplyHTML(context.Background(), req, tgui.Code("a<b")))
	require.Equal(t, "<code>a&lt;b</code>", rep.sent[2])
	require.Equal(t, []string{"", "", tgui.ParseModeHTML}, rep.modes)

	require.NoError(t, New(Options{}).Reply(context.Background(), req, "ignored"))
}
