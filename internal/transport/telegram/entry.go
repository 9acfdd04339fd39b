package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rtsup "joinguard/internal/runtime/supervisor"
	kit "joinguard/internal/transport"
	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

// EntryMessenger owns one "pending verifications" message per chat. Calls
// are coalesced per chat: only the latest requested state is applied, in
// order, by a single worker.
type EntryMessenger struct {
	msg kit.Messenger
	sup *rtsup.Supervisor
	log logx.Logger

	mu    sync.Mutex
	chats map[int64]*entryState
}

type entryView struct {
	deleted bool
	text    string
}

type entryState struct {
	ref     kit.MessageRef
	want    entryView
	dirty   bool
	running bool
}

func NewEntryMessenger(msg kit.Messenger, sup *rtsup.Supervisor, log logx.Logger) *EntryMessenger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EntryMessenger{msg: msg, sup: sup, log: log, chats: map[int64]*entryState{}}
}

func (m *EntryMessenger) UpdatePendingMessage(_ context.Context, chatID int64, waiting int, _ verification.Scheme, duration time.Duration) {
	m.request(chatID, entryView{text: FormatPending(waiting, duration)})
}

func (m *EntryMessenger) DeleteLatestPendingMessage(_ context.Context, chatID int64) {
	m.request(chatID, entryView{deleted: true})
}

// Ref returns the chat's current entry message, if any.
func (m *EntryMessenger) Ref(chatID int64) (kit.MessageRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.chats[chatID]
	if !ok || st.ref.MessageID == 0 {
		return kit.MessageRef{}, false
	}
	return st.ref, true
}

func (m *EntryMessenger) request(chatID int64, v entryView) {
	m.mu.Lock()
	st, ok := m.chats[chatID]
	if !ok {
		st = &entryState{}
		m.chats[chatID] = st
	}
	st.want = v
	st.dirty = true
	start := !st.running
	st.running = true
	m.mu.Unlock()

	if !start {
		return
	}
	if m.sup == nil {
		m.drain(context.Background(), chatID)
		return
	}
	m.sup.Go0(fmt.Sprintf("entry.%d", chatID), func(ctx context.Context) { m.drain(ctx, chatID) })
}

func (m *EntryMessenger) drain(ctx context.Context, chatID int64) {
	for {
		m.mu.Lock()
		st := m.chats[chatID]
		if !st.dirty {
			st.running = false
			if st.ref.MessageID == 0 {
				delete(m.chats, chatID)
			}
			m.mu.Unlock()
			return
		}
		want, ref := st.want, st.ref
		st.dirty = false
		m.mu.Unlock()

		ref = m.apply(ctx, chatID, ref, want)

		m.mu.Lock()
		st.ref = ref
		m.mu.Unlock()
	}
}

// apply brings the chat's message to want and returns the resulting ref.
func (m *EntryMessenger) apply(ctx context.Context, chatID int64, ref kit.MessageRef, want entryView) kit.MessageRef {
	log := m.log.With(logx.ChatID(chatID))
	if want.deleted {
		if ref.MessageID == 0 {
			return kit.MessageRef{}
		}
		if err := m.msg.DeleteMessage(ctx, ref); err != nil {
			log.Warn("entry message delete failed", logx.Int("message_id", ref.MessageID), logx.Err(err))
		}
		return kit.MessageRef{}
	}

	opt := &kit.SendOptions{DisablePreview: true, Silent: true}
	if ref.MessageID != 0 {
		err := m.msg.EditText(ctx, ref, want.text, opt)
		if err == nil {
			return ref
		}
		// Deleted by someone else or too old to edit: post a fresh one.
		log.Debug("entry message edit failed; resending", logx.Int("message_id", ref.MessageID), logx.Err(err))
	}
	next, err := m.msg.SendText(ctx, kit.ChatTarget{ChatID: chatID}, want.text, opt)
	if err != nil {
		log.Warn("entry message send failed", logx.Err(err))
		return ref
	}
	return next
}

// FormatPending renders the entry message body.
func FormatPending(waiting int, d time.Duration) string {
	noun := "members are"
	if waiting == 1 {
		noun = "member is"
	}
	return fmt.Sprintf("%d new %s completing verification. Each has %s to finish; unverified members are removed automatically.",
		waiting, noun, HumanDuration(d))
}

// HumanDuration renders d as "1 h 5 min" or "45 s" style text.
func HumanDuration(d time.Duration) string {
	if d <= 0 {
		return "0 s"
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	mnt := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%d h", h))
	}
	if mnt > 0 {
		parts = append(parts, fmt.Sprintf("%d min", mnt))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d s", s))
	}
	return strings.Join(parts, " ")
}
