package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"joinguard/internal/storage"
	"joinguard/internal/transport/telegram/router"
	"joinguard/internal/verification"
	"joinguard/pkg/tgui"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 90
)

func (a *App) registerCommands() {
	a.router.Register(router.Command{
		Name:        "vban",
		Description: "ban the user of a waiting verification",
		Usage:       "/vban <verification_id>",
		Access:      router.AccessChatAdmin,
		Handle:      a.terminateHandler(verification.StatusManualBan),
	})
	a.router.Register(router.Command{
		Name:        "vkick",
		Description: "kick the user of a waiting verification",
		Usage:       "/vkick <verification_id>",
		Access:      router.AccessChatAdmin,
		Handle:      a.terminateHandler(verification.StatusManualKick),
	})
	a.router.Register(router.Command{
		Name:        "vstats",
		Description: "verification outcomes per day",
		Usage:       "/vstats [days]",
		Access:      router.AccessChatAdmin,
		Handle:      a.statsHandler,
	})
	a.router.Register(router.Command{
		Name:        "vhelp",
		Description: "list commands",
		Usage:       "/vhelp",
		Access:      router.AccessEveryone,
		Handle:      a.helpHandler,
	})
}

func (a *App) terminateHandler(status verification.Status) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) != 1 {
			return a.router.Reply(ctx, req, "usage: /"+req.Command+" <verification_id>")
		}
		id, err := strconv.ParseInt(req.Args[0], 10, 64)
		if err != nil || id <= 0 {
			return a.router.Reply(ctx, req, fmt.Sprintf("invalid verification id %q", req.Args[0]))
		}

		got, err := a.verifier.Terminate(ctx, req.Chat.ChatID, id, status)
		switch {
		case errors.Is(err, verification.ErrNotFound), errors.Is(err, ErrWrongChat):
			return a.router.Reply(ctx, req, fmt.Sprintf("verification %d not found in this chat", id))
		case err != nil:
			return err
		case got.Status != status:
			return a.router.Reply(ctx, req, fmt.Sprintf("verification %d already concluded (%s)", id, got.Status))
		}
		return a.router.ReplyHTML(ctx, req, tgui.JoinH(" ",
			tgui.Mention(displayUser(got.User), got.User.ID),
			tgui.Esc("removed"),
			tgui.Code(string(status)),
		))
	}
}

func displayUser(u verification.User) string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return strconv.FormatInt(u.ID, 10)
}

func (a *App) statsHandler(ctx context.Context, req *router.Request) error {
	days := defaultStatsDays
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return a.router.Reply(ctx, req, "usage: /vstats [days]")
		}
		days = min(n, maxStatsDays)
	}
	since := time.Now().UTC().AddDate(0, 0, -(days - 1))
	rows, err := a.verifier.StatsSince(ctx, req.Chat.ChatID, since)
	if err != nil {
		return err
	}
	return a.router.Reply(ctx, req, FormatStats(rows, days))
}

// FormatStats renders statistics rows grouped by day, newest first.
func FormatStats(rows []storage.StatRow, days int) string {
	if len(rows) == 0 {
		return fmt.Sprintf("No verification outcomes in the last %d day(s).", days)
	}
	byDay := map[string][]storage.StatRow{}
	var order []string
	for _, r := range rows {
		if _, ok := byDay[r.Day]; !ok {
			order = append(order, r.Day)
		}
		byDay[r.Day] = append(byDay[r.Day], r)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(order)))

	var b strings.Builder
	fmt.Fprintf(&b, "Verification outcomes, last %d day(s):", days)
	for _, day := range order {
		b.WriteString("\n")
		b.WriteString(day)
		for _, r := range byDay[day] {
			lang := r.LanguageCode
			if lang == "" {
				lang = "-"
			}
			fmt.Fprintf(&b, "\n  %s %s: %d", r.Category, lang, r.Count)
		}
	}
	return b.String()
}

func (a *App) helpHandler(ctx context.Context, req *router.Request) error {
	cmds := a.router.Commands()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range cmds {
		fmt.Fprintf(&b, "\n%s - %s", c.Usage, c.Description)
		if c.Access == router.AccessChatAdmin {
			b.WriteString(" (admins)")
		}
	}
	return a.router.Reply(ctx, req, b.String())
}
