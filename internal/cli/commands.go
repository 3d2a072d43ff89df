// Package cli implements the interactive console for a running session.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/discord-ipc/internal/db"
	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

// commandTimeout bounds commands typed at the console.
const commandTimeout = 15 * time.Second

// Session is the part of *discord.Session the console drives.
type Session interface {
	State() discord.State
	LastError() error
	CurrentUser() (discord.User, bool)
	Stats() discord.Stats
	Subscriptions() []discord.SubscriptionInfo
	Subscribe(ctx context.Context, evt discord.EventType, scope string) (*discord.Subscription, error)
	UnsubscribeID(ctx context.Context, id uint64) error
	SendCommand(ctx context.Context, cmd string, args interface{}) (json.RawMessage, error)
}

// History serves recorded transitions and events.
type History interface {
	RecentTransitions(ctx context.Context, limit int) ([]db.TransitionRecord, error)
	RecentEvents(ctx context.Context, eventType string, limit int) ([]db.EventRecord, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	session Session
	history History
	quit    func()

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading from in and writing to out. history
// may be nil. quit is called by the quit command.
func NewCLI(session Session, history History, quit func(), in io.Reader, out io.Writer) *CLI {
	return &CLI{
		session: session,
		history: history,
		quit:    quit,
		in:      in,
		out:     out,
	}
}

// Start runs the read-eval loop until ctx is done, input ends, or quit.
func (c *CLI) Start(ctx context.Context) error {
	fmt.Fprintln(c.out, "\ndiscord-ipc console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "discord-ipc> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			cmd := strings.ToLower(parts[0])
			if cmd == "quit" || cmd == "exit" || cmd == "q" {
				fmt.Fprintln(c.out, "Shutting down...")
				if c.quit != nil {
					c.quit()
				}
				return nil
			}
			if err := c.execute(ctx, cmd, parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "send":
		return c.cmdSend(ctx, args)
	case "sub", "subscribe":
		return c.cmdSubscribe(ctx, args)
	case "unsub", "unsubscribe":
		return c.cmdUnsubscribe(ctx, args)
	case "subs":
		c.printSubscriptions()
	case "history":
		return c.cmdHistory(ctx, args)
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := c.table([]string{"Command", "Description"})
	tw.AppendBulk([][]string{
		{"status", "Connection state, user and counters"},
		{"send <CMD> [json]", "Send a raw command and print the response"},
		{"sub <EVENT|group> [lobby]", "Subscribe to an event or a group of events"},
		{"unsub <id>", "Drop a subscription"},
		{"subs", "List live subscriptions"},
		{"history [events|transitions] [n]", "Show recorded history"},
		{"quit", "Shut down"},
	})
	tw.Render()
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.session.Stats()
	user := "-"
	if u, ok := c.session.CurrentUser(); ok {
		user = fmt.Sprintf("%s (%s)", u.Username, u.ID)
	}
	lastErr := "-"
	if err := c.session.LastError(); err != nil {
		lastErr = err.Error()
	}

	tw := c.table([]string{"Field", "Value"})
	tw.AppendBulk([][]string{
		{"State", c.session.State().String()},
		{"User", user},
		{"Last error", lastErr},
		{"Reconnects", strconv.FormatUint(st.Reconnects, 10)},
		{"Commands sent", strconv.FormatUint(st.Commands.Sent, 10)},
		{"Commands failed", strconv.FormatUint(st.Commands.Failed, 10)},
		{"Commands timed out", strconv.FormatUint(st.Commands.TimedOut, 10)},
		{"Pending", strconv.Itoa(st.Commands.Pending)},
		{"Events delivered", strconv.FormatUint(st.Events.Delivered, 10)},
		{"Events dropped", strconv.FormatUint(st.Events.Dropped, 10)},
		{"Subscriptions", strconv.Itoa(st.Subscriptions)},
	})
	tw.Render()
}

func (c *CLI) cmdSend(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: send <CMD> [json args]")
	}
	cmd := strings.ToUpper(args[0])

	var payload interface{}
	if len(args) > 1 {
		raw := json.RawMessage(strings.Join(args[1:], " "))
		if !json.Valid(raw) {
			return fmt.Errorf("args must be valid JSON")
		}
		payload = raw
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	data, err := c.session.SendCommand(ctx, cmd, payload)
	if err != nil {
		if re, ok := discord.AsRequestError(err); ok {
			return fmt.Errorf("%s rejected (%d): %s", cmd, re.Code, re.Reason())
		}
		return err
	}
	fmt.Fprintln(c.out, string(data))
	return nil
}

func (c *CLI) cmdSubscribe(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sub <EVENT|group> [lobby id]")
	}
	types := events.Expand([]string{args[0]})
	if len(types) == 0 || !events.Known(types[0]) {
		return fmt.Errorf("unknown event or group: %s", args[0])
	}
	scope := ""
	if len(args) > 1 {
		scope = args[1]
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var errs []error
	for _, t := range types {
		sub, err := c.session.Subscribe(ctx, t, scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// console subscriptions feed the taps; nothing reads them here
		go func() {
			for range sub.C() {
			}
		}()
		fmt.Fprintf(c.out, "Subscribed to %s (id %d)\n", t, sub.ID())
	}
	return errors.Join(errs...)
}

func (c *CLI) cmdUnsubscribe(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: unsub <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid subscription id: %s", args[0])
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := c.session.UnsubscribeID(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Unsubscribed %d\n", id)
	return nil
}

func (c *CLI) printSubscriptions() {
	subs := c.session.Subscriptions()
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

	tw := c.table([]string{"ID", "Event", "Scope", "Queued", "Dropped"})
	for _, s := range subs {
		evt := string(s.Key.Type)
		if s.All {
			evt = "*"
		}
		scope := s.Key.Scope
		if scope == "" {
			scope = "-"
		}
		tw.Append([]string{
			strconv.FormatUint(s.ID, 10),
			evt,
			scope,
			strconv.Itoa(s.Queued),
			strconv.FormatUint(s.Dropped, 10),
		})
	}
	tw.Render()
}

func (c *CLI) cmdHistory(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("journal is disabled")
	}
	kind := "events"
	if len(args) > 0 {
		kind = strings.ToLower(args[0])
	}
	limit := 20
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid count: %s", args[1])
		}
		limit = n
	}

	switch kind {
	case "events":
		recs, err := c.history.RecentEvents(ctx, "", limit)
		if err != nil {
			return err
		}
		tw := c.table([]string{"Time", "Event", "Scope"})
		for _, r := range recs {
			tw.Append([]string{r.ReceivedAt.Local().Format(time.TimeOnly), r.Type, r.Scope})
		}
		tw.Render()
	case "transitions":
		recs, err := c.history.RecentTransitions(ctx, limit)
		if err != nil {
			return err
		}
		tw := c.table([]string{"Time", "From", "To", "Attempt", "Reason"})
		for _, r := range recs {
			tw.Append([]string{
				r.At.Local().Format(time.TimeOnly), r.From, r.To, strconv.Itoa(r.Attempt), r.Reason,
			})
		}
		tw.Render()
	default:
		return fmt.Errorf("usage: history [events|transitions] [n]")
	}
	return nil
}
