// Package dispatch composes the catalog, binding store, command parser
// and invoker into one request/response cycle per inbound chat message.
// Requests sharing a user key run strictly one at a time in arrival
// order; distinct users run concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sjoeboo/codexrelay/internal/binding"
	"github.com/sjoeboo/codexrelay/internal/catalog"
	"github.com/sjoeboo/codexrelay/internal/command"
	"github.com/sjoeboo/codexrelay/internal/invoker"
	"github.com/sjoeboo/codexrelay/internal/logging"
)

// ErrKind classifies a failed request for the transport layer.
type ErrKind int

const (
	ErrNone ErrKind = iota

	// ErrNotFound: unresolvable session token, vanished record, or an
	// unreadable session store
	ErrNotFound

	// ErrValidation: malformed command arguments
	ErrValidation

	// ErrInvocation: the codex process failed, produced no parsable
	// output, or timed out
	ErrInvocation

	// ErrStoreIO: the binding file could not be written. Fatal for the
	// request only.
	ErrStoreIO
)

// Reply is the payload handed back to the transport adapter. Every
// request produces exactly one Reply; faults never escape HandleMessage.
type Reply struct {
	// Text is the user-facing message
	Text string

	// Err classifies a failure, ErrNone on success
	Err ErrKind

	// Listing carries the records behind a session listing so rich
	// transports can render per-session actions. Nil otherwise.
	Listing []catalog.Record
}

// Invoker runs one codex turn. Satisfied by *invoker.Runner.
type Invoker interface {
	Run(ctx context.Context, req invoker.Request) (invoker.Result, error)
}

// Coordinator owns the per-user serialization and the ephemeral
// listing context. One Coordinator per transport deployment, each with
// its own binding store.
type Coordinator struct {
	catalog    *catalog.Store
	bindings   *binding.Store
	invoker    Invoker
	defaultCWD string
	log        *slog.Logger

	mu    sync.Mutex
	users map[string]*userState
}

// userState is per-user in-process state. Requests queue in FIFO order
// and a single drainer goroutine works them off, so execution order is
// exactly enqueue order. The listing fields implement the bare-number
// switch shortcut, live only in memory, and are touched only by the
// drainer.
type userState struct {
	mu      sync.Mutex
	queue   []job
	running bool

	listingShown bool
	lastListing  []string // session ids by 1-based display index
}

// job is one queued request; deliver is called with the reply from the
// user's drainer goroutine.
type job struct {
	ctx     context.Context
	text    string
	deliver func(Reply)
}

// New creates a Coordinator. defaultCWD is used for new sessions when
// the user never picked a working directory.
func New(cat *catalog.Store, bindings *binding.Store, inv Invoker, defaultCWD string) *Coordinator {
	return &Coordinator{
		catalog:    cat,
		bindings:   bindings,
		invoker:    inv,
		defaultCWD: defaultCWD,
		log:        logging.ForComponent(logging.CompDispatch),
	}
}

func (c *Coordinator) userStateFor(userKey string) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.users == nil {
		c.users = make(map[string]*userState)
	}
	st, ok := c.users[userKey]
	if !ok {
		st = &userState{}
		c.users[userKey] = st
	}
	return st
}

// Enqueue appends one inbound message to the user's FIFO queue and
// returns immediately. deliver runs on the user's drainer goroutine
// once all earlier requests for the same key have finished, so calling
// Enqueue from a transport's receive loop makes arrival order the
// execution and reply order.
func (c *Coordinator) Enqueue(ctx context.Context, userKey, text string, deliver func(Reply)) {
	st := c.userStateFor(userKey)
	st.mu.Lock()
	st.queue = append(st.queue, job{ctx: ctx, text: text, deliver: deliver})
	if !st.running {
		st.running = true
		go c.drain(userKey, st)
	}
	st.mu.Unlock()
}

// HandleMessage processes one inbound message for userKey and returns
// the reply. It blocks while earlier requests for the same key are in
// flight.
func (c *Coordinator) HandleMessage(ctx context.Context, userKey, text string) Reply {
	done := make(chan Reply, 1)
	c.Enqueue(ctx, userKey, text, func(r Reply) { done <- r })
	return <-done
}

// drain works the queue off one job at a time. At most one drainer
// runs per userState; it exits when the queue is empty.
func (c *Coordinator) drain(userKey string, st *userState) {
	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.running = false
			st.mu.Unlock()
			return
		}
		j := st.queue[0]
		st.queue = st.queue[1:]
		st.mu.Unlock()

		j.deliver(c.process(j.ctx, userKey, st, j.text))
	}
}

func (c *Coordinator) process(ctx context.Context, userKey string, st *userState, text string) Reply {
	cmd, err := command.Parse(text, st.listingShown)
	if err != nil {
		// A malformed command still expires the bare-number shortcut.
		st.listingShown = false
		return Reply{Text: err.Error(), Err: ErrValidation}
	}

	reply := c.execute(ctx, userKey, st, cmd)

	// The bare-number shortcut holds only until the next non-listing
	// reply.
	st.listingShown = cmd.Kind == command.KindSessions || cmd.Kind == command.KindFind
	return reply
}

func (c *Coordinator) execute(ctx context.Context, userKey string, st *userState, cmd command.Command) Reply {
	switch cmd.Kind {
	case command.KindHelp:
		return Reply{Text: command.HelpText}

	case command.KindSessions:
		return c.listSessions(st, cmd.N)

	case command.KindFind:
		return c.findSessions(st, cmd.Text)

	case command.KindUse:
		return c.useSession(userKey, st, cmd.Token)

	case command.KindBareIndex:
		return c.useSession(userKey, st, strconv.Itoa(cmd.N))

	case command.KindHistory:
		return c.showHistory(userKey, st, cmd.Token, cmd.N)

	case command.KindNew:
		return c.newSession(userKey, cmd.CWD)

	case command.KindStatus:
		return c.status(userKey)

	case command.KindAsk, command.KindPlain:
		return c.turn(ctx, userKey, cmd.Text)
	}
	return Reply{Text: command.HelpText}
}

func (c *Coordinator) listSessions(st *userState, limit int) Reply {
	records, err := c.catalog.ListRecent(limit)
	if err != nil {
		c.log.Error("listing sessions failed", "error", err)
		return Reply{Text: "Could not read the session store.", Err: ErrNotFound}
	}
	if len(records) == 0 {
		st.lastListing = nil
		return Reply{Text: "No sessions found."}
	}
	return c.renderListing(st, "Recent sessions:", records)
}

func (c *Coordinator) findSessions(st *userState, query string) Reply {
	records, err := c.catalog.Search(query, command.SessionsMax)
	if err != nil {
		c.log.Error("session search failed", "error", err)
		return Reply{Text: "Could not read the session store.", Err: ErrNotFound}
	}
	if len(records) == 0 {
		st.lastListing = nil
		return Reply{Text: fmt.Sprintf("No sessions match %q.", query)}
	}
	return c.renderListing(st, fmt.Sprintf("Sessions matching %q:", query), records)
}

func (c *Coordinator) renderListing(st *userState, header string, records []catalog.Record) Reply {
	ids := make([]string, len(records))
	var b strings.Builder
	b.WriteString(header)
	for i, rec := range records {
		ids[i] = rec.ID
		fmt.Fprintf(&b, "\n%d. %s [%s] %s", i+1, rec.Title, rec.ShortID(), relTime(rec.LastActivity))
		if rec.CWD != "" {
			fmt.Fprintf(&b, "\n   %s", rec.CWD)
		}
	}
	b.WriteString("\n\nReply with a number or /use <n> to switch.")
	st.lastListing = ids
	return Reply{Text: b.String(), Listing: records}
}

func (c *Coordinator) useSession(userKey string, st *userState, token string) Reply {
	rec, reply, ok := c.resolve(st, token)
	if !ok {
		return reply
	}
	if err := c.bindings.SetActive(userKey, rec.ID, rec.CWD); err != nil {
		c.log.Error("binding update failed", "user", userKey, "error", err)
		return Reply{Text: "Could not save the session binding.", Err: ErrStoreIO}
	}
	text := fmt.Sprintf("Switched to %s [%s].", rec.Title, rec.ShortID())
	if rec.CWD != "" {
		text += "\nWorking directory: " + rec.CWD
	}
	return Reply{Text: text}
}

func (c *Coordinator) showHistory(userKey string, st *userState, token string, limit int) Reply {
	var id string
	if token == "" {
		b := c.bindings.Get(userKey)
		if b.ActiveSessionID == "" {
			return Reply{
				Text: "No active session. Pick one with /sessions and /use first.",
				Err:  ErrValidation,
			}
		}
		id = b.ActiveSessionID
	} else {
		rec, reply, ok := c.resolve(st, token)
		if !ok {
			return reply
		}
		id = rec.ID
	}

	rec, msgs, err := c.catalog.History(id, limit)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Reply{Text: fmt.Sprintf("Session %s no longer exists on disk.", shortToken(id)), Err: ErrNotFound}
		}
		c.log.Error("history read failed", "session", id, "error", err)
		return Reply{Text: "Could not read the session record.", Err: ErrNotFound}
	}
	if len(msgs) == 0 {
		return Reply{Text: fmt.Sprintf("%s [%s] has no messages yet.", rec.Title, rec.ShortID())}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s], last %d message(s):", rec.Title, rec.ShortID(), len(msgs))
	for _, m := range msgs {
		label := "Codex"
		if m.Role == "user" {
			label = "You"
		}
		fmt.Fprintf(&b, "\n\n%s: %s", label, catalog.CompactMessage(m.Text))
	}
	return Reply{Text: b.String()}
}

func (c *Coordinator) newSession(userKey, cwd string) Reply {
	if cwd != "" {
		info, err := os.Stat(cwd)
		if err != nil || !info.IsDir() {
			return Reply{
				Text: fmt.Sprintf("%s is not a directory.", cwd),
				Err:  ErrValidation,
			}
		}
	} else {
		// Without an override the user keeps their current directory.
		if cwd = c.bindings.Get(userKey).ActiveCWD; cwd == "" {
			cwd = c.defaultCWD
		}
	}
	if err := c.bindings.MarkPendingNew(userKey, cwd); err != nil {
		c.log.Error("binding update failed", "user", userKey, "error", err)
		return Reply{Text: "Could not save the session binding.", Err: ErrStoreIO}
	}
	return Reply{Text: fmt.Sprintf("Next message starts a new session in %s.", cwd)}
}

func (c *Coordinator) status(userKey string) Reply {
	b := c.bindings.Get(userKey)
	var lines []string
	if b.PendingNewSession {
		lines = append(lines, "A new session starts with your next message.")
	}
	if b.ActiveSessionID != "" {
		rec, err := c.catalog.FindByID(b.ActiveSessionID)
		if err != nil {
			lines = append(lines, fmt.Sprintf("Active session: %s (record missing on disk)", shortToken(b.ActiveSessionID)))
		} else {
			lines = append(lines, fmt.Sprintf("Active session: %s [%s]", rec.Title, rec.ShortID()))
		}
	} else if !b.PendingNewSession {
		lines = append(lines, "No active session.")
	}
	if b.ActiveCWD != "" {
		lines = append(lines, "Working directory: "+b.ActiveCWD)
	}
	return Reply{Text: strings.Join(lines, "\n")}
}

// turn runs one prompt against codex, honoring the pending-new flag and
// the active binding. The binding only changes after a successful
// invocation.
func (c *Coordinator) turn(ctx context.Context, userKey, text string) Reply {
	if strings.TrimSpace(text) == "" {
		return Reply{Text: command.HelpText}
	}

	b := c.bindings.Get(userKey)
	cwd := b.ActiveCWD
	if cwd != "" {
		if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
			c.log.Warn("bound working directory is gone, falling back to default", "user", userKey, "cwd", cwd)
			cwd = ""
		}
	}
	if cwd == "" {
		cwd = c.defaultCWD
	}

	req := invoker.Request{Prompt: text, CWD: cwd}
	if !b.PendingNewSession && b.ActiveSessionID != "" {
		req.ResumeSessionID = b.ActiveSessionID
	}

	res, err := c.invoker.Run(ctx, req)
	if err != nil {
		return invocationReply(err)
	}

	// Without a session id in the output there is nothing to bind to;
	// a pending-new flag stays set so the next message retries.
	if res.SessionID == "" {
		return Reply{Text: res.Reply}
	}
	if err := c.bindings.SetActive(userKey, res.SessionID, cwd); err != nil {
		c.log.Error("binding update failed after invocation", "user", userKey, "error", err)
		return Reply{
			Text: res.Reply + "\n\n(warning: the session binding could not be saved)",
			Err:  ErrStoreIO,
		}
	}
	return Reply{Text: res.Reply}
}

func invocationReply(err error) Reply {
	var f *invoker.Failure
	if errors.As(err, &f) {
		text := f.Message
		if f.Diagnostic != "" {
			text += "\n\n" + f.Diagnostic
		}
		return Reply{Text: text, Err: ErrInvocation}
	}
	return Reply{Text: "Codex invocation failed: " + err.Error(), Err: ErrInvocation}
}

// resolve maps a display index or literal session id to a record. The
// returned Reply is populated only when ok is false.
func (c *Coordinator) resolve(st *userState, token string) (catalog.Record, Reply, bool) {
	if n, err := strconv.Atoi(token); err == nil {
		if n < 1 || n > len(st.lastListing) {
			return catalog.Record{}, Reply{
				Text: fmt.Sprintf("No session with number %d in the last listing. Run /sessions again.", n),
				Err:  ErrNotFound,
			}, false
		}
		token = st.lastListing[n-1]
	}
	rec, err := c.catalog.FindByID(token)
	if err != nil {
		return catalog.Record{}, Reply{
			Text: fmt.Sprintf("Session not found: %s", shortToken(token)),
			Err:  ErrNotFound,
		}, false
	}
	return rec, Reply{}, true
}

func shortToken(token string) string {
	if len(token) > 16 {
		return token[:16] + "…"
	}
	return token
}

// relTime renders a timestamp for listings.
func relTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 14*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
