// ABOUTME: Interactive chat loop for coven-dash over the client runtime
// ABOUTME: Streams agent replies as they fold and offers slash commands for sessions

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dash/internal/client"
	"github.com/2389/coven-dash/internal/conversation"
	"github.com/2389/coven-dash/internal/transcript"
)

func runChat(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	c := a.client
	if err := c.Start(ctx); err != nil {
		return err
	}

	out := &console{w: os.Stdout}
	out.println(color.CyanString("coven-dash %s", version) + color.HiBlackString(" connected to %s", a.cfg.Server.URL))
	out.println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	out.println("")

	go out.follow(ctx, c)
	go out.notices(ctx, c)

	return readLoop(ctx, c, out)
}

func readLoop(ctx context.Context, c *client.Client, out *console) error {
	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		quit, err := dispatch(ctx, c, out, input)
		if err != nil {
			out.error(err)
		}
		if quit {
			return nil
		}
	}
}

// dispatch runs one line of input. It reports true when the loop should end.
func dispatch(ctx context.Context, c *client.Client, out *console, input string) (bool, error) {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	selected := c.Sessions.Selected()

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help":
		printChatHelp(out)

	case "/sessions":
		for _, s := range c.Sessions.Sessions() {
			marker := "  "
			if s.ID == selected {
				marker = color.GreenString("▶ ")
			}
			state := ""
			if s.Thinking {
				state = color.YellowString(" (thinking)")
			}
			out.println(fmt.Sprintf("%s%s %s%s", marker, s.DisplayName, color.HiBlackString(s.ID), state))
		}

	case "/new":
		id, err := c.Sessions.CreateSession(ctx)
		if err != nil {
			return false, err
		}
		if err := c.Sessions.Select(ctx, id); err != nil {
			return false, err
		}
		out.println(color.GreenString("Created %s", id))

	case "/delete":
		id := arg
		if id == "" {
			id = selected
		}
		if id == "" {
			return false, errors.New("no session selected")
		}
		if err := c.Sessions.DeleteSession(ctx, id); err != nil {
			return false, err
		}
		out.println(color.HiBlackString("Deleted %s", id))

	case "/use":
		if arg == "" {
			return false, errors.New("usage: /use <session id>")
		}
		if err := c.Sessions.Select(ctx, arg); err != nil {
			return false, err
		}
		out.showSession(c, arg)

	case "/history":
		if selected == "" {
			return false, errors.New("no session selected")
		}
		out.showSession(c, selected)

	case "/export":
		if arg == "" {
			return false, errors.New("usage: /export <file.html>")
		}
		s, ok := c.Sessions.Session(selected)
		if !ok {
			return false, errors.New("no session selected")
		}
		if err := transcript.WriteFile(arg, s, time.Now()); err != nil {
			return false, err
		}
		out.println(color.GreenString("Wrote %s", arg))

	case "/status":
		st := c.Status()
		out.println(fmt.Sprintf("channel: %s, sessions: %d, selected: %s", st.Channel, st.Sessions, st.Selected))
		if st.User != nil {
			out.println(fmt.Sprintf("user: %s, token expires %s", st.User.Email, st.ExpiresAt.Local().Format(time.Kitchen)))
		}

	default:
		if strings.HasPrefix(cmd, "/") && !strings.HasPrefix(cmd, "/tool") {
			return false, fmt.Errorf("unknown command %s", cmd)
		}
		if selected == "" {
			return false, errors.New("no session selected")
		}
		out.sent(selected)
		return false, c.Sessions.SendMessage(ctx, selected, input)
	}
	return false, nil
}

func printChatHelp(out *console) {
	out.println("Commands:")
	out.println("  /sessions        List sessions")
	out.println("  /new             Create and switch to a new session")
	out.println("  /use <id>        Switch session")
	out.println("  /delete [id]     Delete a session (default: current)")
	out.println("  /history         Reprint the current session")
	out.println("  /export <file>   Save the current session as HTML")
	out.println("  /status          Connection and credential status")
	out.println("  /quit            Exit")
}

// console serializes terminal output and tracks how much of the selected
// session has already been printed.
type console struct {
	w io.Writer

	mu          sync.Mutex
	sessionID   string
	printed     int    // messages fully printed
	partialText string // text printed so far for the open message
}

func (o *console) println(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.w, line)
}

func (o *console) error(err error) {
	o.println(color.RedString("[%s] %v", client.Classify(err), err))
}

// sent marks the user's own message as printed; the terminal already shows it.
func (o *console) sent(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessionID == sessionID {
		o.printed++
	}
}

func (o *console) notices(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.Notices():
			o.println(color.New(color.FgRed, color.Bold).Sprintf("[%s] ", n.Kind) + n.Message)
		}
	}
}

// follow renders updates for whichever session is selected.
func (o *console) follow(ctx context.Context, c *client.Client) {
	updates := c.Sessions.Subscribe(ctx, "")
	for u := range updates {
		selected := c.Sessions.Selected()
		switch {
		case u.Kind == conversation.UpdateConnection:
			o.println(color.HiBlackString("(channel %s)", c.Channel.State()))
		case u.SessionID != selected || selected == "":
			// another session; shown on /use
		case u.Kind == conversation.UpdateHistory:
			if s, ok := c.Sessions.Session(selected); ok && !s.Loading() {
				o.showSession(c, selected)
			}
		case u.Kind == conversation.UpdateMessages:
			if s, ok := c.Sessions.Session(selected); ok {
				o.stream(s)
			}
		case u.Kind == conversation.UpdateError:
			if s, ok := c.Sessions.Session(selected); ok && s.LastError != nil {
				o.error(s.LastError)
			}
		}
	}
}

// showSession reprints the whole session and resets streaming state.
func (o *console) showSession(c *client.Client, id string) {
	s, ok := c.Sessions.Session(id)
	if !ok {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.w, color.CyanString("── %s ──", s.DisplayName))
	o.sessionID = id
	o.printed = 0
	o.partialText = ""
	for _, m := range s.Messages {
		if m.Partial {
			break
		}
		o.printMessageLocked(m)
		o.printed++
	}
}

// stream prints what is new since the last call: finished messages, and
// the growth of the open partial.
func (o *console) stream(s conversation.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sessionID != s.ID {
		return
	}
	for i := o.printed; i < len(s.Messages); i++ {
		m := s.Messages[i]
		if m.Origin != conversation.OriginAgent {
			if o.partialText != "" {
				fmt.Fprintln(o.w)
				o.partialText = ""
			}
			o.printMessageLocked(m)
			o.printed = i + 1
			continue
		}

		if o.partialText == "" {
			fmt.Fprint(o.w, color.MagentaString("agent> "))
		}
		if rest, ok := strings.CutPrefix(m.Text, o.partialText); ok {
			fmt.Fprint(o.w, rest)
		} else {
			// The final text differs from what streamed; show it whole.
			fmt.Fprint(o.w, "\n"+color.MagentaString("agent> ")+m.Text)
		}
		o.partialText = m.Text

		if m.Partial {
			return
		}
		fmt.Fprintln(o.w)
		o.partialText = ""
		o.printed = i + 1
	}
}

func (o *console) printMessageLocked(m conversation.Message) {
	switch m.Origin {
	case conversation.OriginUser:
		fmt.Fprintln(o.w, color.GreenString("you> ")+m.Text)
	case conversation.OriginAgent:
		fmt.Fprintln(o.w, color.MagentaString("agent> ")+m.Text)
	default:
		fmt.Fprintln(o.w, color.YellowString("system> ")+m.Text)
	}
}
