// Command chat is a terminal client for a wingman server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"wingman/internal/client"
	"wingman/internal/client/convstore"
	"wingman/internal/client/httpapi"
	"wingman/internal/client/localstore"
	"wingman/internal/models"
	"wingman/internal/obs"
)

const help = `commands:
  register <email> <password>   create an account
  confirm <token>               confirm the emailed token
  login <email> <password>      sign in
  logout
  list                          show conversations
  use <id>                      switch conversation
  new                           start a new conversation
  send <text>                   send a message
  image <path> [text]           send a screenshot with optional text
  retry <message id>            resend a failed message
  discard <message id>          drop a failed message
  rename <id> <title>
  delete <id>
  quit`

func main() {
	server := flag.String("server", "http://localhost:8090", "wingman server base URL")
	statePath := flag.String("state", localstore.DefaultPath(), "file that remembers the active conversation")
	env := flag.String("env", "dev", "log format: dev for text, anything else for JSON")
	flag.Parse()

	logger := obs.NewLogger(*env)
	store, err := localstore.Open(*statePath)
	if err != nil {
		logger.Error("open local state", "path", *statePath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	api := httpapi.New(*server, nil)
	session := client.NewSession(api, store, logger)
	r := &repl{session: session, accounts: api, out: os.Stdout}
	if err := r.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("chat stopped", "err", err)
		os.Exit(1)
	}
}

// accounts covers signup, which happens before there is a session.
type accounts interface {
	Register(ctx context.Context, email, password string) error
	Confirm(ctx context.Context, token string) error
}

type repl struct {
	session  *client.Session
	accounts accounts
	out      io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, help)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := r.exec(ctx, cmd, strings.TrimSpace(rest)); err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *repl) exec(ctx context.Context, cmd, args string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(r.out, help)
	case "register":
		email, password, ok := strings.Cut(args, " ")
		if !ok {
			return errors.New("usage: register <email> <password>")
		}
		if err := r.accounts.Register(ctx, email, password); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "check your inbox for the confirmation link")
	case "confirm":
		if err := r.accounts.Confirm(ctx, args); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "email confirmed, you can log in")
	case "login":
		email, password, ok := strings.Cut(args, " ")
		if !ok {
			return errors.New("usage: login <email> <password>")
		}
		if err := r.session.Login(ctx, email, password); err != nil {
			return err
		}
		return r.list(ctx)
	case "logout":
		return r.session.Logout(ctx)
	case "list":
		return r.list(ctx)
	case "use":
		if err := r.session.SetActiveConversationID(ctx, args); err != nil {
			return err
		}
		r.printMessages()
	case "new":
		return r.session.SetActiveConversationID(ctx, models.NewConversationID)
	case "send":
		if args == "" {
			return errors.New("usage: send <text>")
		}
		return r.send(ctx, models.StringPtr(args), nil)
	case "image":
		path, text, _ := strings.Cut(args, " ")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		var content *string
		if text = strings.TrimSpace(text); text != "" {
			content = &text
		}
		return r.send(ctx, content, []httpapi.Image{{Name: filepath.Base(path), Data: data}})
	case "retry":
		if _, err := r.session.Retry(ctx, args, r.printChunk()); err != nil {
			return err
		}
		fmt.Fprintln(r.out)
		r.printMessages()
	case "discard":
		if !r.session.Discard(args) {
			return fmt.Errorf("no failed message %s", args)
		}
		r.printMessages()
	case "rename":
		id, title, ok := strings.Cut(args, " ")
		if !ok {
			return errors.New("usage: rename <id> <title>")
		}
		conv, err := r.session.Rename(ctx, id, title)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "renamed %s to %q\n", conv.ID, conv.Title)
	case "delete":
		if err := r.session.Delete(ctx, args); err != nil {
			return err
		}
		return r.list(ctx)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (r *repl) list(ctx context.Context) error {
	convs, err := r.session.LoadConversations(ctx)
	active, _ := r.session.ActiveConversationID()
	for _, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %s  %s\n", marker, c.ID, c.Title)
	}
	if active == models.NewConversationID {
		fmt.Fprintln(r.out, "* new conversation")
	}
	if err != nil {
		return err
	}
	r.printMessages()
	return nil
}

func (r *repl) send(ctx context.Context, content *string, images []httpapi.Image) error {
	res, err := r.session.SendMessage(ctx, content, images, r.printChunk())
	fmt.Fprintln(r.out)
	if httpapi.IsBusy(err) {
		return errors.New("the assistant is busy with your previous message, try again shortly")
	}
	if err != nil {
		r.printMessages()
		return err
	}
	if res.Title != "" {
		fmt.Fprintf(r.out, "(conversation titled %q)\n", res.Title)
	}
	return nil
}

// printChunk prints the growing reply, writing only the part not printed yet.
func (r *repl) printChunk() func(string) {
	printed := 0
	return func(partial string) {
		if len(partial) > printed {
			fmt.Fprint(r.out, partial[printed:])
			printed = len(partial)
		}
	}
}

func (r *repl) printMessages() {
	for _, m := range r.session.Messages() {
		status := ""
		switch {
		case m.SendFailed:
			status = " [failed: retry " + m.ID + "]"
		case m.Optimistic:
			status = " [sending]"
		}
		images := ""
		if n := len(m.ImageURLs); n > 0 {
			images = fmt.Sprintf(" (+%d image)", n)
		}
		fmt.Fprintf(r.out, "%-9s %s%s%s\n", m.Sender+":", m.Text(), images, status)
	}
	if err := r.session.Err(); err != nil && err.Kind != convstore.SendFailed {
		fmt.Fprintln(r.out, "!", err)
	}
}
