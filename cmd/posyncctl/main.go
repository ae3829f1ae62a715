package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/matheus3301/posync/internal/client"
	"github.com/matheus3301/posync/internal/config"
	"github.com/matheus3301/posync/internal/daemon"
	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/lock"
	"github.com/matheus3301/posync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "sessions" {
		cmdSessions(output{json: *jsonFlag})
		return
	}

	c, err := client.New(session.SocketPath(sessionName), session.HealthSocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	timeout := 10 * time.Second
	if args[0] == "sync" {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := output{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "health":
		cmdHealth(ctx, c, out)
	case "sync":
		cmdSync(ctx, c, out)
	case "conversations":
		cmdConversations(ctx, c, out)
	case "messages":
		need(args, 2, "messages <channel> [limit]")
		limit := 0
		if len(args) > 2 {
			if limit, err = strconv.Atoi(args[2]); err != nil {
				fatal(fmt.Errorf("limit: %w", err))
			}
		}
		cmdMessages(ctx, c, out, args[1], limit)
	case "send":
		need(args, 3, "send <channel> <text...>")
		cmdSend(ctx, c, out, args[1], strings.Join(args[2:], " "))
	case "read":
		need(args, 2, "read <channel>")
		n, err := c.MarkRead(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		out.print(map[string]int{"marked": n}, func() { fmt.Printf("Marked %d message(s) read.\n", n) })
	case "customer":
		need(args, 2, "customer <id> | customer add <name> <mobile>")
		if args[1] == "add" {
			need(args, 4, "customer add <name...> <mobile>")
			cmdAddCustomer(ctx, c, out, strings.Join(args[2:len(args)-1], " "), args[len(args)-1])
			return
		}
		cmdCustomer(ctx, c, out, args[1])
	case "pay":
		need(args, 3, "pay <customer> <amount> [method]")
		method := "cash"
		if len(args) > 3 {
			method = args[3]
		}
		cmdPay(ctx, c, out, args[1], args[2], method)
	case "cancel":
		need(args, 2, "cancel <receipt> [reason]")
		r, err := c.CancelReceipt(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			fatal(err)
		}
		out.print(r, func() { fmt.Printf("Receipt %s cancelled.\n", r.ID) })
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: posyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show session status")
	fmt.Fprintln(os.Stderr, "  health                      Query the gRPC health service")
	fmt.Fprintln(os.Stderr, "  sync                        Run a full sync now")
	fmt.Fprintln(os.Stderr, "  conversations               List conversations")
	fmt.Fprintln(os.Stderr, "  messages <channel> [limit]  Show recent messages")
	fmt.Fprintln(os.Stderr, "  send <channel> <text...>    Queue a message")
	fmt.Fprintln(os.Stderr, "  read <channel>              Send read receipts")
	fmt.Fprintln(os.Stderr, "  customer <id>               Show open credits")
	fmt.Fprintln(os.Stderr, "  customer add <name> <mobile>  Register a customer")
	fmt.Fprintln(os.Stderr, "  pay <id> <amount> [method]  Record a customer payment")
	fmt.Fprintln(os.Stderr, "  cancel <receipt> [reason]   Cancel a receipt")
	fmt.Fprintln(os.Stderr, "  sessions                    List known sessions")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: posyncctl "+usage)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if errors.Is(err, errs.ErrUnauthorized) {
		fmt.Fprintln(os.Stderr, "hint: update api_token in "+session.ConfigPath())
	}
	os.Exit(1)
}

type output struct {
	json bool
}

func (o output) print(v any, text func()) {
	if !o.json {
		text()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

type sessionInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

func cmdSessions(out output) {
	cfg, err := config.LoadOrEmpty(session.ConfigPath())
	if err != nil {
		fatal(err)
	}
	names, err := session.Names(cfg, session.BaseDir())
	if err != nil {
		fatal(err)
	}
	infos := make([]sessionInfo, 0, len(names))
	for _, name := range names {
		info := sessionInfo{Name: name, Path: session.Dir(name)}
		if h, err := lock.ReadHolder(info.Path); err == nil && h.PID > 0 {
			info.Running, info.PID = true, h.PID
		}
		infos = append(infos, info)
	}
	out.print(infos, func() {
		if len(infos) == 0 {
			fmt.Println("No sessions found.")
			return
		}
		for _, s := range infos {
			running := "stopped"
			if s.Running {
				running = fmt.Sprintf("running, pid %d", s.PID)
			}
			fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
		}
	})
}

func cmdStatus(ctx context.Context, c *client.Client, out output) {
	st, err := c.Status(ctx)
	if err != nil {
		fatal(err)
	}
	out.print(st, func() {
		fmt.Printf("Session:       %s\n", st.Session)
		fmt.Printf("Status:        %s (since %s)\n", st.State, st.Since.Local().Format(time.DateTime))
		fmt.Printf("Uptime:        %s\n", time.Duration(st.UptimeSeconds)*time.Second)
		if st.Self != "" {
			fmt.Printf("Signed in as:  %s\n", st.Self)
		}
		fmt.Printf("Synced store:  %v\n", st.Synced)
		fmt.Printf("Conversations: %d\n", st.Conversations)
		fmt.Printf("Pending:       %d\n", st.Pending)
	})
}

func cmdHealth(ctx context.Context, c *client.Client, out output) {
	for _, service := range []string{"", daemon.MessagingService} {
		resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			fatal(err)
		}
		name := service
		if name == "" {
			name = "daemon"
		}
		if out.json {
			raw, err := protojson.Marshal(resp)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("{\"service\":%q,\"check\":%s}\n", name, raw)
			continue
		}
		fmt.Printf("%-18s %s\n", name, resp.GetStatus())
	}
}

func cmdSync(ctx context.Context, c *client.Client, out output) {
	res, err := c.Sync(ctx)
	if err != nil {
		fatal(err)
	}
	out.print(res, func() {
		fmt.Printf("Synced in %s\n", res.Duration.Round(time.Millisecond))
		fmt.Printf("Store:         %d pushed, %d pulled\n", res.Store.Pushed, res.Store.Pulled)
		fmt.Printf("Conversations: %d\n", res.Conversations)
		fmt.Printf("Contacts:      %d\n", res.Contacts)
		fmt.Printf("History:       %d message(s) in %d page(s), %d new\n", res.Restore.Messages, res.Restore.Pages, res.Restore.Written)
		fmt.Printf("Subscribed:    %d channel(s)\n", len(res.Channels))
	})
}

func cmdConversations(ctx context.Context, c *client.Client, out output) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		fatal(err)
	}
	out.print(convs, func() {
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, v := range convs {
			preview := ""
			if v.Last != nil {
				preview = v.Last.Content
			}
			fmt.Printf("%-24s %-6s %-20s %s\n", v.Channel, v.Type, v.Name, preview)
		}
	})
}

func cmdMessages(ctx context.Context, c *client.Client, out output, channel string, limit int) {
	msgs, err := c.Messages(ctx, channel, limit)
	if err != nil {
		fatal(err)
	}
	out.print(msgs, func() {
		for _, m := range msgs {
			fmt.Printf("%s  %-14s [%s] %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Author, m.Status, m.Content)
		}
	})
}

func cmdSend(ctx context.Context, c *client.Client, out output, channel, text string) {
	m, err := c.Send(ctx, channel, text)
	if err != nil {
		fatal(err)
	}
	out.print(m, func() { fmt.Printf("Queued %s (%s)\n", m.ID, m.Status) })
}

func cmdAddCustomer(ctx context.Context, c *client.Client, out output, name, mobile string) {
	cust, err := c.CreateCustomer(ctx, name, mobile)
	if err != nil {
		fatal(err)
	}
	out.print(cust, func() { fmt.Printf("Customer %s created for %s (%s)\n", cust.ID, cust.Name, cust.Mobile) })
}

func cmdCustomer(ctx context.Context, c *client.Client, out output, id string) {
	resp, err := c.Customer(ctx, id)
	if err != nil {
		fatal(err)
	}
	out.print(resp, func() {
		fmt.Printf("%s (%s)\n", resp.Customer.Name, resp.Customer.Mobile)
		fmt.Printf("Outstanding: %s\n", resp.Outstanding.StringFixed(2))
		for _, cr := range resp.Credits {
			fmt.Printf("  %-36s left %10s  paid %10s\n", cr.ID, cr.AmountLeft.StringFixed(2), cr.AmountPaid.StringFixed(2))
		}
	})
}

func cmdPay(ctx context.Context, c *client.Client, out output, customer, amount, method string) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		fatal(fmt.Errorf("amount: %w", err))
	}
	allocs, err := c.Pay(ctx, customer, amt, method, "")
	if err != nil {
		fatal(err)
	}
	out.print(allocs, func() {
		if len(allocs) == 0 {
			fmt.Println("Nothing outstanding; no payment recorded.")
			return
		}
		for _, a := range allocs {
			state := "partial"
			if a.Fulfilled {
				state = "settled"
			}
			fmt.Printf("  %-36s %10s  %s\n", a.Credit, a.Amount.StringFixed(2), state)
		}
	})
}
