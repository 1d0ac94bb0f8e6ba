// Command trafficctl drives a running trafficsim over its HTTP API.
//
//	trafficctl [-addr URL] nodes
//	trafficctl node ID
//	trafficctl add [ID]
//	trafficctl fail ID | revive ID
//	trafficctl heartbeats | connections
//	trafficctl connect A B | disconnect A B
//	trafficctl logs [N]
//	trafficctl watch
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/trafficnet/internal/cluster"
)

const defaultAddr = "http://localhost:8090"

var errUsage = errors.New("usage: trafficctl [-addr URL] nodes|node|add|fail|revive|heartbeats|connections|connect|disconnect|logs|watch [args]")

func main() {
	addr := flag.String("addr", getenv("TRAFFICNET_ADDR", defaultAddr), "trafficsim base URL")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// run executes one command against addr and writes its output to out.
func run(ctx context.Context, addr string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	base := strings.TrimRight(addr, "/")
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "nodes":
		var nodes []cluster.NodeSnapshot
		if err := cluster.GetJSON(ctx, base+"/nodes", &nodes); err != nil {
			return err
		}
		printNodes(out, nodes, time.Now())
		return nil

	case "node":
		if len(rest) != 1 {
			return errUsage
		}
		var snap cluster.NodeSnapshot
		if err := cluster.GetJSON(ctx, base+"/nodes/"+url.PathEscape(rest[0]), &snap); err != nil {
			return err
		}
		printNodes(out, []cluster.NodeSnapshot{snap}, time.Now())
		return nil

	case "add":
		var req cluster.AddNodeRequest
		if len(rest) > 1 {
			return errUsage
		}
		if len(rest) == 1 {
			req.ID = rest[0]
		}
		var snap cluster.NodeSnapshot
		if err := cluster.PostJSON(ctx, base+"/nodes", req, &snap); err != nil {
			return err
		}
		fmt.Fprintf(out, "added %s connected to %s\n", snap.ID, strings.Join(snap.Neighbors, ", "))
		return nil

	case "fail", "revive":
		if len(rest) != 1 {
			return errUsage
		}
		if err := cluster.PostJSON(ctx, base+"/nodes/"+url.PathEscape(rest[0])+"/"+cmd, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s ok\n", rest[0], cmd)
		return nil

	case "heartbeats":
		var hb []cluster.HeartbeatStatus
		if err := cluster.GetJSON(ctx, base+"/heartbeats", &hb); err != nil {
			return err
		}
		printHeartbeats(out, hb)
		return nil

	case "connections":
		var conns []cluster.Connection
		if err := cluster.GetJSON(ctx, base+"/connections", &conns); err != nil {
			return err
		}
		for _, c := range conns {
			fmt.Fprintf(out, "%s <-> %s\n", c.A, c.B)
		}
		return nil

	case "connect", "disconnect":
		if len(rest) != 2 {
			return errUsage
		}
		c := cluster.Connection{A: rest[0], B: rest[1]}
		var err error
		if cmd == "connect" {
			err = cluster.PostJSON(ctx, base+"/connections", c, nil)
		} else {
			err = cluster.DeleteJSON(ctx, base+"/connections", c, nil)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%sed %s and %s\n", cmd, c.A, c.B)
		return nil

	case "logs":
		tail := 20
		if len(rest) == 1 {
			n, err := strconv.Atoi(rest[0])
			if err != nil || n < 0 {
				return fmt.Errorf("logs: bad count %q", rest[0])
			}
			tail = n
		} else if len(rest) > 1 {
			return errUsage
		}
		var lines []cluster.LogLine
		if err := cluster.GetJSON(ctx, fmt.Sprintf("%s/logs?tail=%d", base, tail), &lines); err != nil {
			return err
		}
		for _, l := range lines {
			printLine(out, l)
		}
		return nil

	case "watch":
		return watch(ctx, base, out)

	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func printNodes(out io.Writer, nodes []cluster.NodeSnapshot, now time.Time) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPHASE\tREMAINING\tRED\tGREEN\tNEIGHBORS\tFAILED")
	for _, n := range nodes {
		state, remaining := "active", n.Remaining(now).Truncate(time.Second).String()
		if n.Disabled {
			state, remaining = "disabled", "-"
		} else if !n.Active {
			state, remaining = "stopped", "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%dms\t%s\t%s\n",
			n.ID, state, n.Phase, remaining, n.RedDurationMs, n.GreenDurationMs,
			strings.Join(n.Neighbors, ","), strings.Join(n.FailedNeighbors, ","))
	}
	tw.Flush()
}

func printHeartbeats(out io.Writer, hb []cluster.HeartbeatStatus) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tAGE\tSTATUS\tCOORDINATOR")
	for _, h := range hb {
		age, status, coord := fmt.Sprintf("%.1fs", float64(h.AgeMs)/1000), "ok", "ok"
		if h.NeverReported {
			age = "-"
		}
		if h.Stale {
			status = "STALE"
		}
		if h.CoordinatorStale {
			coord = "STALE since " + time.UnixMilli(h.StaleSinceMs).Format("15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.NodeID, age, status, coord)
	}
	tw.Flush()
}

func printLine(out io.Writer, l cluster.LogLine) {
	fmt.Fprintf(out, "%s %s\n", l.Time.Format("15:04:05.000"), l.Line)
}

// watch follows the live log stream until ctx ends or the server closes it.
func watch(ctx context.Context, base string, out io.Writer) error {
	u, err := url.Parse(base + "/logs/stream?tail=10")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var l cluster.LogLine
		if err := conn.ReadJSON(&l); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		printLine(out, l)
	}
}
