package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/fishbowl-sh/fishbowl/pkg/queue"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// watchCmd streams server events over the WebSocket and accepts one-letter
// resolution commands on stdin:
//
//	a <id>   approve a request
//	d <id>   deny a request
//	A <cat>  approve every pending request in a category
//	D <cat>  deny every pending request in a category
//	q        quit
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream permission events and resolve them interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/ws"
			conn, _, err := websocket.Dial(ctx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", wsURL, err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "bye")

			go readStdin(ctx, cancel, conn)

			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("connection lost: %w", err)
				}
				printEvent(data)
			}
		},
	}
}

func readStdin(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "q":
			cancel()
			return
		case "a", "d":
			if len(fields) < 2 {
				fmt.Fprintln(os.Stderr, "usage: a <id> | d <id>")
				continue
			}
			msgType := "approve"
			if fields[0] == "d" {
				msgType = "deny"
			}
			frame, _ := json.Marshal(map[string]string{"type": msgType, "id": fields[1]})
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				fmt.Fprintln(os.Stderr, "send failed:", err)
			}
		case "A", "D":
			if len(fields) < 2 {
				fmt.Fprintln(os.Stderr, "usage: A <category> | D <category>")
				continue
			}
			// Bulk resolution goes over HTTP; the socket stays a pure
			// event stream plus single-id commands.
			status := types.StatusApproved
			if fields[0] == "D" {
				status = types.StatusDenied
			}
			var out struct {
				Count int `json:"count"`
			}
			if err := postJSON("/api/queue/bulk", map[string]any{
				"category":   fields[1],
				"status":     status,
				"resolvedBy": types.ResolvedByCLI,
			}, &out); err != nil {
				fmt.Fprintln(os.Stderr, "bulk resolve failed:", err)
				continue
			}
			fmt.Printf("resolved %d request(s)\n", out.Count)
		default:
			fmt.Fprintln(os.Stderr, "commands: a <id> | d <id> | A <cat> | D <cat> | q")
		}
	}
	cancel()
}

func printEvent(data []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "init":
		var init struct {
			Pending []queue.Request `json:"pending"`
		}
		_ = json.Unmarshal(msg.Data, &init)
		fmt.Printf("connected, %d pending\n", len(init.Pending))
		for _, r := range init.Pending {
			printRequest(r)
		}
	case "request":
		var r queue.Request
		if json.Unmarshal(msg.Data, &r) == nil {
			fmt.Printf("+ %-10s %-12s %s\n", r.ID, r.Category, r.Action)
		}
	case "resolve":
		var r queue.Request
		if json.Unmarshal(msg.Data, &r) == nil {
			fmt.Printf("= %-10s %s by %s\n", r.ID, r.Status, r.ResolvedBy)
		}
	case "rules":
		fmt.Println("rules updated")
	case "shutdown":
		fmt.Println("server shutting down")
	}
}
