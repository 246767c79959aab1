// Fishbowl is the operator CLI for the mediation server: list and resolve
// pending permission requests, manage rules, and watch events live.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fishbowl-sh/fishbowl/pkg/config"
	"github.com/fishbowl-sh/fishbowl/pkg/queue"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "fishbowl",
		Short:         "Operator CLI for the sandbox mediation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server",
		config.EnvOr("FISHBOWL_SERVER", "http://localhost:3700"),
		"mediation server base URL")

	root.AddCommand(listCmd(), approveCmd(), denyCmd(), rulesCmd(), allowCmd(), watchCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helpers
// ──────────────────────────────────────────────────────────────────────────────

var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ──────────────────────────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print pending permission requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Pending []queue.Request `json:"pending"`
			}
			if err := getJSON("/api/queue", &out); err != nil {
				return err
			}
			if len(out.Pending) == 0 {
				fmt.Println("no pending requests")
				return nil
			}
			for _, r := range out.Pending {
				printRequest(r)
			}
			return nil
		},
	}
}

func printRequest(r queue.Request) {
	age := time.Since(time.UnixMilli(r.CreatedAt)).Round(time.Second)
	fmt.Printf("%-10s %-12s %-40s %s\n", r.ID, r.Category, truncate(r.Action, 40), age)
	if r.Description != "" {
		fmt.Printf("           %s\n", r.Description)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func resolveCmd(verb, endpoint string) *cobra.Command {
	var all string
	cmd := &cobra.Command{
		Use:   verb + " <id>...",
		Short: verb + " permission requests by id, or every pending one in a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all != "" {
				status := types.StatusApproved
				if verb == "deny" {
					status = types.StatusDenied
				}
				var out struct {
					Count int `json:"count"`
				}
				if err := postJSON("/api/queue/bulk", map[string]any{
					"category":   all,
					"status":     status,
					"resolvedBy": types.ResolvedByCLI,
				}, &out); err != nil {
					return err
				}
				fmt.Printf("%s %d request(s)\n", verb+"d", out.Count)
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("request id required (or use --all <category>)")
			}
			for _, id := range args {
				err := postJSON("/api/queue/"+id+"/"+endpoint,
					map[string]any{"resolvedBy": types.ResolvedByCLI}, nil)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s %s: %v\n", verb, id, err)
					continue
				}
				fmt.Printf("%s %s\n", verb+"d", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&all, "all", "", "resolve every pending request in this category")
	return cmd
}

func approveCmd() *cobra.Command { return resolveCmd("approve", "approve") }
func denyCmd() *cobra.Command    { return resolveCmd("deny", "deny") }

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List allow and deny rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Allow []string `json:"allow"`
				Deny  []string `json:"deny"`
			}
			if err := getJSON("/api/rules", &out); err != nil {
				return err
			}
			fmt.Println("allow:")
			for _, r := range out.Allow {
				fmt.Println("  " + r)
			}
			fmt.Println("deny:")
			for _, r := range out.Deny {
				fmt.Println("  " + r)
			}
			return nil
		},
	}
}

func allowCmd() *cobra.Command {
	var deny bool
	cmd := &cobra.Command{
		Use:   "allow \"<category(pattern)>\"",
		Short: "Add an allow rule (or a deny rule with --deny)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleType := "allow"
			if deny {
				ruleType = "deny"
			}
			var out struct {
				Added bool `json:"added"`
			}
			if err := postJSON("/api/rules", map[string]string{
				"type": ruleType,
				"rule": args[0],
			}, &out); err != nil {
				return err
			}
			if !out.Added {
				return fmt.Errorf("rule not added (unparseable or duplicate): %s", args[0])
			}
			fmt.Printf("%s rule added: %s\n", ruleType, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "add to the deny list instead")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON("/api/status", &out); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
