package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/admin"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const adminTimeout = 10 * time.Second

// adminClient fala com a API de administração de um gateway em execução.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(f *rootFlags) (*adminClient, error) {
	u, err := url.Parse(strings.TrimRight(f.adminURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid --admin-url %q", f.adminURL)
	}
	return &adminClient{
		base:  u.String(),
		token: f.adminToken,
		http:  &http.Client{Timeout: adminTimeout},
	}, nil
}

type adminError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *adminError) Error() string {
	msg := fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		if body.RequestID == "" {
			body.RequestID = resp.Header.Get(admin.RequestIDHeader)
		}
		return &adminError{Status: resp.StatusCode, Message: body.Error, RequestID: body.RequestID}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid admin response: %w", err)
	}
	return nil
}

func clientPath(id string) string {
	return "/clients/" + url.PathEscape(id)
}

func addOutputFlag(cmd *cobra.Command, out *string) {
	cmd.Flags().StringVarP(out, "output", "o", "table", "output format: table or json")
}

func writeOutput(w io.Writer, format string, v any, render func() string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table", "":
		_, err := fmt.Fprintln(w, render())
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newStatsCmd(f *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request statistics of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAdminClient(f)
			if err != nil {
				return err
			}
			var st domain.Statistics
			if err := c.do(cmd.Context(), http.MethodGet, "/stats", &st); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, st, func() string { return renderStats(st) })
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newInspectCmd(f *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "inspect <clientId>",
		Short: "Show the tracked usage records of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient(f)
			if err != nil {
				return err
			}
			var view admin.ClientView
			if err := c.do(cmd.Context(), http.MethodGet, clientPath(args[0]), &view); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, view, func() string { return renderClient(view, time.Now()) })
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newResetCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <clientId>",
		Short: "Clear every tracked record whose key starts with clientId",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient(f)
			if err != nil {
				return err
			}
			var view admin.ResetView
			if err := c.do(cmd.Context(), http.MethodDelete, clientPath(args[0]), &view); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset %s: %d record(s) removed\n", view.ClientID, view.Removed)
			return err
		},
	}
	return cmd
}

func renderStats(st domain.Statistics) string {
	summary := table.NewWriter()
	summary.SetStyle(table.StyleRounded)
	summary.AppendHeader(table.Row{"Total", "Blocked", "Blocked %", "Generated"})
	summary.AppendRow(table.Row{
		st.TotalRequests,
		st.BlockedRequests,
		fmt.Sprintf("%.2f", st.BlockedPercentage),
		st.GeneratedAt.Format(time.RFC3339),
	})

	endpoints := table.NewWriter()
	endpoints.SetStyle(table.StyleRounded)
	endpoints.SetTitle("Top endpoints")
	endpoints.AppendHeader(table.Row{"#", "Endpoint", "Requests", "Blocked"})
	for i, e := range st.TopEndpoints {
		endpoints.AppendRow(table.Row{i + 1, e.Endpoint, e.Requests, e.Blocked})
	}

	clients := table.NewWriter()
	clients.SetStyle(table.StyleRounded)
	clients.SetTitle("Top clients")
	clients.AppendHeader(table.Row{"#", "Client", "Requests"})
	for i, c := range st.TopClients {
		clients.AppendRow(table.Row{i + 1, c.ClientID, c.Requests})
	}

	return summary.Render() + "\n" + endpoints.Render() + "\n" + clients.Render()
}

func renderClient(view admin.ClientView, now time.Time) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Client " + view.ClientID)
	t.AppendHeader(table.Row{"Key", "Origin", "Tier", "Sec", "Min", "Hour", "Day", "Violations", "Penalty", "Last request"})
	for _, u := range view.Records {
		t.AppendRow(table.Row{
			string(u.Key),
			u.OriginAddress,
			string(u.Tier),
			u.CountSecond,
			u.CountMinute,
			u.CountHour,
			u.CountDay,
			u.ViolationCount,
			penaltyLabel(u, now),
			u.LastRequestAt.Format(time.RFC3339),
		})
	}
	return t.Render()
}

func penaltyLabel(u domain.ClientUsage, now time.Time) string {
	if !u.Penalized(now) {
		return "-"
	}
	return "until " + u.PenaltyUntil.Format(time.RFC3339) + " (" + u.PenaltyUntil.Sub(now).Round(time.Second).String() + ")"
}
