package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/habedi/convo/netmon"
	"github.com/habedi/convo/session"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statusCmd bootstraps the session, probes the backend once and prints both as a table.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and network status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			st := a.session.CheckAuth(ctx)
			var expires time.Time
			if st.IsAuthenticated {
				expires, _ = a.tokens.ExpiresAt(ctx)
			}
			ns := a.monitor.Probe(ctx)

			renderStatus(cmd.OutOrStdout(), st, expires, ns)
			return nil
		},
	}
}

func renderStatus(w io.Writer, st session.State, expires time.Time, ns netmon.Status) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Item", "Value"})

	// Table appearance settings
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetRowLine(false)

	user := "-"
	if st.User != nil {
		user = fmt.Sprintf("%s (%s)", displayName(st.User.Name, st.User.ID), st.User.Type)
	}
	expiry := "-"
	if !expires.IsZero() {
		expiry = fmt.Sprintf("%s (in %s)", expires.Local().Format(time.RFC3339), time.Until(expires).Round(time.Second))
	}
	network := "offline"
	if ns.Online {
		network = "online"
	}
	rtt := "-"
	if ns.RTT > 0 {
		rtt = ns.RTT.Round(time.Millisecond).String()
	}

	table.Append([]string{"Authenticated", yesNo(st.IsAuthenticated)})
	table.Append([]string{"User", user})
	table.Append([]string{"Token expires", expiry})
	table.Append([]string{"Refreshing", yesNo(st.IsRefreshing)})
	table.Append([]string{"Network", network})
	table.Append([]string{"Quality", string(ns.Quality)})
	table.Append([]string{"RTT", rtt})
	table.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
