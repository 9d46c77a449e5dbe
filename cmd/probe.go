package cmd

import (
	"time"

	"github.com/habedi/convo/pkg/clierr"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check whether the backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ns := a.monitor.Probe(cmd.Context())
			if !ns.Online {
				return clierr.New(clierr.Network, "The backend at "+a.cfg.BaseURL+" is not reachable.", nil)
			}
			cmd.Printf("Reachable: %s (quality %s, rtt %s)\n", a.cfg.BaseURL, ns.Quality, ns.RTT.Round(time.Millisecond))
			return nil
		},
	}
}
