package cmd

import (
	"github.com/habedi/convo/pkg/clierr"
	"github.com/spf13/cobra"
)

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.session.CheckAuth(cmd.Context())
			if !st.IsAuthenticated {
				return notLoggedIn(st.Err)
			}
			if st.User == nil {
				cmd.Println("Logged in (no profile cached).")
				return nil
			}

			u := st.User
			cmd.Println("Name:", displayName(u.Name, u.ID))
			cmd.Println("ID:", u.ID)
			cmd.Println("Type:", u.Type)
			if u.AcID != "" {
				cmd.Println("Account:", u.AcID)
			}
			if u.SessionCode != "" {
				cmd.Println("Session code:", u.SessionCode)
			}
			return nil
		},
	}
}

func notLoggedIn(cause error) error {
	if cause != nil {
		return cause
	}
	return clierr.New(clierr.Auth, "You are not logged in. Run 'convo login' first.", nil)
}
