package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/habedi/convo/pkg/validation"
	"github.com/habedi/convo/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// loginCmd creates a new cobra.Command for logging into the backend.
func loginCmd() *cobra.Command {
	var username, loginType, sessionCode string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the backend",
		Long:  "Log in with your username and password. Organization members also need the session code of their organization.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)
			if username == "" {
				u, err := p.input("Username: ")
				if err != nil {
					return err
				}
				username = u
			}
			password, err := p.password("Password: ")
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.session.Login(cmd.Context(), session.Credentials{
				Username:    username,
				Password:    password,
				LoginType:   loginType,
				SessionCode: sessionCode,
			})
			if err != nil {
				return err
			}
			cmd.Printf("Logged in as %s (%s).\n", displayName(user.Name, user.ID), user.Type)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted when empty)")
	cmd.Flags().StringVarP(&loginType, "type", "t", validation.LoginTypePersonal, "Login type [personal, organization]")
	cmd.Flags().StringVarP(&sessionCode, "session-code", "s", "", "Organization session code (required for organization logins)")

	return cmd
}

// prompter reads answers from the command's input. Passwords are read without echo when the input is a terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func newPrompter(cmd *cobra.Command) *prompter {
	p := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout(), fd: -1}
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		p.fd = int(f.Fd())
		p.tty = term.IsTerminal(p.fd)
	}
	return p
}

func (p *prompter) input(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) password(prompt string) (string, error) {
	if !p.tty {
		return p.input(prompt)
	}
	fmt.Fprint(p.out, prompt)
	pw, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(pw)), nil
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
