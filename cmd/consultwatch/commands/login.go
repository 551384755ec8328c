package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"consultwatch/internal/auth"
	"consultwatch/internal/service"

	"github.com/spf13/cobra"
)

var loginCode string

func init() {
	loginCmd.Flags().StringVar(&loginCode, "code", "", "The SMS code, asked for on stdin when the portal wants one and this is empty.")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func readCode(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "SMS code: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read sms code: %w", err)
	}
	return strings.TrimSpace(line), nil
}

var loginCmd = &cobra.Command{
	Use:   "login [--code <sms code>]",
	Short: "Logs in with the configured credentials and stores the session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		res, err := app.Service.BeginLogin(ctx, service.Credentials{})
		if auth.IsChallenge(err) {
			code := loginCode
			if code == "" {
				code, err = readCode(cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil {
					app.Service.CancelChallenge(res.Challenge.Id)
					return err
				}
			}
			res, err = app.Service.CompleteChallenge(ctx, res.Challenge.Id, code)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in (%s)\n", res.State)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Ends the portal session and forgets it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.Service.Logout(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged out (%s)\n", res.State)
		return nil
	},
}
