package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"homestats/internal/config"
)

func newSetAdminPasswordCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "set-admin-password",
		Short: "Set the single admin credential used to sign in to the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			password, err := readPassword("New admin password: ")
			if err != nil {
				return fmt.Errorf("statsd: set-admin-password: %w", err)
			}
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("statsd: set-admin-password: %w", err)
			}
			if password != confirm {
				return fmt.Errorf("statsd: set-admin-password: passwords did not match")
			}

			hash, err := config.HashPassword(password)
			if err != nil {
				return fmt.Errorf("statsd: set-admin-password: %w", err)
			}
			if username != "" {
				cfg.Admin.Username = username
			}
			cfg.Admin.PasswordHash = hash

			if err := config.Save(cfg, configPath); err != nil {
				return fmt.Errorf("statsd: set-admin-password: %w", err)
			}
			fmt.Printf("✅ admin password updated for user %q in %s\n", cfg.Admin.Username, configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "change the admin username too")
	return cmd
}

// readPassword prompts on stdout and reads from stdin without echo
// when stdin is a terminal (golang.org/x/term.ReadPassword), falling
// back to a plain scanned line when it isn't — e.g. input piped in
// from a script or test harness.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
