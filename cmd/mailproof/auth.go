package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Gmail sending credential",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize the configured Gmail identity in a browser",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogin,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the credential state of the configured identity",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var authRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke and forget the stored credential",
	Args:  cobra.NoArgs,
	RunE:  runAuthRevoke,
}

func init() {
	authCmd.AddCommand(authLoginCmd, authStatusCmd, authRevokeCmd)
}

// withManager runs fn against a credential manager for the configured identity
func withManager(cmd *cobra.Command, fn func(d *deps, identity string) error) (err error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Gmail.Identity == "" {
		return errors.New("gmail.identity is not configured")
	}

	d := &deps{cfg: cfg, log: log}
	defer func() { err = errors.Join(err, d.Close()) }()
	return fn(d, cfg.Gmail.Identity)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	return withManager(cmd, func(d *deps, identity string) error {
		if d.cfg.Gmail.ClientID == "" || d.cfg.Gmail.ClientSecret == "" {
			return errors.New("gmail.client_id and gmail.client_secret are required")
		}
		showURL := func(url string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authorize %s:\n\n  %s\n\n", identity, url)
			return err
		}
		m, err := d.credentialManager(showURL)
		if err != nil {
			return err
		}
		if err := m.Authenticate(cmd.Context(), identity); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s authorized\n", identity)
		return nil
	})
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	return withManager(cmd, func(d *deps, identity string) error {
		m, err := d.credentialManager(nil)
		if err != nil {
			return err
		}
		state, err := m.Status(cmd.Context(), identity)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", identity, state)
		return nil
	})
}

func runAuthRevoke(cmd *cobra.Command, args []string) error {
	return withManager(cmd, func(d *deps, identity string) error {
		m, err := d.credentialManager(nil)
		if err != nil {
			return err
		}
		if err := m.Revoke(cmd.Context(), identity); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s revoked\n", identity)
		return nil
	})
}
