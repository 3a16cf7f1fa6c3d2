package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/idflow/internal/secrets"
)

func newSecretCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted connection credentials",
		Long: `Secrets are encrypted with a key derived from vault_key
(IDFLOW_VAULT_KEY) and referenced from connection DSNs and directory bind
passwords as ${secret:NAME}.`,
	}
	cmd.AddCommand(newSecretSetCommand(root), newSecretListCommand(root), newSecretDeleteCommand(root))
	return cmd
}

// withVault opens the store and vault for the duration of fn.
func withVault(cmd *cobra.Command, root *rootOptions, fn func(secrets.Vault) error) error {
	st, err := openStore(cmd.Context(), root.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	vault, err := openVault(cmd.Context(), st, root.cfg)
	if err != nil {
		return err
	}
	return fn(vault)
}

func newSecretSetCommand(root *rootOptions) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret (reads the value from stdin unless --value is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("value") {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			return withVault(cmd, root, func(v secrets.Vault) error {
				if err := v.Store(cmd.Context(), args[0], []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "secret %s stored; reference it as ${secret:%s}\n", args[0], args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value (visible in shell history)")
	return cmd
}

func newSecretListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, root, func(v secrets.Vault) error {
				keys, err := v.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}

func newSecretDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, root, func(v secrets.Vault) error {
				return v.Delete(cmd.Context(), args[0])
			})
		},
	}
}
