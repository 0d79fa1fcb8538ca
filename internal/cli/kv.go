package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) kvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write raw key/value entries",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the value stored under key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := a.db.KVFetchString(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			},
		},
		&cobra.Command{
			Use:   "exists <key>",
			Short: "Print whether key holds a value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := a.db.KVContains(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), ok)
				return err
			},
		},
		&cobra.Command{
			Use:   "put <key> <value>",
			Short: "Store value under key, replacing any previous value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.db.KVStoreString(cmd.Context(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "append <key> <value>",
			Short: "Append value to the entry under key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.db.KVAppend(cmd.Context(), args[0], []byte(args[1]))
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove the entry under key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.db.KVDelete(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}
