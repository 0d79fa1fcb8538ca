package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"docvm/pkg/bridge"
	"docvm/pkg/fastjson"
)

type diagnostic struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

func (a *app) checkCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check <script>...",
		Short: "Compile scripts without executing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.check(cmd, args, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "report the result as JSON")
	return cmd
}

func (a *app) check(cmd *cobra.Command, paths []string, asJSON bool) error {
	diags := []diagnostic{}
	for _, path := range paths {
		s, err := bridge.CompileFile(a.db, path)
		if err != nil {
			diags = append(diags, diagnostic{File: path, Message: err.Error()})
			continue
		}
		s.Close()
	}

	out := cmd.OutOrStdout()
	if asJSON {
		b, err := fastjson.MarshalIndent(map[string]any{
			"success": len(diags) == 0,
			"checked": len(paths),
			"errors":  diags,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
	} else {
		for _, d := range diags {
			fmt.Fprintf(out, "FAIL %s: %s\n", d.File, d.Message)
		}
		if len(diags) == 0 {
			fmt.Fprintf(out, "ok: %d script(s) compiled\n", len(paths))
		}
	}

	if len(diags) > 0 {
		return fmt.Errorf("%d of %d script(s) failed to compile", len(diags), len(paths))
	}
	return nil
}
