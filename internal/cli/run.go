package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"docvm/pkg/bridge"
	"docvm/pkg/fastjson"
	"docvm/pkg/logger"
)

type runOptions struct {
	vars    []string
	extract []string
}

func (a *app) runCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <script> [args...]",
		Short: "Compile and execute a script file",
		Long: `Compile and execute a script file. Extra arguments are bound as $argv.
Script output is streamed to stdout; extracted variables are printed as one
JSON object afterwards.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], args[1:], opts)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.vars, "var", "v", nil, "bind a variable as name=<json>, repeatable")
	cmd.Flags().StringArrayVarP(&opts.extract, "extract", "x", nil, "print this variable after execution, repeatable")
	return cmd
}

func (a *app) run(cmd *cobra.Command, path string, argv []string, opts runOptions) error {
	out := cmd.OutOrStdout()
	s, err := bridge.CompileFile(a.db, path,
		bridge.WithConfig(a.cfg),
		bridge.WithLogger(logger.Log),
		bridge.WithOutput(func(chunk string) error {
			_, err := io.WriteString(out, chunk)
			return err
		}),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	if argv == nil {
		argv = []string{}
	}
	if err := s.Bind("argv", argv); err != nil {
		return err
	}
	for _, kv := range opts.vars {
		name, v, err := parseVar(kv)
		if err != nil {
			return err
		}
		if err := s.Bind(name, v); err != nil {
			return err
		}
	}

	if err := s.Execute(cmd.Context()); err != nil {
		return err
	}
	logger.Log.Debug("docvm: script finished", "path", path, "duration", s.Stats().Duration)

	if len(opts.extract) == 0 {
		return nil
	}
	vars := make(map[string]bridge.Value, len(opts.extract))
	for _, name := range opts.extract {
		v, err := s.Value(name)
		if err != nil {
			return err
		}
		vars[name] = v
	}
	b, err := fastjson.MarshalIndent(vars, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

// parseVar splits name=<json>. A value that is not valid JSON is bound as a
// plain string, so --var who=world works without quoting.
func parseVar(kv string) (string, any, error) {
	name, raw, ok := strings.Cut(kv, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid --var %q, want name=<json>", kv)
	}
	name = strings.TrimPrefix(name, "$")

	var v any
	if err := fastjson.UnmarshalNumber([]byte(raw), &v); err != nil {
		return name, raw, nil
	}
	return name, v, nil
}
