package countersigncmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	common "github.com/cuihairu/countersign/internal/cli/common"
	dom "github.com/cuihairu/countersign/internal/ports"
)

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	var show bool
	test := &cobra.Command{
		Use:   "test",
		Short: "Validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := common.Load(common.LoadOptions{File: g.configFile, Includes: g.includes, Profile: g.profile})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			s, err := common.Decode(v)
			if err != nil {
				return err
			}
			if err := common.ValidateConfig(s); err != nil {
				return fmt.Errorf("config invalid: %v: %w", err, dom.ErrValidation)
			}
			out := cmd.OutOrStdout()
			if show {
				b, err := yaml.Marshal(v.AllSettings())
				if err != nil {
					return err
				}
				fmt.Fprint(out, string(b))
			}
			fmt.Fprintln(out, "config OK")
			return nil
		},
	}
	test.Flags().BoolVar(&show, "print", false, "print the effective settings")
	cmd.AddCommand(test)
	return cmd
}
