package main

import (
	"fmt"

	"github.com/spf13/cobra"

	exthost "github.com/reglet-dev/reglet-exthost"
	"github.com/reglet-dev/reglet-exthost/manifest"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Validate extension manifests",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema manifests are validated against",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, err := manifest.NewValidator(manifest.WithHostVersion(exthost.Version))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(v.Schema()))
				return err
			},
		},
		&cobra.Command{
			Use:   "validate <file>...",
			Short: "Validate manifest files (JSON or YAML)",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := manifest.NewValidator(manifest.WithHostVersion(exthost.Version))
				if err != nil {
					return err
				}
				var failed int
				for _, path := range args {
					m, err := manifest.LoadFile(path, v)
					if err != nil {
						failed++
						fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s)\n", path, m.ID)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d manifests are invalid", failed, len(args))
				}
				return nil
			},
		},
	)
	return cmd
}
