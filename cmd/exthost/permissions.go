package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-exthost/manifest"
	"github.com/reglet-dev/reglet-exthost/permission"
	"github.com/reglet-dev/reglet-exthost/permission/gatekeeper"
)

func newPermissionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Inspect and edit stored permission decisions",
	}
	cmd.AddCommand(
		newPermissionsListCmd(a),
		newPermissionsDecideCmd(a, "grant", permission.ChoiceAllow),
		newPermissionsDecideCmd(a, "deny", permission.ChoiceDeny),
		newPermissionsRevokeCmd(a),
		newPermissionsReviewCmd(a),
	)
	return cmd
}

func newPermissionsListCmd(a *app) *cobra.Command {
	var grantedOnly bool
	cmd := &cobra.Command{
		Use:   "list [extension-id]",
		Short: "List stored decisions, optionally for one extension",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var extensionID string
			if len(args) == 1 {
				extensionID = args[0]
			}
			svc, closeStore, err := a.openPermissions(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			var grants []permission.Grant
			if grantedOnly {
				grants, err = svc.Granted(cmd.Context(), extensionID)
			} else {
				grants, err = svc.All(cmd.Context(), extensionID)
			}
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No permission decisions stored in %s.\n", svc.Location())
				return nil
			}
			return printGrants(cmd.OutOrStdout(), grants)
		},
	}
	cmd.Flags().BoolVar(&grantedOnly, "granted", false, "only show granted scopes")
	return cmd
}

func printGrants(out io.Writer, grants []permission.Grant) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXTENSION\tSCOPE\tDECISION\tSOURCE\tRISK\tRECORDED")
	for _, g := range grants {
		decision := "denied"
		if g.Granted {
			decision = "granted"
		}
		source := "auto"
		if g.UserDecision {
			source = "user"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			g.ExtensionID, g.Scope, decision, source,
			permission.AnalyzeRisk([]permission.Scope{g.Scope}).Level, g.Timestamp.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func newPermissionsDecideCmd(a *app, verb string, choice permission.Choice) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <extension-id> <scope>...",
		Short: fmt.Sprintf("Record a %q decision for one or more scopes", choice),
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := a.openPermissions(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			extensionID := args[0]
			for _, name := range args[1:] {
				scope, err := permission.ParseScope(name)
				if err != nil {
					return err
				}
				if err := svc.RecordDecision(cmd.Context(), extensionID, scope, choice); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", extensionID, scope, choice)
			}
			return nil
		},
	}
}

func newPermissionsRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <extension-id>",
		Short: "Forget every decision stored for an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := a.openPermissions(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			if err := svc.RevokeAll(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked all permissions for %s.\n", args[0])
			return nil
		},
	}
}

func newPermissionsReviewCmd(a *app) *cobra.Command {
	var justification string
	cmd := &cobra.Command{
		Use:   "review <manifest-file>",
		Short: "Prompt for the undecided permissions a manifest declares",
		Long: `Review walks the permissions declared by an extension manifest and asks
about each undecided one. Under --security-level=strict broad scopes are
denied without asking; under permissive every scope is allowed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := manifest.NewValidator()
			if err != nil {
				return err
			}
			m, err := manifest.LoadFile(args[0], validator)
			if err != nil {
				return err
			}
			level, err := gatekeeper.ParseSecurityLevel(a.cfg.Permissions.SecurityLevel)
			if err != nil {
				return err
			}

			svc, closeStore, err := a.openPermissions(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			scopes := make([]permission.Scope, 0, len(m.Permissions))
			for _, name := range m.Permissions {
				scope, err := permission.ParseScope(name)
				if err != nil {
					return err
				}
				scopes = append(scopes, scope)
			}
			if len(scopes) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s declares no permissions.\n", m.ID)
				return nil
			}

			gk := gatekeeper.NewGatekeeper(svc,
				gatekeeper.WithSecurityLevel(level),
				gatekeeper.WithLogger(a.logger),
			)
			outcomes, err := gk.Review(cmd.Context(), m.ID, scopes, justification)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCOPE\tDECISION\tPROMPTED")
			for _, o := range outcomes {
				fmt.Fprintf(w, "%s\t%s\t%t\n", o.Scope, o.Choice, o.Prompted)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&justification, "reason", "", "justification shown in each prompt")
	return cmd
}
