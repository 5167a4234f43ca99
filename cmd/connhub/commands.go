package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/websoft9/connhub/internal/coordinator"
	"github.com/websoft9/connhub/internal/subsystem"
	"github.com/websoft9/connhub/internal/workspace"
)

// ---- hosts ----

type hostRow struct {
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	SystemType string   `json:"systemType"`
	Offline    bool     `json:"offline"`
	SubSystems []string `json:"subsystems"`
}

func newHostsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List the hosts of the hosts file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows []hostRow
			for _, h := range a.ws.Hosts().All() {
				row := hostRow{Name: h.Name, Address: h.HostName(), SystemType: h.SystemType, Offline: h.Offline}
				for _, k := range a.ws.Kinds() {
					row.SubSystems = append(row.SubSystems, k.ID)
				}
				rows = append(rows, row)
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tADDRESS\tTYPE\tOFFLINE")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", r.Name, r.Address, r.SystemType, r.Offline)
			}
			return tw.Flush()
		},
	}
}

// ---- connect ----

func newConnectCommand(a *app) *cobra.Command {
	var (
		kind        string
		forcePrompt bool
	)
	cmd := &cobra.Command{
		Use:   "connect <host>",
		Short: "Connect to a host and report the outcome",
		Long: "Connect signs on to the host, prompting for a password when none is\n" +
			"stored, then disconnects again. Use it to verify and save credentials.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := a.ws.SubSystem(args[0], kind)
			if err != nil {
				return err
			}
			err = a.ws.Coordinator().ConnectWithOptions(cmd.Context(), ss, coordinator.ConnectOptions{ForcePrompt: forcePrompt})
			if err != nil {
				return err
			}
			svc := ss.ConnectorService()
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), map[string]any{
					"host":      ss.Host().Name,
					"subsystem": ss.Name(),
					"user":      svc.UserID(),
					"connected": ss.IsConnected(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s as %q\n", ss.Host().Name, svc.UserID())
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "subsystem", workspace.SubSystemFiles, "subsystem kind to connect through")
	cmd.Flags().BoolVar(&forcePrompt, "prompt", false, "prompt even when a password is stored")
	return cmd
}

// ---- ls ----

func newLsCommand(a *app) *cobra.Command {
	var (
		kind string
		pool string
	)
	cmd := &cobra.Command{
		Use:   "ls <host> [filter...]",
		Short: "Resolve filter strings against a host's subsystem",
		Example: "  connhub ls web1 '/etc/*.conf'\n" +
			"  connhub ls web1 --subsystem processes 'sshd*'\n" +
			"  connhub ls web1 --pool logs",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := a.ws.SubSystem(args[0], kind)
			if err != nil {
				return err
			}
			filters := args[1:]
			var objs []subsystem.RemoteObject
			switch {
			case pool != "" && len(filters) > 0:
				return fmt.Errorf("--pool and filter arguments are mutually exclusive")
			case pool != "":
				objs, err = ss.ResolveFilterPool(cmd.Context(), pool, nil)
			case len(filters) == 0:
				objs, err = ss.ResolveFilterString(cmd.Context(), "*", nil)
			default:
				objs, err = ss.ResolveFilterStrings(cmd.Context(), filters, nil)
			}
			if err != nil {
				return err
			}
			if a.jsonOut {
				if objs == nil {
					objs = []subsystem.RemoteObject{}
				}
				return a.printJSON(cmd.OutOrStdout(), objs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tSIZE\tNAME\tPATH")
			for _, o := range objs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", o.Type, o.Size, o.Name, o.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "subsystem", workspace.SubSystemFiles, "subsystem kind to resolve through")
	cmd.Flags().StringVar(&pool, "pool", "", "resolve a named filter pool")
	return cmd
}

// ---- forget ----

func newForgetCommand(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "forget <host>",
		Short: "Remove stored passwords for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ws.Forget(cmd.Context(), args[0], user); err != nil {
				return err
			}
			if !a.jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "Forgot credentials for %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "also remove the stored password of this user")
	return cmd
}
