package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hangarhq/hangar/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hangar",
	Short: "Hangar - ephemeral VM executor control plane",
	Long: `Hangar keeps a CI controller supplied with single-use VM build
agents. It watches the build queue, launches VMs on a fleet of
hypervisor hosts, tracks each one through a persisted lease, and
tears everything down when the job is done.`,
	Version: Version,
}

var serverAddr string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hangar version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "Control plane API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(leaseCmd)
	rootCmd.AddCommand(eventsCmd)

	hostCmd.AddCommand(hostAddCmd)
	hostCmd.AddCommand(hostListCmd)
	hostCmd.AddCommand(hostEnableCmd)
	hostCmd.AddCommand(hostDisableCmd)

	leaseCmd.AddCommand(leaseListCmd)
	leaseCmd.AddCommand(leaseTerminateCmd)

	hostAddCmd.Flags().String("bootstrap-token", "", "Bootstrap token for the new host (required)")
	hostAddCmd.MarkFlagRequired("bootstrap-token")

	leaseListCmd.Flags().String("label", "", "Filter by label")
	leaseListCmd.Flags().String("state", "", "Filter by state")
	leaseListCmd.Flags().String("host", "", "Filter by host")

	eventsCmd.Flags().Int("limit", 50, "Number of events to show")
}

func apiClient() *client.Client {
	return client.New(serverAddr, 10*time.Second)
}

// Host commands

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage hypervisor hosts",
}

var hostAddCmd = &cobra.Command{
	Use:   "add [host-id]",
	Short: "Register a host record with its bootstrap token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("bootstrap-token")
		host, err := apiClient().AddHost(context.Background(), args[0], token)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Host %s added (enabled: %v)\n", host.ID, host.Enabled)
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := apiClient().ListHosts(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOST\tENABLED\tCPU FREE\tRAM FREE\tVMS\tLAST SEEN")
		for _, h := range hosts {
			lastSeen := "never"
			if !h.LastSeen.IsZero() {
				lastSeen = h.LastSeen.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%v\t%d/%d\t%d/%d MB\t%d\t%s\n",
				h.ID, h.Enabled,
				h.Capacity.CPUFree, h.Capacity.CPUTotal,
				h.Capacity.RAMFreeMB, h.Capacity.RAMTotalMB,
				len(h.ActiveVMIDs), lastSeen)
		}
		return w.Flush()
	},
}

var hostEnableCmd = &cobra.Command{
	Use:   "enable [host-id]",
	Short: "Make a host eligible for placement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().EnableHost(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Host %s enabled\n", args[0])
		return nil
	},
}

var hostDisableCmd = &cobra.Command{
	Use:   "disable [host-id]",
	Short: "Exclude a host from placement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DisableHost(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Host %s disabled\n", args[0])
		return nil
	},
}

// Lease commands

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Inspect and manage leases",
}

var leaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leases",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		state, _ := cmd.Flags().GetString("state")
		host, _ := cmd.Flags().GetString("host")
		leases, err := apiClient().ListLeases(context.Background(), label, state, host)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LEASE\tLABEL\tSTATE\tHOST\tNODE\tCREATED")
		for _, l := range leases {
			fmt.Fprintf(w, "%.8s\t%s\t%s\t%s\t%s\t%s\n",
				l.ID, l.Label, l.State, l.HostID, l.ControllerNodeName,
				l.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var leaseTerminateCmd = &cobra.Command{
	Use:   "terminate [lease-id]",
	Short: "Force a lease into teardown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := apiClient().TerminateLease(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Lease %s is %s\n", l.ID, l.State)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent control plane events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		evs, err := apiClient().Events(context.Background(), limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tLEASE")
		for _, ev := range evs {
			fmt.Fprintf(w, "%s\t%s\t%.8s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.LeaseID)
		}
		return w.Flush()
	},
}
