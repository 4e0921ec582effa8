// meshgatectl is the operator CLI for a running meshgate daemon. It speaks
// the hostlink RPC socket: status queries, the node table, firmware
// flashing, and live update watching.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meshgate/protocol"
)

var (
	flagAddr    string
	flagTimeout time.Duration
	flagNode    string
)

func main() {
	root := &cobra.Command{
		Use:           "meshgatectl",
		Short:         "Control a meshgate gateway daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:9111", "gateway hostlink address")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-request timeout")

	root.AddCommand(statusCmd(), nodesCmd(), flashCmd(), cancelCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withClient(fn func(c *client) error) error {
	c, err := dial(flagAddr)
	if err != nil {
		return err
	}
	defer c.close()
	return fn(c)
}

func target() protocol.Address {
	if flagNode != "" {
		return nodeAddr(flagNode)
	}
	return protocol.Address{Role: protocol.RoleGateway}
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway or node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				reply, err := c.request(protocol.TypeStatusQuery, target(), &protocol.StatusQuery{}, flagTimeout)
				if err != nil {
					return err
				}
				var st protocol.StatusReport
				if err := reply.DecodePayload(&st); err != nil {
					return err
				}
				fmt.Printf("serial:    %s\n", st.Serial)
				fmt.Printf("role:      %s\n", st.Role)
				fmt.Printf("firmware:  %s\n", st.Firmware)
				fmt.Printf("uptime:    %s\n", time.Duration(st.UptimeS)*time.Second)
				if st.Role == protocol.RoleGateway {
					fmt.Printf("nodes:     %d\n", st.Nodes)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flagNode, "node", "", "query a node by serial instead of the gateway")
	return cmd
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List nodes known to the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				reply, err := c.request(protocol.TypeNodeList,
					protocol.Address{Role: protocol.RoleGateway}, &struct{}{}, flagTimeout)
				if err != nil {
					return err
				}
				var table protocol.NodeTable
				if err := reply.DecodePayload(&table); err != nil {
					return err
				}
				if len(table.Nodes) == 0 {
					fmt.Println("no nodes")
					return nil
				}
				fmt.Printf("%-18s %-5s %-12s %-9s %-9s %s\n",
					"SERIAL", "PIPE", "STATE", "FAILURES", "INFLIGHT", "FIRMWARE")
				for _, n := range table.Nodes {
					fmt.Printf("%-18s %-5d %-12s %-9d %-9d %s\n",
						n.Serial, n.Pipe, n.State, n.Failures, n.InFlight, n.Firmware)
				}
				return nil
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the in-progress update session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				_, err := c.request(protocol.TypeUpdateCancel,
					protocol.Address{Role: protocol.RoleGateway}, &protocol.UpdateCancel{}, flagTimeout)
				if err != nil {
					return err
				}
				fmt.Println("update cancelled")
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the current update session until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				var last string
				for {
					reply, err := c.request(protocol.TypeUpdateStatus,
						protocol.Address{Role: protocol.RoleGateway}, &protocol.UpdateStatusQuery{}, flagTimeout)
					if err != nil {
						return err
					}
					var rep protocol.UpdateReport
					if err := reply.DecodePayload(&rep); err != nil {
						return err
					}
					line := formatReport(&rep)
					if line != last {
						fmt.Println(line)
						last = line
					}
					if rep.State == "committed" || rep.State == "aborted" || rep.State == "idle" {
						return nil
					}
					time.Sleep(time.Second)
				}
			})
		},
	}
}

func formatReport(rep *protocol.UpdateReport) string {
	line := fmt.Sprintf("state=%s written=%d/%d", rep.State, rep.Written, rep.Length)
	if rep.Reason != "" {
		line += " reason=" + rep.Reason
	}
	return line
}
