package commands

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "Manage module chain registrations",
}

var (
	chainsTable    string
	chainsParent   string
	registerModule string
)

var chainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List module chains in jump order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		chains, err := a.engine.ListChains(chainsTable)
		if err != nil {
			return err
		}

		w := tablewriter.NewWriter(os.Stdout)
		w.SetHeader([]string{"ID", "Module", "Table", "Parent", "Chain", "Priority"})
		for _, c := range chains {
			w.Append([]string{c.ID, c.ModuleID, c.Table, c.ParentChain, c.ChainName, strconv.Itoa(c.Priority)})
		}
		w.Render()
		return nil
	},
}

var chainsRegisterCmd = &cobra.Command{
	Use:   "register <chain-name>",
	Short: "Register a module chain under a base chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		mc, err := a.engine.RegisterModuleChain(cmd.Context(), registerModule, chainsTable, chainsParent, args[0])
		if mc != nil {
			cmd.Printf("chain %s registered with id %s priority %d\n", mc.ChainName, mc.ID, mc.Priority)
		}
		return err
	},
}

var chainsUnregisterCmd = &cobra.Command{
	Use:   "unregister <id>",
	Short: "Unregister a module chain and tear it down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.engine.UnregisterModuleChain(cmd.Context(), args[0])
	},
}

var chainsReorderCmd = &cobra.Command{
	Use:   "reorder <id>...",
	Short: "Set the jump order of a group's module chains",
	Long: `Reorder takes the complete list of module chain ids currently registered
under --table/--parent, in the desired jump order. Priorities are renumbered
in steps of 10.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.engine.ReorderChains(cmd.Context(), chainsTable, chainsParent, args)
	},
}

func init() {
	chainsListCmd.Flags().StringVar(&chainsTable, "table", "", "filter by table")

	for _, c := range []*cobra.Command{chainsRegisterCmd, chainsReorderCmd} {
		c.Flags().StringVar(&chainsTable, "table", "filter", "iptables table")
		c.Flags().StringVar(&chainsParent, "parent", "", "parent base chain (e.g. INPUT)")
		c.MarkFlagRequired("parent")
	}
	chainsRegisterCmd.Flags().StringVar(&registerModule, "module", "", "owning module id")
	chainsRegisterCmd.MarkFlagRequired("module")

	chainsCmd.AddCommand(chainsListCmd)
	chainsCmd.AddCommand(chainsRegisterCmd)
	chainsCmd.AddCommand(chainsUnregisterCmd)
	chainsCmd.AddCommand(chainsReorderCmd)
}
