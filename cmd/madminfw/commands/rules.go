package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/EdoardoFiore/madmin/internal/models"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage machine firewall rules",
}

var rulesTable string

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rules in kernel order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rules, err := a.engine.ListRules(rulesTable)
		if err != nil {
			return err
		}

		w := tablewriter.NewWriter(os.Stdout)
		w.SetHeader([]string{"ID", "Table", "Chain", "#", "Action", "Proto", "Port", "Source", "Destination", "Enabled", "Applied", "Comment"})
		for _, r := range rules {
			w.Append([]string{
				r.ID, r.Table, r.Chain, strconv.Itoa(r.Order), r.Action,
				orDash(r.Protocol), orDash(r.Port), orDash(r.Source), orDash(r.Destination),
				strconv.FormatBool(r.Enabled), strconv.FormatBool(r.Applied), orDash(r.Comment),
			})
		}
		w.Render()
		return nil
	},
}

var addInput ruleFlags

type ruleFlags struct {
	models.RuleInput
	order    int
	disabled bool
}

func (f *ruleFlags) input() models.RuleInput {
	in := f.RuleInput
	if f.order >= 0 {
		in.Order = &f.order
	}
	if f.disabled {
		enabled := false
		in.Enabled = &enabled
	}
	return in
}

func ruleInputFlags(cmd *cobra.Command, f *ruleFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.Table, "table", models.TableFilter, "iptables table (filter|nat|mangle|raw)")
	fl.StringVar(&f.Chain, "chain", "", "base chain (e.g. INPUT)")
	fl.StringVar(&f.Action, "action", "", "rule action (e.g. ACCEPT, DROP, DNAT)")
	fl.StringVar(&f.Protocol, "protocol", "", "protocol (tcp|udp|icmp)")
	fl.StringVar(&f.Port, "port", "", "destination port, range (a:b) or list (a,b)")
	fl.StringVar(&f.Source, "source", "", "source IP or CIDR")
	fl.StringVar(&f.Destination, "destination", "", "destination IP or CIDR")
	fl.StringVar(&f.InInterface, "in-interface", "", "input interface")
	fl.StringVar(&f.OutInterface, "out-interface", "", "output interface")
	fl.StringVar(&f.State, "state", "", "connection states (NEW,ESTABLISHED,RELATED)")
	fl.StringVar(&f.LimitRate, "limit", "", `rate limit (e.g. "10/second")`)
	fl.IntVar(&f.LimitBurst, "limit-burst", 0, "rate limit burst")
	fl.StringVar(&f.ToDestination, "to-destination", "", "DNAT target")
	fl.StringVar(&f.ToSource, "to-source", "", "SNAT target")
	fl.StringVar(&f.ToPorts, "to-ports", "", "REDIRECT/MASQUERADE target ports")
	fl.StringVar(&f.LogPrefix, "log-prefix", "", "LOG prefix")
	fl.StringVar(&f.LogLevel, "log-level", "", "LOG level")
	fl.StringVar(&f.RejectWith, "reject-with", "", "REJECT type")
	fl.StringVar(&f.SetMark, "set-mark", "", "MARK value")
	fl.StringVar(&f.Comment, "comment", "", "rule comment")
	fl.IntVar(&f.order, "order", -1, "position in the chain (default: append)")
	fl.BoolVar(&f.disabled, "disabled", false, "store the rule without applying it")
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a rule and synchronize its chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rule, err := a.engine.CreateRule(cmd.Context(), addInput.input())
		if rule != nil {
			fmt.Printf("rule %s stored at %s/%s position %d (applied: %t)\n",
				rule.ID, rule.Table, rule.Chain, rule.Order, rule.Applied)
		}
		return err
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a rule and synchronize its chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.engine.DeleteRule(cmd.Context(), args[0])
	},
}

var rulesMoveCmd = &cobra.Command{
	Use:   "move <id> <order>",
	Short: "Move a rule to a new position in its chain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		newOrder, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid order %q", args[1])
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.engine.ReorderRule(cmd.Context(), args[0], newOrder)
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rulesListCmd.Flags().StringVar(&rulesTable, "table", "", "filter by table")
	ruleInputFlags(rulesAddCmd, &addInput)

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
	rulesCmd.AddCommand(rulesMoveCmd)
}
