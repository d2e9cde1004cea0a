package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const systemdUnitPath = "/etc/systemd/system/madminfw.service"

var installPrint bool

var installServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Install the systemd unit that restores the firewall at boot",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve binary path: %w", err)
		}
		unit := systemdUnit(binary, configPath)

		if installPrint {
			fmt.Print(unit)
			return nil
		}
		if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("wrote %s; enable with: systemctl enable madminfw\n", systemdUnitPath)
		return nil
	},
}

func systemdUnit(binary, cfgPath string) string {
	boot := binary + " boot"
	if cfgPath != "" {
		boot += " --config " + cfgPath
	}
	return fmt.Sprintf(`[Unit]
Description=madmin machine firewall restore
After=network-pre.target
Before=network.target
Wants=network-pre.target

[Service]
Type=oneshot
ExecStart=%s
RemainAfterExit=yes
User=root

[Install]
WantedBy=multi-user.target
`, boot)
}

func init() {
	installServiceCmd.Flags().BoolVar(&installPrint, "print", false, "print the unit instead of writing it")
}
