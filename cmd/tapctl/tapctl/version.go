package tapctl

import (
	"fmt"

	"github.com/canonical/tap-windows/common"
	"github.com/canonical/tap-windows/common/i18n"
	"github.com/spf13/cobra"
)

func (a *App) installVersion() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: i18n.G("Returns version of tapctl and exits"),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), i18n.G("%s\t%s")+"\n", cmdName(), common.Version)
			return nil
		},
	}
	a.rootCmd.AddCommand(cmd)
}
