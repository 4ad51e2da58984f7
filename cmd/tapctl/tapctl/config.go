package tapctl

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/canonical/tap-windows/common"
	"github.com/canonical/tap-windows/common/i18n"
	"github.com/canonical/tap-windows/internal/resolver"
	"github.com/canonical/tap-windows/tap"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ubuntu/decorate"
)

type appConfig struct {
	Verbosity        int
	LogFile          string        `mapstructure:"log-file"`
	ComponentID      string        `mapstructure:"component-id"`
	OpenTimeout      time.Duration `mapstructure:"open-timeout"`
	RegistryWait     time.Duration `mapstructure:"registry-wait"`
	RegistryDeadline time.Duration `mapstructure:"registry-deadline"`
}

func initViperConfig(name string, cmd *cobra.Command, vip *viper.Viper) (err error) {
	defer decorate.OnError(&err, "can't load configuration")

	// Use command-line flag for verbosity until configuration is parsed
	v, err := cmd.Flags().GetCount("verbosity")
	if err != nil {
		return fmt.Errorf("internal error: no persistent verbosity flags installed on cmd: %w", err)
	}
	setVerboseMode(v)

	// Find a valid configuration file
	if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(name)
		vip.AddConfigPath("./")
		vip.AddConfigPath("$HOME")
		vip.AddConfigPath(filepath.Join("$HOME", common.UserProfileDir))
	}

	// Load the config
	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if errors.As(err, &e) {
			log.Infof("No configuration file: %v", e)
		} else {
			return fmt.Errorf("invalid configuration file: %v", err)
		}
	} else {
		log.Infof("Using configuration file: %v", vip.ConfigFileUsed())
	}

	// Parse environment variables
	vip.SetEnvPrefix(common.EnvPrefix)
	vip.AutomaticEnv()

	return nil
}

// installVerbosityFlag adds the -v and -vv options and returns the reference to it.
func installVerbosityFlag(cmd *cobra.Command, viper *viper.Viper) *int {
	r := cmd.PersistentFlags().CountP("verbosity", "v", i18n.G("issue INFO (-v), DEBUG (-vv) or DEBUG with caller (-vvv) output"))
	if err := viper.BindPFlag("verbosity", cmd.PersistentFlags().Lookup("verbosity")); err != nil {
		log.Warning(err)
	}
	return r
}

// installConfigFlag adds the --config flag to allow for custom config paths.
func installConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().StringP("config", "c", "", i18n.G("configuration file path"))
}

// installLogFileFlag adds the --log-file flag to copy the logs to a file.
func installLogFileFlag(cmd *cobra.Command, viper *viper.Viper) *string {
	r := cmd.PersistentFlags().String("log-file", "", i18n.G("also append the logs to this file"))
	if err := viper.BindPFlag("log-file", cmd.PersistentFlags().Lookup("log-file")); err != nil {
		log.Warning(err)
	}
	return r
}

// installComponentIDFlag adds the --component-id flag selecting the driver family.
func installComponentIDFlag(cmd *cobra.Command, viper *viper.Viper) *string {
	r := cmd.PersistentFlags().String("component-id", tap.HardwareID, i18n.G("hardware ID of the driver the adapters belong to"))
	if err := viper.BindPFlag("component-id", cmd.PersistentFlags().Lookup("component-id")); err != nil {
		log.Warning(err)
	}
	return r
}

// installTimeoutFlags adds the flags bounding how long adapter creation waits for the system.
func installTimeoutFlags(cmd *cobra.Command, viper *viper.Viper) {
	flags := []struct {
		name  string
		value time.Duration
		usage string
	}{
		{"open-timeout", tap.DefaultOpenTimeout, i18n.G("how long to keep trying to open a new adapter")},
		{"registry-wait", resolver.DefaultWaitTimeout, i18n.G("how long each wait for the adapter identifier lasts")},
		{"registry-deadline", resolver.DefaultDeadline, i18n.G("how long to wait in total for the adapter identifier, 0 for ever")},
	}

	for _, f := range flags {
		cmd.PersistentFlags().Duration(f.name, f.value, f.usage)
		if err := viper.BindPFlag(f.name, cmd.PersistentFlags().Lookup(f.name)); err != nil {
			log.Warning(err)
		}
	}
}

// setVerboseMode change ErrorFormat and logs between very, middly and non verbose.
func setVerboseMode(level int) {
	var reportCaller bool
	switch level {
	case 0:
		log.SetLevel(common.DefaultLogLevel)
	case 1:
		log.SetLevel(log.InfoLevel)
	case 3:
		reportCaller = true
		fallthrough
	default:
		log.SetLevel(log.DebugLevel)
	}
	log.SetReportCaller(reportCaller)
}
