package tapctl

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"

	"github.com/canonical/tap-windows/common/i18n"
	"github.com/canonical/tap-windows/internal/capture"
	"github.com/canonical/tap-windows/internal/luid"
	"github.com/canonical/tap-windows/tap"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ubuntu/decorate"
	"gopkg.in/yaml.v3"
)

func (a *App) installCreate() {
	var (
		name string
		ip   string
		mask string
		up   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: i18n.G("Creates a new adapter"),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			defer decorate.OnError(&err, "could not create adapter")

			// Parse addresses before installing anything.
			var addr, netmask netip.Addr
			if ip != "" {
				if addr, netmask, err = parseIPv4(ip, mask); err != nil {
					return err
				}
			}

			d, err := tap.Create(a.ctx, a.config.ComponentID, a.options()...)
			if err != nil {
				return err
			}
			defer d.Close()

			if name != "" {
				if err := d.SetName(a.ctx, name); err != nil {
					return err
				}
			}
			if ip != "" {
				if err := d.SetIP(a.ctx, addr, netmask); err != nil {
					return err
				}
			}
			if up {
				if err := d.Up(); err != nil {
					return err
				}
			}

			current, err := d.Name()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), i18n.G("Created adapter %q with LUID %s")+"\n", current, d.LUID())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", i18n.G("name to give to the adapter"))
	cmd.Flags().StringVar(&ip, "ip", "", i18n.G("static IPv4 address of the adapter"))
	cmd.Flags().StringVar(&mask, "mask", "255.255.255.0", i18n.G("IPv4 netmask used with --ip"))
	cmd.Flags().BoolVar(&up, "up", false, i18n.G("connect the adapter once created"))
	a.rootCmd.AddCommand(cmd)
}

// Info describes an adapter.
type Info struct {
	Name        string      `yaml:"name"`
	LUID        uint64      `yaml:"luid"`
	Index       uint32      `yaml:"index"`
	ComponentID string      `yaml:"component-id"`
	MAC         string      `yaml:"mac"`
	MTU         uint32      `yaml:"mtu"`
	Version     tap.Version `yaml:"version"`
	GUID        string      `yaml:"guid"`
}

func (a *App) installInfo() {
	var format string

	cmd := &cobra.Command{
		Use:   "info NAME",
		Short: i18n.G("Prints the properties of an adapter"),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			defer decorate.OnError(&err, "could not get adapter information")

			if format != "text" && format != "yaml" {
				return fmt.Errorf(i18n.G("unknown format %q"), format)
			}

			d, err := tap.Open(a.config.ComponentID, args[0], a.options()...)
			if err != nil {
				return err
			}
			defer d.Close()

			info, err := describe(d)
			if err != nil {
				return err
			}

			if format == "yaml" {
				out, err := yaml.Marshal(info)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", i18n.G("output format: text or yaml"))
	a.rootCmd.AddCommand(cmd)
}

func describe(d *tap.Device) (info Info, err error) {
	info = Info{LUID: uint64(d.LUID()), ComponentID: d.ComponentID()}

	if info.Name, err = d.Name(); err != nil {
		return info, err
	}
	if info.Index, err = d.Index(); err != nil {
		return info, err
	}
	guid, err := d.GUID()
	if err != nil {
		return info, err
	}
	info.GUID = guid.String()

	mac, err := d.MAC()
	if err != nil {
		return info, err
	}
	info.MAC = mac.String()

	if info.MTU, err = d.MTU(); err != nil {
		return info, err
	}
	if info.Version, err = d.Version(); err != nil {
		return info, err
	}
	return info, nil
}

func printInfo(w io.Writer, info Info) {
	fmt.Fprintf(w, "%s:\t%s\n", i18n.G("Name"), info.Name)
	fmt.Fprintf(w, "%s:\t%d\n", i18n.G("LUID"), info.LUID)
	fmt.Fprintf(w, "%s:\t%d\n", i18n.G("Index"), info.Index)
	fmt.Fprintf(w, "%s:\t%s\n", i18n.G("GUID"), info.GUID)
	fmt.Fprintf(w, "%s:\t%s\n", i18n.G("Component"), info.ComponentID)
	fmt.Fprintf(w, "%s:\t%s\n", i18n.G("MAC"), info.MAC)
	fmt.Fprintf(w, "%s:\t%d\n", i18n.G("MTU"), info.MTU)
	fmt.Fprintf(w, "%s:\t%s\n", i18n.G("Driver"), info.Version)
}

func (a *App) installDelete() {
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: i18n.G("Deletes an adapter"),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := tap.Open(a.config.ComponentID, args[0], a.options()...)
			if err != nil {
				return err
			}
			return d.Delete()
		},
	}
	a.rootCmd.AddCommand(cmd)
}

func (a *App) installExists() {
	cmd := &cobra.Command{
		Use:   "exists LUID",
		Short: i18n.G("Prints whether an adapter with this LUID exists"),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := luid.Parse(args[0])
			if err != nil {
				return err
			}

			ok, err := tap.Exists(a.config.ComponentID, id, a.options()...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatBool(ok))
			return nil
		},
	}
	a.rootCmd.AddCommand(cmd)
}

func (a *App) installUpDown() {
	for _, connect := range []bool{true, false} {
		use, short := "up NAME", i18n.G("Connects the virtual cable of an adapter")
		if !connect {
			use, short = "down NAME", i18n.G("Disconnects the virtual cable of an adapter")
		}

		a.rootCmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDevice(args[0], func(d *tap.Device) error {
					return d.SetStatus(connect)
				})
			},
		})
	}
}

func (a *App) installSetName() {
	cmd := &cobra.Command{
		Use:   "set-name NAME NEW_NAME",
		Short: i18n.G("Renames an adapter"),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDevice(args[0], func(d *tap.Device) error {
				return d.SetName(a.ctx, args[1])
			})
		},
	}
	a.rootCmd.AddCommand(cmd)
}

func (a *App) installSetIP() {
	cmd := &cobra.Command{
		Use:   "set-ip NAME ADDRESS NETMASK",
		Short: i18n.G("Gives an adapter a static IPv4 address"),
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, mask, err := parseIPv4(args[1], args[2])
			if err != nil {
				return err
			}
			return a.withDevice(args[0], func(d *tap.Device) error {
				return d.SetIP(a.ctx, addr, mask)
			})
		},
	}
	a.rootCmd.AddCommand(cmd)
}

func (a *App) installCapture() {
	var (
		output   string
		count    int64
		logRate  float64
		logBurst int
	)

	cmd := &cobra.Command{
		Use:   "capture NAME",
		Short: i18n.G("Records the frames sent to an adapter into a pcap file"),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			defer decorate.OnError(&err, "could not capture frames")

			if logRate < 0 || logBurst < 0 {
				return errors.New(i18n.G("--log-rate and --log-burst cannot be negative"))
			}

			d, err := tap.Open(a.config.ComponentID, args[0], a.options()...)
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, f.Close()) }()

			// Closing the device is the only way to interrupt a pending read.
			stop := make(chan struct{})
			defer close(stop)
			go func() {
				select {
				case <-a.ctx.Done():
					log.Debug("Interrupting capture")
					_ = d.Close()
				case <-stop:
				}
			}()

			stats, err := capture.Run(a.ctx, d, f, capture.WithCount(count), capture.WithLogRate(logRate, logBurst))
			if err != nil {
				return err
			}

			n := stats.Frames.Count()
			fmt.Fprintf(cmd.OutOrStdout(), i18n.NG("Captured %d frame (%d bytes) into %s", "Captured %d frames (%d bytes) into %s", uint32(n))+"\n", n, stats.Bytes.Count(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", i18n.G("pcap file to write"))
	cmd.Flags().Int64Var(&count, "count", 0, i18n.G("stop after this many frames, 0 for no limit"))
	cmd.Flags().Float64Var(&logRate, "log-rate", 5, i18n.G("frame summaries logged per second"))
	cmd.Flags().IntVar(&logBurst, "log-burst", 10, i18n.G("frame summaries logged before --log-rate applies"))
	if err := cmd.MarkFlagRequired("output"); err != nil {
		log.Warning(err)
	}
	a.rootCmd.AddCommand(cmd)
}

// withDevice opens the adapter named name for the duration of f.
func (a *App) withDevice(name string, f func(*tap.Device) error) error {
	d, err := tap.Open(a.config.ComponentID, name, a.options()...)
	if err != nil {
		return err
	}
	defer d.Close()

	return f(d)
}

func parseIPv4(addr, mask string) (ip, netmask netip.Addr, err error) {
	if ip, err = netip.ParseAddr(addr); err != nil {
		return ip, netmask, err
	}
	if netmask, err = netip.ParseAddr(mask); err != nil {
		return ip, netmask, err
	}
	if !ip.Is4() || !netmask.Is4() {
		return ip, netmask, fmt.Errorf(i18n.G("only IPv4 addresses are supported: %s/%s"), ip, netmask)
	}
	return ip, netmask, nil
}
