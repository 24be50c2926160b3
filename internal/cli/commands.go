package cli

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/pcsc"
	"github.com/gregLibert/ese-hal/pkg/se"
	"github.com/gregLibert/ese-hal/pkg/tlv"
)

func newATRCommand(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "atr",
		Short: "Print the Answer To Reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			atr, st := a().engine.GetATR()
			if err := st.Err(); err != nil {
				return fmt.Errorf("atr: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%X\n", atr)
			return nil
		},
	}
}

type openFlags struct {
	basic   bool
	control string
	report  bool
}

func newOpenCommand(a func() *app) *cobra.Command {
	var flags openFlags

	cmd := &cobra.Command{
		Use:   "open AID",
		Short: "Open a channel and select an applet",
		Long: `Open a logical channel (or the basic channel with --basic), select the applet
and print the SELECT report. The channel is closed on exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aid, err := tlv.ParseHex(args[0])
			if err != nil {
				return err
			}
			p2, err := selectP2(flags.control)
			if err != nil {
				return err
			}

			ch, resp, err := openChannel(a().engine, aid, p2, flags.basic)
			out := cmd.OutOrStdout()
			if sr, ok := a().lastSelect(); ok && flags.report {
				fmt.Fprint(out, sr.Describe())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "channel %d: %X\n", ch, resp)
			return nil
		},
	}

	cmd.Flags().BoolVar(&flags.basic, "basic", false, "use the basic channel")
	cmd.Flags().StringVar(&flags.control, "p2", "fci", "SELECT response (fci, fcp, fmd, none)")
	cmd.Flags().BoolVar(&flags.report, "report", true, "print the SELECT report")
	return cmd
}

func newTransmitCommand(a func() *app) *cobra.Command {
	var (
		aid   string
		basic bool
	)

	cmd := &cobra.Command{
		Use:   "transmit APDU...",
		Short: "Select an applet and send APDUs on its channel",
		Long: `Open a channel on the applet given by --aid and send each APDU on it.
The channel bits of each CLA byte are rewritten for the opened channel.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tlv.ParseHex(aid)
			if err != nil {
				return err
			}
			ch, _, err := openChannel(a().engine, target, 0x00, basic)
			if err != nil {
				return err
			}

			for _, arg := range args {
				raw, err := tlv.ParseHex(arg)
				if err != nil {
					return err
				}
				if raw, err = onChannel(raw, ch); err != nil {
					return err
				}
				resp, st := a().engine.Transmit(raw)
				fmt.Fprintf(cmd.OutOrStdout(), "> %X\n< %X %s\n", raw, resp, st)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&aid, "aid", "", "applet to select before sending")
	cmd.Flags().BoolVar(&basic, "basic", false, "use the basic channel")
	_ = cmd.MarkFlagRequired("aid")
	return cmd
}

func newResetCommand(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the secure element",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := a().engine.Reset()
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return st.Err()
		},
	}
}

func newReadersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List PC/SC readers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			readers, err := pcsc.Readers()
			if err != nil {
				return err
			}
			for i, r := range readers {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", i, r)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seshell version %s (%s %s/%s)\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// openChannel opens the basic or a logical channel and selects aid on it.
func openChannel(e *se.Engine, aid []byte, p2 byte, basic bool) (uint8, []byte, error) {
	if basic {
		res := e.OpenBasicChannel(aid, p2)
		if err := res.Status.Err(); err != nil {
			return iso7816.InvalidChannel, res.Response, fmt.Errorf("open basic channel: %w", err)
		}
		return iso7816.BasicChannel, res.Response, nil
	}

	res := e.OpenLogicalChannel(aid, p2)
	if err := res.Status.Err(); err != nil {
		return res.Channel, res.SelectResponse, fmt.Errorf("open logical channel: %w", err)
	}
	return res.Channel, res.SelectResponse, nil
}

func selectP2(control string) (byte, error) {
	ctrl, err := iso7816.ParseSelectionControl(control)
	if err != nil {
		return 0, err
	}
	return iso7816.SelectP2(iso7816.FirstOrOnlyOccurrence, ctrl), nil
}

// onChannel rewrites the channel bits of the CLA byte. Interindustry classes keep their chaining
// and secure messaging bits; proprietary classes keep bit 8 set.
func onChannel(raw []byte, ch uint8) ([]byte, error) {
	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		return nil, err
	}

	var cla iso7816.Class
	if cmd.Class.IsProprietary {
		cla, err = iso7816.ChannelClass(ch)
		cla.Raw |= 0x80
	} else {
		cla, err = iso7816.NewInterindustryClass(cmd.Class.IsChained, cmd.Class.SecureMessaging, ch)
	}
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), raw...)
	out[0] = cla.Raw
	return out, nil
}

func parseChannel(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid channel %q: %w", s, err)
	}
	return uint8(n), nil
}
