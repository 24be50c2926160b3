package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gregLibert/ese-hal/pkg/tlv"
)

const shellHelp = `commands:
  open AID [fci|fcp|fmd|none]   open a logical channel and select AID
  basic AID [fci|fcp|fmd|none]  select AID on the basic channel
  close CHANNEL                 close a channel
  send APDU                     send a raw APDU
  atr                           print the ATR
  reset                         reset the secure element
  status                        print the session and open channels
  report                        print the last SELECT report
  quit
`

func newShellCommand(a func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session with the secure element",
		Long:  "Read commands from standard input, one per line. Type help for the list.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(a(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runShell(a *app, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "se> ")

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			if fields[0] == "quit" || fields[0] == "exit" {
				return nil
			}
			if err := shellCommand(a, fields[0], fields[1:], out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprint(out, "se> ")
	}

	fmt.Fprintln(out)
	return scanner.Err()
}

func shellCommand(a *app, name string, args []string, out io.Writer) error {
	e := a.engine

	switch name {
	case "help":
		fmt.Fprint(out, shellHelp)

	case "open", "basic":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: %s AID [fci|fcp|fmd|none]", name)
		}
		aid, err := tlv.ParseHex(args[0])
		if err != nil {
			return err
		}
		control := ""
		if len(args) == 2 {
			control = args[1]
		}
		p2, err := selectP2(control)
		if err != nil {
			return err
		}
		ch, resp, err := openChannel(e, aid, p2, name == "basic")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "channel %d: %X\n", ch, resp)

	case "close":
		if len(args) != 1 {
			return fmt.Errorf("usage: close CHANNEL")
		}
		ch, err := parseChannel(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, e.CloseChannel(ch))

	case "send":
		if len(args) == 0 {
			return fmt.Errorf("usage: send APDU")
		}
		apdu, err := tlv.ParseHex(strings.Join(args, ""))
		if err != nil {
			return err
		}
		resp, st := e.Transmit(apdu)
		fmt.Fprintf(out, "%X %s\n", resp, st)

	case "atr":
		atr, st := e.GetATR()
		fmt.Fprintf(out, "%X %s\n", atr, st)

	case "reset":
		fmt.Fprintln(out, e.Reset())

	case "status":
		st := e.State()
		session := "down"
		if st.SessionUp {
			session = "up (" + st.SessionID + ")"
		}
		fmt.Fprintf(out, "session %s, channels %v of %d\n", session, st.Open, st.Capacity)
		if a.gate != nil && a.gate.Active() {
			fmt.Fprintln(out, "dedicated mode active")
		}

	case "report":
		sr, ok := a.lastSelect()
		if !ok {
			return fmt.Errorf("no SELECT yet")
		}
		fmt.Fprint(out, sr.Describe())

	default:
		return fmt.Errorf("unknown command %q, type help", name)
	}

	return nil
}
