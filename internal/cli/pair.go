package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/syncweave/securecore/internal/device"
	"github.com/syncweave/securecore/internal/permission"
)

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with another device",
	}
	cmd.AddCommand(newPairStartCmd(), newPairJoinCmd())
	return cmd
}

func newPairStartCmd() *cobra.Command {
	var (
		deviceName string
		endpoint   string
		qrOut      string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a pairing session and print the QR payload and PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			local := device.Device{ID: uuid.NewString(), Name: deviceName}
			s, err := a.Pairing.Initiate(local, endpoint)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "session:", s.ID)
			fmt.Fprintln(out, "PIN:    ", warnMark(s.PIN))
			fmt.Fprintln(out, "expires:", s.ExpiresAt.Format("15:04:05"))
			fmt.Fprintln(out, "payload:", s.QRPayload)
			if qrOut != "" {
				if err := os.WriteFile(qrOut, s.QRPNG, 0o600); err != nil {
					return fmt.Errorf("writing QR image: %w", err)
				}
				fmt.Fprintln(out, successMark("✓"), "QR code written to", qrOut)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "name", "this device", "name shown to the peer")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "address the peer should connect back to")
	cmd.Flags().StringVar(&qrOut, "qr-out", "", "write the QR code PNG to this path")
	return cmd
}

func newPairJoinCmd() *cobra.Command {
	var (
		deviceName string
		pin        string
	)
	cmd := &cobra.Command{
		Use:   "join <qr-payload>",
		Short: "Join a pairing session from a scanned QR payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			payload, err := a.Pairing.ScanQR(args[0])
			if err != nil {
				return err
			}

			local := device.Device{ID: uuid.NewString(), Name: deviceName}
			s, err := a.Pairing.Join(payload, local)
			if err != nil {
				return err
			}

			if pin == "" {
				fmt.Fprint(os.Stderr, "PIN shown on the other device: ")
				if _, err := fmt.Fscanln(cmd.InOrStdin(), &pin); err != nil {
					return fmt.Errorf("reading PIN: %w", err)
				}
			}

			ok, err := a.Pairing.VerifyPIN(s.ID, pin)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("PIN did not match")
			}

			peer, err := a.Pairing.Complete(s.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMark("✓"), "paired with", peer.Name, "("+peer.ID+")")
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "name", "this device", "name shown to the peer")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN displayed by the initiating device")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage known devices",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			devices := a.Devices.List()
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no known devices")
				return nil
			}
			for _, d := range devices {
				status := failureMark("unpaired")
				if d.Paired {
					status = successMark("paired")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s  %s\n", d.ID, d.Name, status)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Unpair a device and drop its trust",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(permission.Policy{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Pairing.Unpair(args[0]); err != nil {
				return err
			}
			a.Sessions.Terminate(args[0])
			fmt.Fprintln(cmd.OutOrStdout(), successMark("✓"), "device unpaired")
			return nil
		},
	})

	return cmd
}
