package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/sstallion/go-hid"

	"github.com/bigbag/psoc4-flasher/internal/adiv5"
	"github.com/bigbag/psoc4-flasher/internal/dap"
	"github.com/bigbag/psoc4-flasher/internal/detect"
	"github.com/bigbag/psoc4-flasher/internal/flasher"
	"github.com/bigbag/psoc4-flasher/internal/gdbremote"
	"github.com/bigbag/psoc4-flasher/internal/image"
	"github.com/bigbag/psoc4-flasher/internal/psoc4"
	"github.com/bigbag/psoc4-flasher/internal/serial"
	"github.com/bigbag/psoc4-flasher/internal/srom"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	probeFlag   string
	portFlag    string
	baudFlag    int
	serialFlag  string
	clockFlag   uint32
	timeoutFlag time.Duration
	targetFlag  int
	verifyFlag  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "psoc4-flasher",
		Short: "Program Cypress PSoC 4 flash over SWD",
		Long: `PSoC4 Flasher programs Cypress PSoC 4 devices through the SROM
system call interface.

Two probe backends are supported:
  - dap: a CMSIS-DAP probe, driving the SROM calls from the host
  - gdb: a Black Magic Probe, running the PSoC 4 driver on the probe`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// glog flags are parsed by cobra; mark the set parsed for glog.
			return flag.CommandLine.Parse(nil)
		},
	}
	flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&probeFlag, "probe", "auto", "Probe backend: dap, gdb or auto")
	pf.StringVarP(&portFlag, "port", "p", "", "Black Magic Probe GDB port (auto-detect if not specified)")
	pf.IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	pf.StringVar(&serialFlag, "serial", "", "CMSIS-DAP probe serial number")
	pf.Uint32Var(&clockFlag, "clock", 1000000, "SWD clock in Hz")
	pf.DurationVar(&timeoutFlag, "timeout", srom.DefaultTimeout, "SROM call timeout")
	pf.IntVarP(&targetFlag, "target", "t", 1, "GDB target number to attach")

	// Program command
	programCmd := &cobra.Command{
		Use:   "program <image.hex>",
		Short: "Program an Intel HEX image",
		Long: `Program a PSoC Creator Intel HEX image.

The image checksum and chip id records are checked against the file
and the device, the device is mass erased, flash and protection data
are written and the device checksum is compared with the image.`,
		Args: cobra.ExactArgs(1),
		RunE: runProgram,
	}
	programCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify device checksum after programming")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Attach to the device and show its model, silicon id and protection state.",
		RunE:  runInfo,
	}

	siliconIDCmd := &cobra.Command{
		Use:   "siliconid",
		Short: "Read the silicon id",
		Args:  cobra.NoArgs,
		RunE:  runSiliconID,
	}

	checksumCmd := &cobra.Command{
		Use:   "checksum",
		Short: "Read the flash checksum",
		Args:  cobra.NoArgs,
		RunE:  runChecksum,
	}

	eraseCmd := &cobra.Command{
		Use:   "erase-all",
		Short: "Mass erase the device",
		Args:  cobra.NoArgs,
		RunE:  runErase,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the device",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("psoc4-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List connected debug probes",
		RunE:  runList,
	}

	rootCmd.AddCommand(programCmd, infoCmd, siliconIDCmd, checksumCmd, eraseCmd, resetCmd, versionCmd, listCmd)

	if err := hid.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise HID: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	hid.Exit()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

// session is an attached device and the way to release it.
type session struct {
	flasher.Session
	close func()
}

func openSession(ctx context.Context) (*session, error) {
	kind := detect.Kind(probeFlag)
	switch probeFlag {
	case "dap", "gdb":
	case "auto", "":
		kind = ""
		switch {
		case portFlag != "":
			kind = detect.KindGDB
		case serialFlag != "":
			kind = detect.KindDAP
		}
	default:
		return nil, fmt.Errorf("unknown probe %q (want dap, gdb or auto)", probeFlag)
	}

	if kind == "" {
		fmt.Println("Detecting probe...")
		result, err := detect.DetectDevice("")
		if err != nil {
			return nil, fmt.Errorf("probe detection failed: %w", err)
		}
		fmt.Printf("Found %s\n", result)
		kind = result.Kind
		if kind == detect.KindGDB {
			portFlag = result.Port
		} else {
			serialFlag = result.Serial
		}
	}

	if kind == detect.KindGDB {
		return openGDB(ctx)
	}
	return openDAP(ctx)
}

func openDAP(ctx context.Context) (*session, error) {
	client, err := dap.Open(serialFlag)
	if err != nil {
		return nil, err
	}

	dev, err := attachDAP(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}

	fmt.Printf("Probe: CMSIS-DAP @ %d Hz\n", clockFlag)
	return &session{
		Session: dev,
		close: func() {
			client.Disconnect(context.Background())
			client.Close()
		},
	}, nil
}

func attachDAP(ctx context.Context, client *dap.Client) (*psoc4.Device, error) {
	if err := client.SWDInit(ctx, clockFlag); err != nil {
		return nil, fmt.Errorf("failed to initialise SWD: %w", err)
	}
	dp, err := adiv5.Connect(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target: %w", err)
	}
	if err := dp.PowerUp(ctx); err != nil {
		return nil, fmt.Errorf("failed to power up debug port: %w", err)
	}
	if err := psoc4.Acquire(ctx, dp, timeoutFlag); err != nil {
		// A chip that already runs user code can still be identified.
		glog.Warningf("acquire failed: %v", err)
	}

	dev := psoc4.New(adiv5.NewLink(dp), psoc4.WithTimeout(timeoutFlag))
	if _, err := dev.Identify(ctx); err != nil {
		return nil, fmt.Errorf("failed to identify device: %w", err)
	}
	return dev, nil
}

func openGDB(ctx context.Context) (*session, error) {
	portName := portFlag
	if portName == "" {
		result, err := detect.DetectDevice(detect.KindGDB)
		if err != nil {
			return nil, fmt.Errorf("probe detection failed: %w", err)
		}
		portName = result.Port
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to open port: %w", err)
	}
	if err := port.Drain(); err != nil {
		port.Close()
		return nil, err
	}

	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)
	client := gdbremote.NewClient(port, 0)
	fmt.Println("Scanning target...")
	tgt, err := gdbremote.Attach(ctx, client, targetFlag)
	if err != nil {
		port.Close()
		return nil, err
	}

	return &session{
		Session: tgt,
		close: func() {
			if err := tgt.Detach(context.Background()); err != nil {
				glog.Warningf("detach failed: %v", err)
			}
			port.Close()
		},
	}, nil
}

func runProgram(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	img, err := image.Load(imagePath)
	if err != nil {
		return err
	}
	fmt.Printf("Image: %s (%d bytes)\n", imagePath, img.Size())

	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	f := flasher.New(s)
	var bar *progressbar.ProgressBar
	f.SetProgressCallback(func(current, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Programming"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(current)
	})

	fmt.Println("Programming target...")
	if err := f.Program(ctx, img, verifyFlag); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}
	fmt.Println("\nProgramming complete!")

	fmt.Println("Resetting target...")
	if err := s.Reset(ctx); err != nil {
		fmt.Printf("Warning: reset failed: %v\n", err)
	}

	fmt.Println("Done!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	switch dev := s.Session.(type) {
	case *psoc4.Device:
		id := dev.Identity()
		fmt.Printf("  Model:      %s\n", dev.Model())
		fmt.Printf("  Silicon ID: %s\n", psoc4.FormatWord(id.SiliconID))
		fmt.Printf("  Protection: %s\n", id.Protection)
	case *gdbremote.Target:
		fmt.Print(dev.Scan())
		id, err := dev.SiliconID(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  Silicon ID: %s\n", psoc4.FormatWord(id))
	}
	for _, r := range s.Regions() {
		fmt.Printf("  Flash:      0x%08X +0x%X (block 0x%X, %s)\n", r.Base, r.Length, r.BlockSize, r.Strategy)
	}
	return nil
}

func runSiliconID(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	id, err := s.SiliconID(ctx)
	if err != nil {
		return err
	}
	fmt.Println(psoc4.FormatWord(id))
	return nil
}

func runChecksum(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	sum, err := s.Checksum(ctx)
	if err != nil {
		return err
	}
	fmt.Println(psoc4.FormatWord(sum))
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Println("Erasing...")
	if err := s.MassErase(ctx); err != nil {
		return err
	}
	fmt.Println("Mass erase complete")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	return s.Reset(ctx)
}

func runList(cmd *cobra.Command, args []string) error {
	devices, err := detect.ListDevices()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No debug probes found")
		return nil
	}

	fmt.Println("Available probes:")
	for _, d := range devices {
		fmt.Printf("  %s\n", d)
	}
	return nil
}
