package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/burrowvm/burrow/internal/devices"
	"github.com/burrowvm/burrow/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "burrow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := flag.String("socket", "burrow.sock", "Control socket path")
	vsockPort := flag.Uint("vsock-port", 0, "Also serve the control plane on this vsock port (0 disables)")
	memory := flag.Uint64("memory", 256, "Guest memory in MB")
	policyPath := flag.String("policy", "", "Syscall policy file for device processes")
	deviceBinary := flag.String("device-binary", "", "Device process binary (default: burrow-device next to this binary)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [device-spec.yaml ...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a machine's device-emulation core. Each device spec is attached\n")
		fmt.Fprintf(os.Stderr, "at boot; further devices can be hot-plugged over the control socket.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	binary := *deviceBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate device binary: %w", err)
		}
		binary = filepath.Join(filepath.Dir(self), "burrow-device")
	}

	m, err := vmm.NewMachine(vmm.Config{
		MemoryBytes:  *memory << 20,
		DeviceBinary: binary,
		PolicyPath:   *policyPath,
		SocketPath:   *socketPath,
		VsockPort:    uint32(*vsockPort),
		Log:          log,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		spec, err := devices.ParseSpec(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := m.AttachDevice(spec); err != nil {
			return fmt.Errorf("attach %s: %w", spec.ID, err)
		}
		log.Info("device attached", "id", spec.ID, "type", spec.Type,
			"mmio_base", fmt.Sprintf("%#x", spec.MMIOBase), "irq_line", spec.IRQLine)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("machine running", "socket", *socketPath)
	return m.Run(ctx)
}
