package host

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// Main parses the device process command line and runs the backend to
// completion. Exit code 0 means orderly shutdown; anything else is reported
// to the supervisor as a crash.
func Main() {
	controlFD := flag.Int("control-fd", -1, "inherited control socket fd")
	memoryFD := flag.Int("memory-fd", -1, "inherited guest memory fd")
	deviceType := flag.String("device-type", "", "expected device type")
	policyPath := flag.String("policy", "", "syscall policy file")
	flag.Parse()

	if *controlFD < 0 {
		fmt.Fprintln(os.Stderr, "burrow-device: -control-fd is required")
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	err := Run(Config{
		ControlFD:  *controlFD,
		MemoryFD:   *memoryFD,
		DeviceType: *deviceType,
		PolicyPath: *policyPath,
		SpecReader: os.Stdin,
		Log:        log,
	})
	if err != nil {
		log.Error("device process failed", "error", err)
		os.Exit(1)
	}
}
