// burrow-device is the sandboxed process hosting one device backend. It is
// spawned by the supervisor with its control socket on an inherited fd and
// its device spec on stdin; it applies its syscall policy before serving.
package main

import "github.com/burrowvm/burrow/internal/host"

func main() {
	host.Main()
}
