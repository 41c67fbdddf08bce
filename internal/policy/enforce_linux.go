package policy

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var enforced atomic.Bool

// Enforced reports whether this process already consumed its one-shot
// sandbox entry.
func Enforced() bool {
	return enforced.Load()
}

// Enforce applies the filter to the calling process. It is a one-shot,
// process-lifetime capability: a second call is a programming error and
// panics rather than silently re-sandboxing. After Enforce returns, a denied
// syscall kills the process; there is no recovery path inside it.
func Enforce(f *Filter) error {
	if !enforced.CompareAndSwap(false, true) {
		panic("policy: Enforce called twice in one process")
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("policy: set no_new_privs: %w", err)
	}

	prog := f.program()
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if _, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		unix.SECCOMP_SET_MODE_FILTER, 0, uintptr(unsafe.Pointer(&fprog))); errno != 0 {
		return fmt.Errorf("policy: install %s filter: %w", f.deviceType, errno)
	}
	return nil
}

// program decodes the raw filter into kernel sock_filter form. The encoding
// is native-endian little on every platform this runs on.
func (f *Filter) program() []unix.SockFilter {
	count := f.InstructionCount()
	prog := make([]unix.SockFilter, count)
	for i := 0; i < count; i++ {
		insn := f.raw[i*bpfInstructionSize:]
		prog[i] = unix.SockFilter{
			Code: binary.LittleEndian.Uint16(insn[0:2]),
			Jt:   insn[2],
			Jf:   insn[3],
			K:    binary.LittleEndian.Uint32(insn[4:8]),
		}
	}
	return prog
}
