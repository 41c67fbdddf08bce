package policy

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allowAllProgram is the two-instruction cBPF program
// "ld [arch]; ret ALLOW", encoded as raw sock_filter entries.
func allowAllProgram() []byte {
	return []byte{
		0x20, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, // BPF_LD|BPF_W|BPF_ABS, k=4
		0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x7f, // BPF_RET, k=SECCOMP_RET_ALLOW
	}
}

func policyYAML(filter []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(filter)
	return []byte("policies:\n  block:\n    filter: " + encoded + "\n  net:\n    filter: " + encoded + "\n")
}

func TestLoadAndLookup(t *testing.T) {
	set, err := Load(policyYAML(allowAllProgram()))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"block", "net"}, set.DeviceTypes())

	f, err := set.Lookup("block")
	require.NoError(t, err)
	assert.Equal(t, "block", f.DeviceType())
	assert.Equal(t, 2, f.InstructionCount())

	prog := f.program()
	require.Len(t, prog, 2)
	assert.Equal(t, uint16(0x0020), prog[0].Code)
	assert.Equal(t, uint32(4), prog[0].K)
	assert.Equal(t, uint32(0x7fff0000), prog[1].K)
}

func TestLookupUnknownDeviceType(t *testing.T) {
	set, err := Load(policyYAML(allowAllProgram()))
	require.NoError(t, err)

	_, err = set.Lookup("gpu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpu")
}

func TestLoadRejectsTruncatedFilter(t *testing.T) {
	_, err := Load(policyYAML(allowAllProgram()[:12]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a whole program")
}

func TestLoadRejectsEmptyDocument(t *testing.T) {
	_, err := Load([]byte("policies: {}\n"))
	require.Error(t, err)
}

// Enforce is deliberately not exercised here: installing a seccomp filter
// would sandbox the test process itself. The one-shot guard is testable
// without installing anything only in its failure direction, via a
// subprocess, which the supervisor tests cover end to end.
func TestEnforcedFalseBeforeEntry(t *testing.T) {
	assert.False(t, Enforced())
}
