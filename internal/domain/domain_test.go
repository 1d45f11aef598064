package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terabiome/micvm/internal/pinning"
	"libvirt.org/go/libvirtxml"
)

func testPlacement(t *testing.T) *pinning.Placement {
	t.Helper()

	placement, err := pinning.Plan(
		pinning.Topology{PhysicalCores: 64, ThreadsPerCore: 4, ReservedCores: 2},
		pinning.GuestRequest{Cores: 61, MemoryGiB: 80, Node1MemoryGiB: 16, Node1VCPUs: 4},
	)
	require.NoError(t, err)
	return placement
}

func testParams() Params {
	return Params{
		Name:      "knl-guest",
		UUID:      "8a6c31b2-2e1a-4df0-9b9c-f6f2a25c5d10",
		MemoryGiB: 80,
		DiskPath:  "/var/lib/libvirt/images/knl-guest.qcow2",
		Network:   "default",
	}
}

func TestRender_FullDocument(t *testing.T) {
	placement := testPlacement(t)
	doc, err := Render(New(placement, testParams()))
	require.NoError(t, err)

	assert.Contains(t, doc, "<name>knl-guest</name>")
	assert.Contains(t, doc, "<vcpu placement=\"static\">244</vcpu>")
	assert.Contains(t, doc, "<vcpupin vcpu=\"0\" cpuset=\"2\">")
	assert.Contains(t, doc, "<vcpupin vcpu=\"1\" cpuset=\"63\">")
	assert.Contains(t, doc, "<vcpupin vcpu=\"4\" cpuset=\"3\">")
	assert.Contains(t, doc, "cpus=\"0-239\"")
	assert.Contains(t, doc, "cpus=\"240-243\"")
	assert.Contains(t, doc, "/var/lib/libvirt/images/knl-guest.qcow2")
	assert.Contains(t, doc, pinStartComment)
	assert.Contains(t, doc, pinEndComment)

	// document must stay well-formed with the markers in place
	parsed := libvirtxml.Domain{}
	require.NoError(t, parsed.Unmarshal(doc))
	assert.Equal(t, "knl-guest", parsed.Name)
	require.NotNil(t, parsed.CPUTune)
	assert.Len(t, parsed.CPUTune.VCPUPin, 244)
}

func TestRender_MemoryAndTopology(t *testing.T) {
	placement := testPlacement(t)
	d := New(placement, testParams())

	require.NotNil(t, d.Memory)
	assert.Equal(t, uint(80)<<20, d.Memory.Value)
	assert.Equal(t, "KiB", d.Memory.Unit)

	require.NotNil(t, d.CPU)
	require.NotNil(t, d.CPU.Topology)
	assert.Equal(t, 1, d.CPU.Topology.Sockets)
	assert.Equal(t, 61, d.CPU.Topology.Cores)
	assert.Equal(t, 4, d.CPU.Topology.Threads)

	require.NotNil(t, d.CPU.Numa)
	require.Len(t, d.CPU.Numa.Cell, 2)
	assert.Equal(t, uint(64)<<20, d.CPU.Numa.Cell[0].Memory)
	assert.Equal(t, uint(16)<<20, d.CPU.Numa.Cell[1].Memory)
}

func TestPatch_ReplacesPinningBlock(t *testing.T) {
	// a hand-maintained domain with a stale one-entry pinning block; the
	// stale cpuset sits outside the computed image [2, 246) so its absence
	// after patching is unambiguous
	stale := `<domain type="kvm">
  <name>existing-guest</name>
  <memory unit="KiB">83886080</memory>
  <vcpu placement="static">244</vcpu>
  <cputune>
    <vcpupin vcpu="0" cpuset="999"></vcpupin>
  </cputune>
  <os>
    <type arch="x86_64">hvm</type>
  </os>
</domain>`

	placement := testPlacement(t)
	doc, err := Patch(stale, placement)
	require.NoError(t, err)

	assert.NotContains(t, doc, "cpuset=\"999\"")
	assert.NotContains(t, doc, "<vcpupin vcpu=\"0\" cpuset=\"999\">")
	assert.Contains(t, doc, "<vcpupin vcpu=\"0\" cpuset=\"2\">")
	assert.Contains(t, doc, pinStartComment)
	assert.Contains(t, doc, pinEndComment)

	// untouched content survives
	assert.Contains(t, doc, "<name>existing-guest</name>")

	parsed := libvirtxml.Domain{}
	require.NoError(t, parsed.Unmarshal(doc))
	require.NotNil(t, parsed.CPUTune)
	assert.Len(t, parsed.CPUTune.VCPUPin, 244)
}

func TestPatch_RoundTripIsIdempotent(t *testing.T) {
	placement := testPlacement(t)

	first, err := Render(New(placement, testParams()))
	require.NoError(t, err)

	second, err := Patch(first, placement)
	require.NoError(t, err)

	firstParsed := libvirtxml.Domain{}
	require.NoError(t, firstParsed.Unmarshal(first))
	secondParsed := libvirtxml.Domain{}
	require.NoError(t, secondParsed.Unmarshal(second))

	assert.Equal(t, firstParsed.CPUTune, secondParsed.CPUTune)
	assert.Equal(t, firstParsed.Name, secondParsed.Name)

	// markers must not stack up across repeated patching
	assert.Equal(t, 1, strings.Count(second, pinStartComment))
	assert.Equal(t, 1, strings.Count(second, pinEndComment))
}

func TestPatch_MalformedDocument(t *testing.T) {
	placement := testPlacement(t)

	_, err := Patch("<domain><name>broken", placement)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not parse domain XML")
}

func TestMarkPinningBlock_NoBlock(t *testing.T) {
	doc := "<domain>\n  <name>plain</name>\n</domain>"
	assert.Equal(t, doc, markPinningBlock(doc))
}
