// Package domain builds and patches libvirt domain XML for pinned guests.
package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/terabiome/micvm/internal/pinning"
	"libvirt.org/go/libvirtxml"
)

// Provenance comments bracketing the generated pinning block. The markers
// survive in the serialized document only; parsing drops them, so patching a
// previously patched document never accumulates stale markers.
const (
	pinStartComment = "<!-- vcpu pinning generated by micvm -->"
	pinEndComment   = "<!-- end of vcpu pinning generated by micvm -->"
)

// Params carries the guest identity and devices for full-document mode.
type Params struct {
	Name      string
	UUID      string
	MemoryGiB int
	DiskPath  string
	Network   string
}

// New constructs a complete domain description around the computed placement.
func New(placement *pinning.Placement, p Params) *libvirtxml.Domain {
	memKiB := uint(p.MemoryGiB) << 20

	return &libvirtxml.Domain{
		Type: "kvm",
		Name: p.Name,
		UUID: p.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: memKiB,
			Unit:  "KiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: memKiB,
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(placement.TotalVCPUs),
		},
		CPUTune: cpuTune(placement),
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
			Topology: &libvirtxml.DomainCPUTopology{
				Sockets: 1,
				Cores:   placement.GuestCores,
				Threads: placement.Topology.ThreadsPerCore,
			},
			Numa: numaCells(placement.Cells),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "qcow2",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: p.DiskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{
							Network: p.Network,
						},
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: "virtio",
					},
				},
			},
		},
	}
}

// Render serializes a domain with human-readable indentation and brackets the
// pinning block with the provenance markers.
func Render(d *libvirtxml.Domain) (string, error) {
	doc, err := d.Marshal()
	if err != nil {
		return "", fmt.Errorf("could not serialize domain XML: %w", err)
	}
	return markPinningBlock(doc), nil
}

// Patch parses an existing domain document, replaces its pinning block with
// one computed from placement, and serializes the result. Content the domain
// schema models is carried over unchanged; XML comments and elements outside
// the schema do not survive the round trip.
func Patch(doc string, placement *pinning.Placement) (string, error) {
	existing := libvirtxml.Domain{}
	if err := existing.Unmarshal(doc); err != nil {
		return "", fmt.Errorf("could not parse domain XML: %w", err)
	}

	existing.CPUTune = cpuTune(placement)

	return Render(&existing)
}

func cpuTune(placement *pinning.Placement) *libvirtxml.DomainCPUTune {
	pins := make([]libvirtxml.DomainCPUTuneVCPUPin, len(placement.Pins))
	for i, pin := range placement.Pins {
		pins[i] = libvirtxml.DomainCPUTuneVCPUPin{
			VCPU:   uint(pin.VCPU),
			CPUSet: strconv.Itoa(pin.PhysicalCPU),
		}
	}
	return &libvirtxml.DomainCPUTune{VCPUPin: pins}
}

func numaCells(cells []pinning.Cell) *libvirtxml.DomainNuma {
	out := make([]libvirtxml.DomainCell, len(cells))
	for i, cell := range cells {
		id := uint(cell.ID)
		out[i] = libvirtxml.DomainCell{
			ID:     &id,
			CPUs:   fmt.Sprintf("%d-%d", cell.FirstVCPU, cell.LastVCPU),
			Memory: uint(cell.MemoryGiB) << 20,
			Unit:   "KiB",
		}
	}
	return &libvirtxml.DomainNuma{Cell: out}
}

// markPinningBlock inserts the provenance comments around the serialized
// <cputune> element, matching its indentation. Documents without a pinning
// block pass through untouched.
func markPinningBlock(doc string) string {
	start := strings.Index(doc, "<cputune>")
	if start < 0 {
		return doc
	}
	end := strings.Index(doc, "</cputune>")
	if end < 0 {
		return doc
	}
	end += len("</cputune>")

	lineStart := strings.LastIndex(doc[:start], "\n") + 1
	indent := doc[lineStart:start]

	var b strings.Builder
	b.WriteString(doc[:lineStart])
	b.WriteString(indent)
	b.WriteString(pinStartComment)
	b.WriteString("\n")
	b.WriteString(doc[lineStart:end])
	b.WriteString("\n")
	b.WriteString(indent)
	b.WriteString(pinEndComment)
	b.WriteString(doc[end:])
	return b.String()
}
