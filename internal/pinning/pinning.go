// Package pinning computes the vCPU-to-physical-CPU placement for a guest
// running on a many-core host. Guest vCPUs that share a hardware-thread slot
// are laid out contiguously across the physical core range, so one guest
// core's threads land on different physical cores instead of stacking on one.
package pinning

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument covers absent or non-positive numeric inputs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCoreBudget means reserved plus guest cores exceed the host's cores.
	ErrCoreBudget = errors.New("core budget exceeded")
)

// Topology describes the host as declared by the caller; nothing is probed.
type Topology struct {
	PhysicalCores  int // total physical cores on the host
	ThreadsPerCore int // hardware threads per physical core
	ReservedCores  int // leading cores left to the host OS
}

// GuestRequest describes the guest-visible resources to place.
type GuestRequest struct {
	Cores          int // guest-visible cores
	MemoryGiB      int // total guest memory
	Node1MemoryGiB int // memory owned by the second NUMA cell, 0 for none
	Node1VCPUs     int // vCPUs owned by the second NUMA cell, 0 for none
}

// Pin is one entry of the vCPU-to-physical-CPU map.
type Pin struct {
	VCPU        int
	PhysicalCPU int
}

// Cell is one guest NUMA cell owning a contiguous vCPU range. The range is
// inclusive on both ends.
type Cell struct {
	ID        int
	MemoryGiB int
	FirstVCPU int
	LastVCPU  int
}

// Placement is the fully computed result for one guest.
type Placement struct {
	Topology   Topology
	GuestCores int
	TotalVCPUs int
	Pins       []Pin
	Cells      []Cell
}

// PhysicalCPU maps one guest vCPU index to a host physical CPU index.
// With m = vcpu/threadCount and n = vcpu%threadCount the result is
// coreOffset + coreStride*n + m, which is injective over
// [0, coreStride*threadCount) and lands inside
// [coreOffset, coreOffset+coreStride*threadCount).
func PhysicalCPU(vcpu, threadCount, coreStride, coreOffset int) int {
	m := vcpu / threadCount
	n := vcpu % threadCount
	return coreOffset + coreStride*n + m
}

// Plan validates the request against the host topology and computes the full
// pinning map and NUMA partition.
func Plan(topo Topology, req GuestRequest) (*Placement, error) {
	if topo.PhysicalCores <= 0 {
		return nil, fmt.Errorf("%w: physical core count must be positive, got %d", ErrInvalidArgument, topo.PhysicalCores)
	}
	if topo.ThreadsPerCore <= 0 {
		return nil, fmt.Errorf("%w: threads per core must be positive, got %d", ErrInvalidArgument, topo.ThreadsPerCore)
	}
	if topo.ReservedCores < 0 {
		return nil, fmt.Errorf("%w: reserved core count must not be negative, got %d", ErrInvalidArgument, topo.ReservedCores)
	}
	if req.Cores <= 0 {
		return nil, fmt.Errorf("%w: guest core count must be positive, got %d", ErrInvalidArgument, req.Cores)
	}
	if req.MemoryGiB <= 0 {
		return nil, fmt.Errorf("%w: guest memory size must be positive, got %d", ErrInvalidArgument, req.MemoryGiB)
	}
	if req.Node1MemoryGiB < 0 || req.Node1VCPUs < 0 {
		return nil, fmt.Errorf("%w: second NUMA cell values must not be negative", ErrInvalidArgument)
	}
	if (req.Node1MemoryGiB == 0) != (req.Node1VCPUs == 0) {
		return nil, fmt.Errorf("%w: second NUMA cell needs both memory and vCPUs (or neither)", ErrInvalidArgument)
	}

	if topo.ReservedCores+req.Cores > topo.PhysicalCores {
		return nil, fmt.Errorf("%w: %d reserved + %d guest cores need %d cores but the host has %d",
			ErrCoreBudget, topo.ReservedCores, req.Cores,
			topo.ReservedCores+req.Cores, topo.PhysicalCores)
	}

	totalVCPUs := req.Cores * topo.ThreadsPerCore
	if req.Node1VCPUs >= totalVCPUs {
		return nil, fmt.Errorf("%w: second NUMA cell claims %d of %d vCPUs, leaving none for cell 0",
			ErrInvalidArgument, req.Node1VCPUs, totalVCPUs)
	}
	if req.Node1MemoryGiB >= req.MemoryGiB {
		return nil, fmt.Errorf("%w: second NUMA cell claims %d of %d GiB, leaving none for cell 0",
			ErrInvalidArgument, req.Node1MemoryGiB, req.MemoryGiB)
	}

	pins := make([]Pin, totalVCPUs)
	for vcpu := 0; vcpu < totalVCPUs; vcpu++ {
		pins[vcpu] = Pin{
			VCPU:        vcpu,
			PhysicalCPU: PhysicalCPU(vcpu, topo.ThreadsPerCore, req.Cores, topo.ReservedCores),
		}
	}

	return &Placement{
		Topology:   topo,
		GuestCores: req.Cores,
		TotalVCPUs: totalVCPUs,
		Pins:       pins,
		Cells:      Partition(req.MemoryGiB, totalVCPUs, req.Node1MemoryGiB, req.Node1VCPUs),
	}, nil
}

// Partition splits guest memory and vCPUs into one or two NUMA cells. With a
// second cell, cell 0 keeps the leading vCPU range and the remaining memory;
// cell 1 takes the trailing node1VCPUs vCPUs and node1Mem GiB.
func Partition(totalMem, totalVCPU, node1Mem, node1VCPU int) []Cell {
	if node1Mem == 0 && node1VCPU == 0 {
		return []Cell{{
			ID:        0,
			MemoryGiB: totalMem,
			FirstVCPU: 0,
			LastVCPU:  totalVCPU - 1,
		}}
	}

	return []Cell{
		{
			ID:        0,
			MemoryGiB: totalMem - node1Mem,
			FirstVCPU: 0,
			LastVCPU:  totalVCPU - node1VCPU - 1,
		},
		{
			ID:        1,
			MemoryGiB: node1Mem,
			FirstVCPU: totalVCPU - node1VCPU,
			LastVCPU:  totalVCPU - 1,
		},
	}
}
