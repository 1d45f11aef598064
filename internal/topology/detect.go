// Package topology discovers the host CPU layout from sysfs. It backs the
// topology subcommand, which helps operators pick sane core-num and
// omit-cores values before generating a domain.
package topology

import (
	"fmt"
)

// Host summarizes the detected CPU layout.
type Host struct {
	LogicalCPUs    int
	PhysicalCores  int
	ThreadsPerCore int
	Sockets        int
	NUMANodes      int
}

type coreKey struct {
	pkg  int
	core int
}

// Detect reads the live sysfs tree.
func Detect() (*Host, error) {
	return detectFrom(SysfsRoot)
}

func detectFrom(root string) (*Host, error) {
	cpus, err := listNumbered(root+"/cpu", "cpu")
	if err != nil {
		return nil, fmt.Errorf("could not list CPUs: %w", err)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs found under %s/cpu", root)
	}

	cores := make(map[coreKey]bool)
	packages := make(map[int]bool)
	online := 0

	for _, cpu := range cpus {
		pkg, err := readIntFile(cpuTopologyPath(root, cpu, "physical_package_id"))
		if err != nil {
			// offline CPUs have no topology directory
			continue
		}
		core, err := readIntFile(cpuTopologyPath(root, cpu, "core_id"))
		if err != nil {
			continue
		}

		online++
		packages[pkg] = true
		cores[coreKey{pkg: pkg, core: core}] = true
	}

	if online == 0 || len(cores) == 0 {
		return nil, fmt.Errorf("no CPU topology information under %s/cpu", root)
	}

	threadsPerCore := online / len(cores)
	if threadsPerCore < 1 {
		threadsPerCore = 1
	}

	host := &Host{
		LogicalCPUs:    online,
		PhysicalCores:  len(cores),
		ThreadsPerCore: threadsPerCore,
		Sockets:        len(packages),
	}

	// NUMA node directories are absent on single-node kernels
	if nodes, err := listNumbered(root+"/node", "node"); err == nil && len(nodes) > 0 {
		host.NUMANodes = len(nodes)
	} else {
		host.NUMANodes = 1
	}

	return host, nil
}
