package topology

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SysfsRoot is the default base for CPU and NUMA node discovery.
const SysfsRoot = "/sys/devices/system"

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return 0, errors.New("empty file")
	}
	return strconv.Atoi(value)
}

// listNumbered returns the sorted numeric suffixes of entries like cpu0,
// cpu1, ... or node0, node1, ... under dir. Entries such as cpufreq or
// cpuidle are skipped.
func listNumbered(dir, prefix string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Ints(ids)
	return ids, nil
}

func cpuTopologyPath(root string, cpuID int, element string) string {
	return filepath.Join(root, "cpu", "cpu"+strconv.Itoa(cpuID), "topology", element)
}
