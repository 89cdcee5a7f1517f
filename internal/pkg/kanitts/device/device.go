// Package device reports which GPU, if any, the service will run on.
package device

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultRoot is where the NVIDIA kernel driver publishes one directory per GPU.
const DefaultRoot = "/proc/driver/nvidia/gpus"

type GPU struct {
	Available bool
	Name      string
}

// NamePtr returns the name for JSON, or nil when no GPU is available.
func (g GPU) NamePtr() *string {
	if !g.Available {
		return nil
	}
	name := g.Name
	return &name
}

func Probe(index int) GPU {
	return ProbeRoot(DefaultRoot, index)
}

// ProbeRoot looks up the index-th GPU (ordered by PCI bus id) under root.
// A negative index means CPU only.
func ProbeRoot(root string, index int) GPU {
	if index < 0 {
		return GPU{}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return GPU{}
	}

	var buses []string
	for _, e := range entries {
		if e.IsDir() {
			buses = append(buses, e.Name())
		}
	}
	sort.Strings(buses)
	if index >= len(buses) {
		return GPU{}
	}

	name := readModel(filepath.Join(root, buses[index], "information"))
	if name == "" {
		name = "NVIDIA GPU " + buses[index]
	}
	return GPU{Available: true, Name: name}
}

func readModel(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "Model" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
