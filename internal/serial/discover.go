package serial

import (
	"path/filepath"
	"sort"
)

// candidatePatterns are where USB and on-board UARTs show up on Linux.
// Stable by-id links come first so operators can prefer them.
var candidatePatterns = []string{
	"/dev/serial/by-id/*",
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/ttyAMA*",
	"/dev/ttyS*",
}

// ListPorts returns candidate serial device paths for the port setting.
// It only inspects names; a listed device may still fail to open.
func ListPorts() ([]string, error) {
	return listPorts(candidatePatterns)
}

func listPorts(patterns []string) ([]string, error) {
	var ports []string
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			ports = append(ports, m)
		}
	}
	return ports, nil
}
