package playback

import (
	"bytes"
	"fmt"
	"os"
)

// processSuspended reports whether pid is in the stopped or traced state.
func processSuspended(pid int) (bool, error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false, err
	}
	// comm may contain spaces and parens; the state follows the last ')'.
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 || end+2 >= len(stat) {
		return false, fmt.Errorf("malformed stat for pid %d", pid)
	}
	switch stat[end+2] {
	case 'T', 't':
		return true, nil
	default:
		return false, nil
	}
}
