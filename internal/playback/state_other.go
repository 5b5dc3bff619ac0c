//go:build !linux

package playback

import "errors"

func processSuspended(int) (bool, error) {
	return false, errors.New("process state is not observable on this platform")
}
