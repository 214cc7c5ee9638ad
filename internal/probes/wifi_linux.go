//go:build linux

package probes

import "os"

func readWireless() (string, error) {
	data, err := os.ReadFile("/proc/net/wireless")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
