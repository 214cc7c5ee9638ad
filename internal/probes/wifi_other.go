//go:build !linux

package probes

func readWireless() (string, error) {
	return "", ErrUnsupported
}
