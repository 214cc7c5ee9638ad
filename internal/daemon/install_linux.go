//go:build linux

package daemon

import (
	"path/filepath"

	"github.com/user/netdiag/internal/util"
)

const systemdUnitDir = "/etc/systemd/system"

// DefinitionPath returns where the service definition is written.
func (m *ServiceManager) DefinitionPath() string {
	dir := m.Dir
	if dir == "" {
		dir = systemdUnitDir
	}
	return filepath.Join(dir, systemdUnitName)
}

// Install writes a systemd unit and reloads systemd. It returns the unit path.
func (m *ServiceManager) Install(opts InstallOptions) (string, error) {
	opts, err := opts.resolve()
	if err != nil {
		return "", err
	}
	content, err := RenderSystemdUnit(opts)
	if err != nil {
		return "", err
	}

	path := m.DefinitionPath()
	if err := m.writeDefinition(path, content); err != nil {
		return "", err
	}
	if err := m.run("systemctl", "daemon-reload"); err != nil {
		util.Warn("systemctl daemon-reload failed: %v", err)
	}

	util.Info("Installed systemd service at %s", path)
	return path, nil
}

// Uninstall stops and disables the unit, then removes it.
func (m *ServiceManager) Uninstall() error {
	path := m.DefinitionPath()

	if err := m.run("systemctl", "stop", systemdUnitName); err != nil {
		util.Debug("systemctl stop: %v", err)
	}
	if err := m.run("systemctl", "disable", systemdUnitName); err != nil {
		util.Debug("systemctl disable: %v", err)
	}
	if err := m.removeDefinition(path); err != nil {
		return err
	}
	if err := m.run("systemctl", "daemon-reload"); err != nil {
		util.Warn("systemctl daemon-reload failed: %v", err)
	}

	util.Info("Removed systemd service %s", path)
	return nil
}

// StartHint tells the user how to start the installed service.
func (m *ServiceManager) StartHint() string {
	return "sudo systemctl enable --now " + systemdUnitName
}
