//go:build darwin

package daemon

import (
	"path/filepath"

	"github.com/user/netdiag/internal/util"
)

const launchdDir = "/Library/LaunchDaemons"

// DefinitionPath returns where the service definition is written.
func (m *ServiceManager) DefinitionPath() string {
	dir := m.Dir
	if dir == "" {
		dir = launchdDir
	}
	return filepath.Join(dir, launchdLabel+".plist")
}

// Install writes a launchd property list. It returns the plist path.
func (m *ServiceManager) Install(opts InstallOptions) (string, error) {
	opts, err := opts.resolve()
	if err != nil {
		return "", err
	}
	content, err := RenderLaunchdPlist(opts)
	if err != nil {
		return "", err
	}

	path := m.DefinitionPath()
	if err := m.writeDefinition(path, content); err != nil {
		return "", err
	}

	util.Info("Installed launchd service at %s", path)
	return path, nil
}

// Uninstall unloads the job and removes its property list.
func (m *ServiceManager) Uninstall() error {
	path := m.DefinitionPath()

	if err := m.run("launchctl", "unload", "-w", path); err != nil {
		util.Debug("launchctl unload: %v", err)
	}
	if err := m.removeDefinition(path); err != nil {
		return err
	}

	util.Info("Removed launchd service %s", path)
	return nil
}

// StartHint tells the user how to start the installed service.
func (m *ServiceManager) StartHint() string {
	return "sudo launchctl load -w " + m.DefinitionPath()
}
