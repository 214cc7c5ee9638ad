//go:build !linux && !darwin

package daemon

// DefinitionPath returns an empty path; no service manager is supported.
func (m *ServiceManager) DefinitionPath() string {
	return ""
}

func (m *ServiceManager) Install(opts InstallOptions) (string, error) {
	return "", ErrUnsupportedPlatform
}

func (m *ServiceManager) Uninstall() error {
	return ErrUnsupportedPlatform
}

func (m *ServiceManager) StartHint() string {
	return ""
}
