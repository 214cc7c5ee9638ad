package daemon

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/user/netdiag/internal/util"
)

// ErrUnsupportedPlatform is returned where no service manager is supported.
var ErrUnsupportedPlatform = errors.New("service installation is not supported on this platform")

// ErrNotInstalled is returned by Uninstall when no service definition exists.
var ErrNotInstalled = errors.New("service is not installed")

const (
	systemdUnitName = "netdiag.service"
	launchdLabel    = "net.netdiag.daemon"
)

// InstallOptions describes the installed daemon invocation.
type InstallOptions struct {
	// Executable defaults to the running binary.
	Executable string
	ConfigFile string
	LogFile    string
}

func (o InstallOptions) resolve() (InstallOptions, error) {
	if o.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return o, fmt.Errorf("failed to get executable path: %w", err)
		}
		o.Executable = exe
	}
	if abs, err := filepath.Abs(o.Executable); err == nil {
		o.Executable = abs
	}
	if o.ConfigFile != "" {
		if abs, err := filepath.Abs(o.ConfigFile); err == nil {
			o.ConfigFile = abs
		}
	}
	return o, nil
}

// Args returns the command line the service manager runs.
func (o InstallOptions) Args() []string {
	args := []string{o.Executable, "daemon", "start", "--foreground"}
	if o.ConfigFile != "" {
		args = append(args, "--config", o.ConfigFile)
	}
	return args
}

// ServiceManager installs the daemon with the platform's init system.
type ServiceManager struct {
	// Dir holds the service definition; empty means the system location.
	Dir string
	// Exec runs service manager commands; nil runs them for real.
	Exec func(name string, args ...string) error
}

// NewServiceManager returns a manager for the system location.
func NewServiceManager() *ServiceManager {
	return &ServiceManager{}
}

func (m *ServiceManager) run(name string, args ...string) error {
	if m.Exec != nil {
		return m.Exec(name, args...)
	}
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, bytes.TrimSpace(out))
	}
	return nil
}

func (m *ServiceManager) writeDefinition(path string, content []byte) error {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (m *ServiceManager) removeDefinition(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotInstalled
		}
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

var templateFuncs = template.FuncMap{
	"join": joinUnitArgs,
	"xml":  xmlEscape,
}

var systemdUnitTmpl = template.Must(template.New("unit").Funcs(templateFuncs).Parse(`[Unit]
Description=NetDiag Network Diagnostics Daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{join .Args}}
Restart=always
RestartSec=10
{{- if .LogFile}}
StandardOutput=append:{{.LogFile}}
StandardError=append:{{.LogFile}}
{{- end}}

[Install]
WantedBy=multi-user.target
`))

var launchdPlistTmpl = template.Must(template.New("plist").Funcs(templateFuncs).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{xml .}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
{{- if .LogFile}}
    <key>StandardOutPath</key>
    <string>{{xml .LogFile}}</string>
    <key>StandardErrorPath</key>
    <string>{{xml .LogFile}}</string>
{{- end}}
</dict>
</plist>
`))

// joinUnitArgs quotes arguments containing whitespace for ExecStart.
func joinUnitArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"") {
			a = strconv.Quote(a)
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// RenderSystemdUnit renders a systemd unit for opts.
func RenderSystemdUnit(opts InstallOptions) ([]byte, error) {
	var buf bytes.Buffer
	err := systemdUnitTmpl.Execute(&buf, struct {
		Args    []string
		LogFile string
	}{opts.Args(), opts.LogFile})
	return buf.Bytes(), err
}

// RenderLaunchdPlist renders a launchd property list for opts.
func RenderLaunchdPlist(opts InstallOptions) ([]byte, error) {
	var buf bytes.Buffer
	err := launchdPlistTmpl.Execute(&buf, struct {
		Label   string
		Args    []string
		LogFile string
	}{launchdLabel, opts.Args(), opts.LogFile})
	return buf.Bytes(), err
}

// InstallService installs the daemon with the system service manager,
// pointing it at configFile when set.
func InstallService(configFile string) (string, error) {
	return NewServiceManager().Install(InstallOptions{ConfigFile: configFile})
}

// UninstallService removes the system service definition.
func UninstallService() error {
	return NewServiceManager().Uninstall()
}
