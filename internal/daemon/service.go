package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"
)

const launchdLabel = "com.allaspects.slotcached"

// launchdPlistTemplate is the macOS launchd property list for running
// slotcached as a persistent user agent.
const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ProgramPath}}</string>
        <string>start</string>
        <string>--foreground</string>
    </array>

    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>

    <key>KeepAlive</key>
    <true/>

    <key>RunAtLoad</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.LogDir}}/slotcached.out.log</string>

    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/slotcached.err.log</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>
`

// systemdUnitTemplate is the user-scope systemd unit for Linux hosts, the
// usual home of an inference backend. The unit orders slotcached after the
// network so the startup backend probe has a chance to succeed.
const systemdUnitTemplate = `[Unit]
Description=slotcached KV-slot caching proxy
After=network-online.target

[Service]
ExecStart={{.ProgramPath}} start --foreground
WorkingDirectory={{.WorkingDir}}
Restart=always
RestartSec=5

[Install]
WantedBy=default.target
`

type serviceData struct {
	Label       string
	ProgramPath string
	WorkingDir  string
	LogDir      string
}

// InstallService installs slotcached as a per-user service: a launchd agent
// on macOS, a systemd user unit on Linux.
func InstallService() error {
	data, err := resolveServiceData()
	if err != nil {
		return err
	}

	switch runtime.GOOS {
	case "darwin":
		return installLaunchd(data)
	case "linux":
		return installSystemd(data)
	default:
		return fmt.Errorf("service install is not supported on %s", runtime.GOOS)
	}
}

// UninstallService removes the per-user service for the current platform.
func UninstallService() error {
	switch runtime.GOOS {
	case "darwin":
		return uninstallLaunchd()
	case "linux":
		return uninstallSystemd()
	default:
		return fmt.Errorf("service uninstall is not supported on %s", runtime.GOOS)
	}
}

// resolveServiceData locates the binary and the data directory shared by both
// platforms.
func resolveServiceData() (serviceData, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return serviceData{}, fmt.Errorf("determining home directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return serviceData{}, fmt.Errorf("determining executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return serviceData{}, fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dataDir := filepath.Join(homeDir, ".slotcached")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return serviceData{}, fmt.Errorf("creating data directory: %w", err)
	}

	return serviceData{
		Label:       launchdLabel,
		ProgramPath: execPath,
		WorkingDir:  dataDir,
		LogDir:      dataDir,
	}, nil
}

// renderTemplate writes a service definition file from a template.
func renderTemplate(path, tmplText string, data serviceData) error {
	tmpl, err := template.New(filepath.Base(path)).Parse(tmplText)
	if err != nil {
		return fmt.Errorf("parsing service template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating service file %s: %w", path, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("writing service file: %w", err)
	}
	return f.Close()
}

func launchdPlistPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(homeDir, "Library", "LaunchAgents", launchdLabel+".plist"), nil
}

func installLaunchd(data serviceData) error {
	plistPath, err := launchdPlistPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return fmt.Errorf("creating LaunchAgents directory: %w", err)
	}
	if err := renderTemplate(plistPath, launchdPlistTemplate, data); err != nil {
		return err
	}
	fmt.Printf("Plist written to %s\n", plistPath)

	// Unload first in case an older definition is loaded.
	_ = exec.Command("launchctl", "unload", plistPath).Run()

	load := exec.Command("launchctl", "load", plistPath)
	load.Stdout = os.Stdout
	load.Stderr = os.Stderr
	if err := load.Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}

	fmt.Printf("Service %s loaded via launchctl\n", launchdLabel)
	return nil
}

func uninstallLaunchd() error {
	plistPath, err := launchdPlistPath()
	if err != nil {
		return err
	}

	_ = exec.Command("launchctl", "unload", plistPath).Run()

	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing plist: %w", err)
	}

	fmt.Printf("Service %s uninstalled\n", launchdLabel)
	return nil
}

func systemdUnitPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "systemd", "user", "slotcached.service"), nil
}

func installSystemd(data serviceData) error {
	unitPath, err := systemdUnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := renderTemplate(unitPath, systemdUnitTemplate, data); err != nil {
		return err
	}
	fmt.Printf("Unit written to %s\n", unitPath)

	if err := exec.Command("systemctl", "--user", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}

	enable := exec.Command("systemctl", "--user", "enable", "--now", "slotcached.service")
	enable.Stdout = os.Stdout
	enable.Stderr = os.Stderr
	if err := enable.Run(); err != nil {
		return fmt.Errorf("systemctl enable: %w", err)
	}

	fmt.Println("Service slotcached.service enabled via systemctl --user")
	return nil
}

func uninstallSystemd() error {
	unitPath, err := systemdUnitPath()
	if err != nil {
		return err
	}

	_ = exec.Command("systemctl", "--user", "disable", "--now", "slotcached.service").Run()

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit: %w", err)
	}
	_ = exec.Command("systemctl", "--user", "daemon-reload").Run()

	fmt.Println("Service slotcached.service uninstalled")
	return nil
}
