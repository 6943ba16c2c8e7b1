package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"automount/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses AUTOMOUNT_CONFIG_DIR env var if set, otherwise defaults to /etc/automount.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("AUTOMOUNT_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/automount"
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// GlobalSettingsPath returns the settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// pathName turns a managed path into a file name: "/net/home" becomes
// "net-home", the root becomes "root".
func pathName(path string) string {
	name := strings.ReplaceAll(strings.Trim(path, "/"), "-", "--")
	name = strings.ReplaceAll(name, "/", "-")
	if name == "" {
		return "root"
	}
	return name
}

// InstanceLockPath returns the flock file that keeps a second daemon off
// the same mount point.
func (s *Settings) InstanceLockPath(path string) string {
	return filepath.Join(s.RunDir, pathName(path)+".lock")
}

// DefaultPidPath returns the pid file used when none is given.
func (s *Settings) DefaultPidPath(path string) string {
	return filepath.Join(s.RunDir, pathName(path)+".pid")
}

// Settings represents daemon settings shared by every mount point.
type Settings struct {
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error off none"` // default: error
	LogFile  string `yaml:"log_file"`
	Syslog   bool   `yaml:"syslog"`

	LockFile string `yaml:"lock_file" validate:"required,startswith=/"`
	RunDir   string `yaml:"run_dir" validate:"required,startswith=/"`

	MountProgram  string `yaml:"mount_program" validate:"required"`
	UmountProgram string `yaml:"umount_program" validate:"required"`
	SloppyMount   bool   `yaml:"sloppy_mount"`

	DefaultTimeout     int `yaml:"default_timeout" validate:"gte=0"`
	NFSMountRetries    int `yaml:"nfs_mount_retries" validate:"gte=0"`
	NFSMountRetryPause int `yaml:"nfs_mount_retry_pause"` // seconds, <= 0 means 1

	IgnorePatterns []string `yaml:"ignore_patterns"`
	MetricsAddr    string   `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// RetryPause returns the NFS retry pause, never below one second.
func (s *Settings) RetryPause() time.Duration {
	if s.NFSMountRetryPause <= 0 {
		return time.Second
	}
	return time.Duration(s.NFSMountRetryPause) * time.Second
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadSettings loads settings.yaml from the config directory over the
// embedded defaults. A missing file yields the defaults.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(GlobalSettingsPath())
}

// LoadSettingsFromPath is LoadSettings for an explicit file.
func LoadSettingsFromPath(path string) (*Settings, error) {
	settings := loadDefaultGlobalSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(&settings); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &settings, nil
}
