package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tis24dev/ibex/internal/types"
	"github.com/tis24dev/ibex/pkg/utils"
)

const (
	defaultDatabaseDir     = "/var/lib/mysql"
	defaultSocketPath      = "/var/run/mysqld/mysqld.sock"
	defaultBackupTool      = "innobackupex"
	defaultSpaceMultiplier = 1.5
	defaultRsyncBwLimit    = 5000
	defaultPIDDir          = "/tmp"

	// CopyStatusFile is the per-item status file name inside staged directories.
	CopyStatusFile = "copy-status"
)

// Mandatory settings per command.
var (
	BackupMandatory = []string{
		"dbuser",
		"dbpass",
		"baseDir",
		"secondaryBaseDir",
		"offsiteBaseDir",
		"logDir",
	}
	ArchiverMandatory = []string{
		"incomingBaseDir",
		"archiveBaseDir",
		"logDir",
	}
	WatchdogMandatory = []string{
		"secondaryBaseDir",
		"storageBaseDir",
		"logDir",
	}
)

// Settings is the raw key/value content of a settings file. It is read once
// per invocation and never modified afterwards.
type Settings struct {
	raw map[string]string
}

// Load reads a settings file.
func Load(path string) (*Settings, error) {
	if !utils.FileExists(path) {
		return nil, &types.ConfigError{Err: fmt.Errorf("settings file not found: %s", path)}
	}

	raw, err := parseSettingsFile(path)
	if err != nil {
		return nil, &types.ConfigError{Err: err}
	}
	return &Settings{raw: raw}, nil
}

// FromMap builds Settings from an in-memory map.
func FromMap(values map[string]string) *Settings {
	raw := make(map[string]string, len(values))
	for k, v := range values {
		raw[k] = v
	}
	return &Settings{raw: raw}
}

// Validate checks that every mandatory key is present and non-empty.
func (s *Settings) Validate(mandatory []string) error {
	var missing []string
	for _, key := range mandatory {
		if strings.TrimSpace(s.raw[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &types.ConfigError{Missing: missing}
	}
	return nil
}

func (s *Settings) getString(key, defaultValue string) string {
	if val, ok := s.raw[key]; ok && val != "" {
		return val
	}
	return defaultValue
}

func (s *Settings) getInt(key string, defaultValue int) (int, error) {
	val, ok := s.raw[key]
	if !ok || val == "" {
		return defaultValue, nil
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return 0, &types.ConfigError{Err: fmt.Errorf("setting %s: %q is not an integer", key, val)}
	}
	return intVal, nil
}

func (s *Settings) getFloat(key string, defaultValue float64) (float64, error) {
	val, ok := s.raw[key]
	if !ok || val == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 {
		return 0, &types.ConfigError{Err: fmt.Errorf("setting %s: %q is not a positive number", key, val)}
	}
	return f, nil
}

func (s *Settings) getStringSlice(key string) []string {
	return utils.SplitList(s.raw[key])
}

// Common holds the settings every command needs.
type Common struct {
	LogDir     string
	PIDDir     string
	LogLevel   types.LogLevel
	MetricsDir string
}

// PIDFile returns the lock file path for the named command.
func (c Common) PIDFile(name string) string {
	return filepath.Join(c.PIDDir, name+".pid")
}

// MonitorFile returns the monitor file path for the named subsystem.
func (c Common) MonitorFile(subsystem string) string {
	return filepath.Join(c.LogDir, "monitor-"+subsystem)
}

// Encryption lists the age recipients used for tarballs.
type Encryption struct {
	AgeRecipients    []string
	AgeRecipientFile string
}

// Enabled reports whether any recipient source is configured.
func (e Encryption) Enabled() bool {
	return len(e.AgeRecipients) > 0 || e.AgeRecipientFile != ""
}

func (s *Settings) common() Common {
	return Common{
		LogDir:     s.getString("logDir", ""),
		PIDDir:     s.getString("pidDir", defaultPIDDir),
		LogLevel:   types.ParseLogLevel(s.getString("logLevel", "debug")),
		MetricsDir: s.getString("metricsDir", ""),
	}
}

func (s *Settings) encryption() Encryption {
	return Encryption{
		AgeRecipients:    splitRecipients(s.raw["ageRecipients"]),
		AgeRecipientFile: s.getString("ageRecipientFile", ""),
	}
}

// BackupConfig is the projection used by the backup command.
type BackupConfig struct {
	Common
	Encryption

	DBUser           string
	DBPass           string
	SocketPath       string
	DatabaseDir      string
	BaseDir          string
	SecondaryBaseDir string
	OffsiteBaseDir   string
	BackupTool       string
	SpaceMultiplier  float64
}

// Backup validates the backup command's mandatory keys and returns its config.
func (s *Settings) Backup() (*BackupConfig, error) {
	if err := s.Validate(BackupMandatory); err != nil {
		return nil, err
	}
	multiplier, err := s.getFloat("spaceMultiplier", defaultSpaceMultiplier)
	if err != nil {
		return nil, err
	}
	return &BackupConfig{
		Common:           s.common(),
		Encryption:       s.encryption(),
		DBUser:           s.getString("dbuser", ""),
		DBPass:           s.getString("dbpass", ""),
		SocketPath:       s.getString("socketPath", defaultSocketPath),
		DatabaseDir:      s.getString("databaseDir", defaultDatabaseDir),
		BaseDir:          s.getString("baseDir", ""),
		SecondaryBaseDir: s.getString("secondaryBaseDir", ""),
		OffsiteBaseDir:   s.getString("offsiteBaseDir", ""),
		BackupTool:       s.getString("backupTool", defaultBackupTool),
		SpaceMultiplier:  multiplier,
	}, nil
}

// PreparedDir is the parent of all timestamped backup directories.
func (c *BackupConfig) PreparedDir() string { return filepath.Join(c.BaseDir, "prepared") }

// LatestFull is the pointer to the most recent prepared full backup.
func (c *BackupConfig) LatestFull() string { return filepath.Join(c.BaseDir, "latest_full") }

// LatestInc is the pointer to the most recent prepared incremental backup.
func (c *BackupConfig) LatestInc() string { return filepath.Join(c.BaseDir, "latest_inc") }

// FullStatusFile is the status file of the full track.
func (c *BackupConfig) FullStatusFile() string {
	return filepath.Join(c.LogDir, "status-full-backup")
}

// IncStatusFile is the status file of the incremental track.
func (c *BackupConfig) IncStatusFile() string {
	return filepath.Join(c.LogDir, "status-inc-backup")
}

// ArchiverConfig is the projection used by the archiver command.
type ArchiverConfig struct {
	Common
	Encryption

	IncomingBaseDir string
	ArchiveBaseDir  string
	OffsiteBaseDir  string // optional
	RsyncBwLimit    int
	ScanExclude     []string
}

// Archiver validates the archiver command's mandatory keys and returns its config.
func (s *Settings) Archiver() (*ArchiverConfig, error) {
	if err := s.Validate(ArchiverMandatory); err != nil {
		return nil, err
	}
	bwLimit, err := s.getInt("rsyncBwLimit", defaultRsyncBwLimit)
	if err != nil {
		return nil, err
	}
	return &ArchiverConfig{
		Common:          s.common(),
		Encryption:      s.encryption(),
		IncomingBaseDir: s.getString("incomingBaseDir", ""),
		ArchiveBaseDir:  s.getString("archiveBaseDir", ""),
		OffsiteBaseDir:  s.getString("offsiteBaseDir", ""),
		RsyncBwLimit:    bwLimit,
		ScanExclude:     s.getStringSlice("scanExclude"),
	}, nil
}

// WatchdogConfig is the projection used by the watchdog command.
type WatchdogConfig struct {
	Common

	SecondaryBaseDir string
	StorageBaseDir   string
	ScanExclude      []string
}

// Watchdog validates the watchdog command's mandatory keys and returns its config.
func (s *Settings) Watchdog() (*WatchdogConfig, error) {
	if err := s.Validate(WatchdogMandatory); err != nil {
		return nil, err
	}
	return &WatchdogConfig{
		Common:           s.common(),
		SecondaryBaseDir: s.getString("secondaryBaseDir", ""),
		StorageBaseDir:   s.getString("storageBaseDir", ""),
		ScanExclude:      s.getStringSlice("scanExclude"),
	}, nil
}

// splitRecipients splits on ',' and ';' only: ssh keys contain spaces.
func splitRecipients(value string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' }) {
		if part = utils.TrimQuotes(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSettingsFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open settings file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if utils.IsComment(line) {
			continue
		}

		key, value, ok := utils.SplitKeyValue(line)
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected key = value", path, lineNo)
		}
		raw[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading settings file: %w", err)
	}
	return raw, nil
}
