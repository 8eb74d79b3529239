// Package config assembles the miner configuration from defaults, an
// optional ini file and command line flags, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/midnightmine/scavenger/authority"
	"github.com/midnightmine/scavenger/campaign"
	"github.com/midnightmine/scavenger/oracle"
	"github.com/midnightmine/scavenger/scheduler"
	"github.com/midnightmine/scavenger/solver"
)

const (
	defaultConfigFilename    = "scavenger.conf"
	defaultDataDirname       = "data"
	defaultLogDirname        = "logs"
	defaultLogFilename       = "scavenger.log"
	defaultAddressesFilename = "addresses.json"
	defaultSolvedCacheName   = "solved-challenges.json"
	defaultReceiptsFilename  = "receipts.json"
	defaultReceiptsDBDirname = "receipts.db"
)

// Receipt store backends.
const (
	ReceiptStoreFile    = "file"
	ReceiptStoreLevelDB = "leveldb"
)

var (
	defaultScavengerDir = scavengerDir()
	defaultConfigFile   = filepath.Join(defaultScavengerDir, defaultConfigFilename)
	defaultDataDir      = filepath.Join(defaultScavengerDir, defaultDataDirname)
	defaultLogDir       = filepath.Join(defaultScavengerDir, defaultLogDirname)
)

// Config defines the configuration options for the scavenger miner.
//
// See loadConfig for further details regarding the
// configuration loading+parsing process.
type Config struct {
	ScavengerDir  string `long:"scavengerdir" description:"The base directory that contains the miner's data, logs, configuration file, etc."`
	ConfigFile    string `short:"c" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"The directory to store miner data within"`
	LogDir        string `long:"logdir" description:"Directory to log output."`
	DebugLog      bool   `long:"debuglog" description:"Enable debug logs"`
	JSONLog       bool   `long:"jsonlog" description:"Whether to log in JSON format"`
	AddressesFile string `short:"a" long:"addresses" description:"Path of the JSON file listing wallet addresses to mine for"`
	ReceiptStore  string `long:"receipt-store" description:"Receipt store backend: file or leveldb"`
	LocalHasher   bool   `long:"local-hasher" description:"Hash in-process instead of spawning external hasher processes"`

	CPUProfile  string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile     string `long:"profile" description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`
	MetricsPort string `long:"metrics-port" description:"Expose Prometheus metrics on given port"`

	Oracle    *oracle.Config    `group:"Oracle"`
	Solver    *solver.Config    `group:"Solver"`
	Scheduler *scheduler.Config `group:"Scheduler"`
	Authority *authority.Config `group:"Authority"`
	Campaign  *campaign.Config  `group:"Campaign"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	oracleCfg := oracle.DefaultConfig()
	solverCfg := solver.DefaultConfig()
	schedulerCfg := scheduler.DefaultConfig()
	authorityCfg := authority.DefaultConfig()
	campaignCfg := campaign.DefaultConfig()
	return &Config{
		ScavengerDir:  defaultScavengerDir,
		ConfigFile:    defaultConfigFile,
		DataDir:       defaultDataDir,
		LogDir:        defaultLogDir,
		AddressesFile: filepath.Join(defaultScavengerDir, defaultAddressesFilename),
		ReceiptStore:  ReceiptStoreFile,
		Oracle:        &oracleCfg,
		Solver:        &solverCfg,
		Scheduler:     &schedulerCfg,
		Authority:     &authorityCfg,
		Campaign:      &campaignCfg,
	}
}

// LogFile returns the path of the rotated log file.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

// ReceiptsPath returns the location of the receipt store inside the
// data directory. For the file backend it is a JSON file, for leveldb a
// database directory.
func (cfg *Config) ReceiptsPath() string {
	if cfg.ReceiptStore == ReceiptStoreLevelDB {
		return filepath.Join(cfg.DataDir, defaultReceiptsDBDirname)
	}
	return filepath.Join(cfg.DataDir, defaultReceiptsFilename)
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads values from a conf file.
func ReadConfigFile(preCfg *Config) (*Config, error) {
	preCfg.ScavengerDir = cleanAndExpandPath(preCfg.ScavengerDir)
	preCfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
	if preCfg.ScavengerDir != defaultScavengerDir {
		if preCfg.ConfigFile == defaultConfigFile {
			preCfg.ConfigFile = filepath.Join(
				preCfg.ScavengerDir, defaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	cfg := preCfg
	if err := flags.IniParse(preCfg.ConfigFile, cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the Config
		// file doesn't exist which is OK.
		var iniError *flags.IniError
		if errors.As(err, &iniError) {
			return nil, err
		}
	}

	return cfg, nil
}

// SetupConfig initializes the filesystem layout and validates settings
// that the flag parser cannot.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided base directory is not the default, we'll modify
	// the path to all of the files and directories that will live
	// within it.
	if cfg.ScavengerDir != defaultScavengerDir {
		cfg.DataDir = filepath.Join(cfg.ScavengerDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(cfg.ScavengerDir, defaultLogDirname)
		if cfg.AddressesFile == filepath.Join(defaultScavengerDir, defaultAddressesFilename) {
			cfg.AddressesFile = filepath.Join(cfg.ScavengerDir, defaultAddressesFilename)
		}
	}

	// Create the base directory if it doesn't already exist.
	if err := os.MkdirAll(cfg.ScavengerDir, 0o700); err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var pathError *fs.PathError
		if errors.As(err, &pathError) && os.IsExist(err) {
			if link, lerr := os.Readlink(pathError.Path); lerr == nil {
				err = fmt.Errorf("is symlink %s -> %s mounted?", pathError.Path, link)
			}
		}
		return nil, fmt.Errorf("failed to create scavenger directory: %w", err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.AddressesFile = cleanAndExpandPath(cfg.AddressesFile)
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.ReceiptStore {
	case ReceiptStoreFile, ReceiptStoreLevelDB:
	default:
		return nil, fmt.Errorf("unknown receipt store backend %q", cfg.ReceiptStore)
	}

	if cfg.Campaign.SolvedCacheFile == campaign.DefaultConfig().SolvedCacheFile {
		cfg.Campaign.SolvedCacheFile = filepath.Join(cfg.DataDir, defaultSolvedCacheName)
	}

	return cfg, nil
}

// scavengerDir returns the default base directory, under the user's
// home directory.
func scavengerDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scavenger"
	}
	return filepath.Join(home, ".scavenger")
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
