// Package config is the thin "option parsing" collaborator named as out of
// scope in spec §1, plus a cobra/pflag-backed default that recognizes every
// key documented in spec §6.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ErrMissingMandatory is returned by Load when a mandatory key is absent.
var ErrMissingMandatory = errors.New("config: missing mandatory option")

// GlobFilter is one allow/deny glob pair for inventory filtering.
type GlobFilter struct {
	Allow []string
	Deny  []string
}

// LogDirective is one parsed `log[+tag]=<level>[+stack][+time]` entry.
type LogDirective struct {
	Tag   string
	Level string
	Stack bool
	Time  bool
}

// Config holds every recognized option from spec §6.
type Config struct {
	APIURL      string
	APIMailbox  string
	AccessKey   string
	Keystore    string

	HeapBufferSize           int
	FileSystemBufferSize     int
	FileSystemBufferLocation string
	NumConcurrentConnections int

	BackupJFRChunks     bool
	DelayShutdownMillis int

	InventoryEnvironment    GlobFilter
	InventorySystemProperty GlobFilter

	LogDirectives []LogDirective
}

// ShutdownDeadline returns DelayShutdownMillis as a time.Duration.
func (c Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.DelayShutdownMillis) * time.Millisecond
}

// Loader obtains a Config from whatever external source backs it (CLI flags,
// environment, a config file). Kept as an interface so the mandatory-option
// validation in Load is independent of how flags are actually sourced.
type Loader interface {
	Load(args []string) (Config, error)
}

// FlagLoader is the default Loader, backed by pflag. It reads AZ_CRS_ARGUMENTS
// (documented in spec §6 as carrying the same syntax as command-line
// arguments) only when no explicit args are given; the two sources are not
// merged.
type FlagLoader struct{}

// NewFlagLoader constructs the default pflag-backed Loader.
func NewFlagLoader() FlagLoader {
	return FlagLoader{}
}

// Load parses args (falling back to AZ_CRS_ARGUMENTS when args is empty) into
// a Config and validates mandatory keys.
func (FlagLoader) Load(args []string) (Config, error) {
	if len(args) == 0 {
		if raw := os.Getenv("AZ_CRS_ARGUMENTS"); raw != "" {
			args = strings.Fields(raw)
		}
	}

	fs := pflag.NewFlagSet("crsagent", pflag.ContinueOnError)

	apiURL := fs.String("api.url", "", "base URL of server")
	apiMailbox := fs.String("api.mailbox", "", "tenant identifier")
	accessKey := fs.String("accessKey", "", "x-api-key value")
	keystore := fs.String("keystore", "", "override trust store")
	heapBufferSize := fs.Int("heapBufferSize", 0, "heap buffer tuning")
	fsBufferSize := fs.Int("fileSystemBufferSize", 0, "filesystem buffer tuning")
	fsBufferLocation := fs.String("fileSystemBufferLocation", "", "filesystem buffer location")
	numConns := fs.Int("numConcurrentConnections", 1, "connection cap")
	backupJFR := fs.Bool("backupJfrChunks", false, "keep JFR data locally until uploaded")
	delayShutdown := fs.Int("delayShutdownInternal", 0, "shutdown deadline (ms)")

	var logDirectives []string
	fs.StringArrayVar(&logDirectives, "log", nil, "log[+tag]=<level>[+stack][+time]")

	var invEnvAllow, invEnvDeny, invSysAllow, invSysDeny []string
	fs.StringArrayVar(&invEnvAllow, "inventory.environment.allow", nil, "allow globs for environment inventory")
	fs.StringArrayVar(&invEnvDeny, "inventory.environment.deny", nil, "deny globs for environment inventory")
	fs.StringArrayVar(&invSysAllow, "inventory.system.properties.allow", nil, "allow globs for system.properties inventory")
	fs.StringArrayVar(&invSysDeny, "inventory.system.properties.deny", nil, "deny globs for system.properties inventory")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parsing arguments: %w", err)
	}

	cfg := Config{
		APIURL:                   *apiURL,
		APIMailbox:               *apiMailbox,
		AccessKey:                *accessKey,
		Keystore:                 *keystore,
		HeapBufferSize:           *heapBufferSize,
		FileSystemBufferSize:     *fsBufferSize,
		FileSystemBufferLocation: *fsBufferLocation,
		NumConcurrentConnections: *numConns,
		BackupJFRChunks:          *backupJFR,
		DelayShutdownMillis:      *delayShutdown,
		InventoryEnvironment:     GlobFilter{Allow: invEnvAllow, Deny: invEnvDeny},
		InventorySystemProperty:  GlobFilter{Allow: invSysAllow, Deny: invSysDeny},
	}

	for _, d := range logDirectives {
		ld, err := parseLogDirective(d)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg.LogDirectives = append(cfg.LogDirectives, ld)
	}

	if err := validateMandatory(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateMandatory(cfg Config) error {
	var missing []string
	if cfg.APIURL == "" {
		missing = append(missing, "api.url")
	}
	if cfg.APIMailbox == "" {
		missing = append(missing, "api.mailbox")
	}
	if cfg.DelayShutdownMillis == 0 {
		missing = append(missing, "delayShutdownInternal")
	}
	if len(cfg.InventoryEnvironment.Allow) == 0 && len(cfg.InventoryEnvironment.Deny) == 0 &&
		len(cfg.InventorySystemProperty.Allow) == 0 && len(cfg.InventorySystemProperty.Deny) == 0 {
		missing = append(missing, "inventory.{environment,system.properties}.{allow,deny}")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingMandatory, strings.Join(missing, ", "))
	}
	return nil
}

// parseLogDirective parses `log[+tag]=<level>[+stack][+time]`. The leading
// "log" has already been stripped by the flag name; what's parsed here is
// everything after it: an optional "+tag", "=level", and optional "+stack"/
// "+time" suffixes.
func parseLogDirective(raw string) (LogDirective, error) {
	key, level, ok := strings.Cut(raw, "=")
	if !ok {
		return LogDirective{}, fmt.Errorf("malformed log directive %q: missing '='", raw)
	}

	var ld LogDirective
	if tag, found := strings.CutPrefix(key, "+"); found {
		ld.Tag = tag
	}

	parts := strings.Split(level, "+")
	ld.Level = parts[0]
	for _, suffix := range parts[1:] {
		switch suffix {
		case "stack":
			ld.Stack = true
		case "time":
			ld.Time = true
		default:
			return LogDirective{}, fmt.Errorf("unknown log directive suffix %q in %q", suffix, raw)
		}
	}

	switch ld.Level {
	case "trace", "debug", "info", "warning", "error", "off":
	default:
		return LogDirective{}, fmt.Errorf("unknown log level %q in %q", ld.Level, raw)
	}

	return ld, nil
}
