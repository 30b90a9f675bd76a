package config

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polarfoxDev/cpsnap/internal/helpers"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

const defaultCommandTimeout = 30 * time.Second

// Config represents the complete configuration file
type Config struct {
	Sources        []string                `yaml:"sources"`
	Exclude        []string                `yaml:"exclude,omitempty"`
	Backup         string                  `yaml:"backup"`                   // backup root (remote path when ssh is set)
	SSH            *SSHConfig              `yaml:"ssh,omitempty"`            // Optional remote destination
	Retain         map[string]RetainConfig `yaml:"retain"`                   // retention policies by name
	Group          string                  `yaml:"group,omitempty"`          // group of created directories (default: current user)
	Elevate        []string                `yaml:"elevate,omitempty"`        // e.g. ["sudo", "-n"], local backend only
	CommandTimeout string                  `yaml:"commandTimeout,omitempty"` // per remote round trip (e.g., "30s")
	HistoryDB      string                  `yaml:"historyDB,omitempty"`      // sqlite file for run history and logs
	Lock           LockConfig              `yaml:"lock,omitempty"`
	Materialize    MaterializeConfig       `yaml:"materialize,omitempty"`

	// Warnings collects non-fatal problems found while loading
	Warnings []string `yaml:"-"`
}

// SSHConfig describes the remote end. Target is "[user@]host[:port]".
type SSHConfig struct {
	Target                string `yaml:"target"`
	KeyFile               string `yaml:"keyFile,omitempty"`
	Agent                 bool   `yaml:"agent,omitempty"`
	Password              bool   `yaml:"password,omitempty"`
	KnownHosts            string `yaml:"knownHosts,omitempty"`
	InsecureIgnoreHostKey bool   `yaml:"insecureIgnoreHostKey,omitempty"`
	Port                  int    `yaml:"port,omitempty"` // overrides the port in Target
}

// RetainConfig is one retention policy.
// Supports both object notation and shorthand string notation:
//
//	Object: {num: 7, mode: h, naming: date}
//	Shorthand: "7 h date"
type RetainConfig struct {
	Num    int    `yaml:"num"`
	Mode   string `yaml:"mode"`
	Naming string `yaml:"naming"`
}

// UnmarshalYAML implements custom YAML unmarshaling to support both object and shorthand string notation
func (rc *RetainConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		fields := strings.Fields(value.Value)
		if len(fields) != 3 {
			return fmt.Errorf("invalid retain shorthand %q: must be in format '<num> <mode> <naming>'", value.Value)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("invalid retain shorthand %q: num must be a number", value.Value)
		}
		*rc = RetainConfig{Num: n, Mode: fields[1], Naming: fields[2]}
		return nil
	}

	type rawRetainConfig RetainConfig
	var raw rawRetainConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*rc = RetainConfig(raw)
	return nil
}

type LockConfig struct {
	Mode     string `yaml:"mode,omitempty"`     // "wait" (default) or "fail"
	Interval string `yaml:"interval,omitempty"` // poll interval while waiting
	Timeout  string `yaml:"timeout,omitempty"`  // give up waiting after this long; empty waits forever
}

type MaterializeConfig struct {
	Engine string   `yaml:"engine,omitempty"` // copy, rsync or none
	Args   []string `yaml:"args,omitempty"`   // extra rsync arguments
}

// Load reads and parses the config file, expanding environment variables.
// Files ending in ".conf" are read in the tab-delimited legacy format.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewError(model.ErrConfigInvalid, model.PhaseConfig, path, fmt.Errorf("read config: %w", err))
	}

	var cfg *Config
	if filepath.Ext(path) == ".conf" {
		cfg, err = parseLegacy(string(data))
	} else {
		cfg = &Config{}
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, model.NewError(model.ErrConfigInvalid, model.PhaseConfig, path, fmt.Errorf("parse config: %w", err))
	}

	cfg.expand()
	return cfg, nil
}

// expand replaces environment variable references in every string field
func (c *Config) expand() {
	for i := range c.Sources {
		c.Sources[i] = expandEnv(c.Sources[i])
	}
	for i := range c.Exclude {
		c.Exclude[i] = expandEnv(c.Exclude[i])
	}
	c.Backup = expandEnv(c.Backup)
	c.Group = expandEnv(c.Group)
	c.HistoryDB = expandEnv(c.HistoryDB)
	c.CommandTimeout = expandEnv(c.CommandTimeout)
	for i := range c.Elevate {
		c.Elevate[i] = expandEnv(c.Elevate[i])
	}
	for i := range c.Materialize.Args {
		c.Materialize.Args[i] = expandEnv(c.Materialize.Args[i])
	}
	if c.SSH != nil {
		c.SSH.Target = expandEnv(c.SSH.Target)
		c.SSH.KeyFile = expandEnv(c.SSH.KeyFile)
		c.SSH.KnownHosts = expandEnv(c.SSH.KnownHosts)
	}
}

// expandEnv expands environment variable references in the format ${VAR} or $VAR
func expandEnv(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if match[1] == '{' {
			varName = match[2 : len(match)-1] // ${VAR}
		} else {
			varName = match[1:] // $VAR
		}
		return os.Getenv(varName)
	})
}

// Resolve validates the whole file, every policy included, and builds the
// configuration a run works from. Any violation is model.ErrConfigInvalid.
func (c *Config) Resolve() (*model.Configuration, error) {
	invalid := func(format string, args ...any) error {
		return model.NewError(model.ErrConfigInvalid, model.PhaseConfig, "", fmt.Errorf(format, args...))
	}

	var sources []string
	for _, s := range c.Sources {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, filepath.Clean(s))
		}
	}
	sources = helpers.Deduplicate(sources)
	if len(sources) == 0 {
		return nil, invalid("at least one source path needs to be set")
	}
	if strings.TrimSpace(c.Backup) == "" {
		return nil, invalid("a backup path needs to be set")
	}
	if len(c.Retain) == 0 {
		return nil, invalid("at least one retain option needs to be set")
	}

	out := &model.Configuration{
		SourcePaths:     sources,
		ExcludePatterns: append([]string{}, c.Exclude...),
		BackupRoot:      c.Backup,
		Policies:        make(map[string]model.RetentionPolicy, len(c.Retain)),
		Group:           c.Group,
		Elevate:         append([]string{}, c.Elevate...),
		HistoryDB:       c.HistoryDB,
		CommandTimeout:  defaultCommandTimeout,
	}

	for name, r := range c.Retain {
		if strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
			return nil, invalid("retain name %q must be a plain directory name", name)
		}
		p := model.RetentionPolicy{
			Name:     name,
			Capacity: r.Num,
			Mode:     model.IdentityMode(r.Mode),
			Naming:   model.NamingFunction(r.Naming),
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out.Policies[name] = p
	}

	if c.SSH != nil {
		t, err := parseTarget(c.SSH.Target)
		if err != nil {
			return nil, invalid("ssh: %v", err)
		}
		if c.SSH.Port != 0 {
			t.Port = c.SSH.Port
		}
		t.KeyFile = c.SSH.KeyFile
		t.UseAgent = c.SSH.Agent
		t.Password = c.SSH.Password
		t.KnownHostsFile = c.SSH.KnownHosts
		t.InsecureIgnoreHostKey = c.SSH.InsecureIgnoreHostKey
		if t.KeyFile == "" && !t.UseAgent && !t.Password {
			// agent authentication unless something else is configured
			t.UseAgent = true
		}
		out.Transport = &t
		if !strings.HasPrefix(c.Backup, "/") {
			return nil, invalid("remote backup path %q must be absolute", c.Backup)
		}
		if len(c.Elevate) > 0 {
			return nil, invalid("elevate only applies to local backups")
		}
	} else {
		abs, err := filepath.Abs(c.Backup)
		if err != nil {
			return nil, invalid("backup path %q: %v", c.Backup, err)
		}
		out.BackupRoot = abs
	}

	if out.Group == "" {
		if u, err := user.Current(); err == nil {
			out.Group = u.Username
		}
	}

	if c.CommandTimeout != "" {
		d, err := time.ParseDuration(c.CommandTimeout)
		if err != nil || d <= 0 {
			return nil, invalid("invalid commandTimeout %q", c.CommandTimeout)
		}
		out.CommandTimeout = d
	}

	lock, err := c.Lock.resolve()
	if err != nil {
		return nil, invalid("lock: %v", err)
	}
	out.Lock = lock

	mat, err := c.Materialize.resolve(out.Remote())
	if err != nil {
		return nil, invalid("materialize: %v", err)
	}
	out.Materialize = mat

	return out, nil
}

func (l LockConfig) resolve() (model.LockOptions, error) {
	opts := model.LockOptions{Mode: model.LockWait}
	switch l.Mode {
	case "", string(model.LockWait):
	case string(model.LockFail):
		opts.Mode = model.LockFail
	default:
		return opts, fmt.Errorf("invalid mode %q: must be 'wait' or 'fail'", l.Mode)
	}
	var err error
	if opts.Interval, err = parseOptionalDuration(l.Interval); err != nil {
		return opts, fmt.Errorf("interval: %w", err)
	}
	if opts.Timeout, err = parseOptionalDuration(l.Timeout); err != nil {
		return opts, fmt.Errorf("timeout: %w", err)
	}
	return opts, nil
}

func (m MaterializeConfig) resolve(remote bool) (model.MaterializeOptions, error) {
	opts := model.MaterializeOptions{Args: append([]string{}, m.Args...)}
	switch model.MaterializeEngine(m.Engine) {
	case "":
		opts.Engine = model.EngineCopy
		if remote {
			opts.Engine = model.EngineRsync
		}
	case model.EngineCopy:
		if remote {
			return opts, fmt.Errorf("the copy engine cannot write to a remote destination; use rsync")
		}
		opts.Engine = model.EngineCopy
	case model.EngineRsync, model.EngineNone:
		opts.Engine = model.MaterializeEngine(m.Engine)
	default:
		return opts, fmt.Errorf("unknown engine %q", m.Engine)
	}
	return opts, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// parseTarget reads "[user@]host[:port]"; IPv6 hosts need brackets
func parseTarget(s string) (model.TransportTarget, error) {
	var t model.TransportTarget
	s = strings.TrimSpace(s)
	if s == "" {
		return t, fmt.Errorf("target cannot be empty")
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		t.User, s = s[:at], s[at+1:]
	}
	host := s
	if strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1 {
		h, port, err := net.SplitHostPort(s)
		if err != nil {
			return t, fmt.Errorf("invalid target %q: %w", s, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return t, fmt.Errorf("invalid port %q", port)
		}
		host, t.Port = h, p
	}
	if host == "" {
		return t, fmt.Errorf("target host cannot be empty")
	}
	t.Host = host
	if t.User == "" {
		if u, err := user.Current(); err == nil {
			t.User = u.Username
		}
	}
	return t, nil
}
