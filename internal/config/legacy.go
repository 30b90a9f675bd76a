package config

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/polarfoxDev/cpsnap/internal/helpers"
)

// Legacy format: one option per line, fields separated by tabs, "#" starts a
// comment. Empty fields are ignored, so alignment with several tabs is fine.
//
//	source	/home/alice
//	backup	/srv/backup
//	ssh	backup@nas:2222
//	ssh_certs	~/.ssh/id_ed25519
//	retain	daily	7	h	date
//	exclude	*.tmp
const (
	legacyComment   = "#"
	legacyDelimiter = "\t"
)

func parseLegacy(data string) (*Config, error) {
	cfg := &Config{Retain: make(map[string]RetainConfig)}
	var ssh SSHConfig

	sc := bufio.NewScanner(strings.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw, _, _ := strings.Cut(sc.Text(), legacyComment)
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var fields []string
		for _, f := range strings.Split(raw, legacyDelimiter) {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}

		arg := func() (string, error) {
			if len(fields) < 2 {
				return "", fmt.Errorf("line %d: option %q needs a value", lineNo, fields[0])
			}
			return fields[1], nil
		}

		switch fields[0] {
		case "source", "backup", "ssh", "ssh_certs", "exclude", "group", "history":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			switch fields[0] {
			case "source":
				cfg.Sources = append(cfg.Sources, v)
			case "backup":
				cfg.Backup = v
			case "ssh":
				ssh.Target = v
			case "ssh_certs":
				ssh.KeyFile = v
			case "exclude":
				cfg.Exclude = append(cfg.Exclude, v)
			case "group":
				cfg.Group = v
			case "history":
				cfg.HistoryDB = v
			}
		case "retain":
			if len(fields) != 5 {
				return nil, fmt.Errorf("line %d: retain needs name, num, mode and naming function", lineNo)
			}
			n, err := helpers.ParseCapacity(fields[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: retain %q: %w", lineNo, fields[1], err)
			}
			cfg.Retain[fields[1]] = RetainConfig{Num: n, Mode: fields[3], Naming: fields[4]}
		default:
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("line %d: unknown configuration option %q", lineNo, fields[0]))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if ssh.Target != "" {
		cfg.SSH = &ssh
	} else if ssh.KeyFile != "" {
		cfg.Warnings = append(cfg.Warnings, "ssh_certs is ignored without ssh")
	}
	return cfg, nil
}
