package suggest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zhubert/pfman/logger"
)

// maxIncludeDepth matches the recursion limit of OpenSSH's readconf.c.
const maxIncludeDepth = 16

// Host is a concrete Host entry of an ssh client configuration.
type Host struct {
	Name     string // the alias as written after "Host"
	HostName string
	User     string
	Port     int
}

// DisplayName renders the host for a completion list, e.g.
// "deploy@10.0.0.5 (bastion)".
func (h Host) DisplayName() string {
	switch {
	case h.User != "" && h.HostName != "":
		return fmt.Sprintf("%s@%s (%s)", h.User, h.HostName, h.Name)
	case h.User != "":
		return h.User + "@" + h.Name
	case h.HostName != "":
		return fmt.Sprintf("%s (%s)", h.HostName, h.Name)
	default:
		return h.Name
	}
}

// HostProvider lists ssh hosts the user has configured.
type HostProvider interface {
	Hosts(ctx context.Context) ([]Host, error)
}

// SSHConfig reads hosts from an OpenSSH client configuration file.
type SSHConfig struct {
	// Path is the top-level file, ~/.ssh/config when empty.
	Path string
}

// NewSSHConfig returns a provider for path, or for the user's default
// configuration when path is empty.
func NewSSHConfig(path string) *SSHConfig {
	return &SSHConfig{Path: path}
}

// Hosts parses the configuration and every file it includes. Patterns
// containing wildcards or negations are skipped; a missing file yields no
// hosts.
func (c *SSHConfig) Hosts(ctx context.Context) ([]Host, error) {
	path := c.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "config")
	}

	p := &sshParser{
		ctx:     ctx,
		baseDir: filepath.Dir(path),
		seen:    make(map[string]bool),
		index:   make(map[string]int),
	}
	if err := p.parseFile(path, 0); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return p.hosts, nil
}

type sshParser struct {
	ctx     context.Context
	baseDir string
	seen    map[string]bool
	hosts   []Host
	index   map[string]int // alias -> position in hosts
	current []int          // hosts the active Host block applies to
}

func (p *sshParser) parseFile(path string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("ssh config include nested too deeply at %s", path)
	}
	if p.seen[path] {
		return nil
	}
	p.seen[path] = true

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		key, value := splitDirective(scanner.Text())
		if key == "" {
			continue
		}
		switch key {
		case "host":
			p.startBlock(value)
		case "match":
			// Match blocks are conditional; nothing after them applies to a
			// Host alias.
			p.current = nil
		case "include":
			p.include(value, depth)
		case "hostname", "user", "port":
			p.set(key, firstField(value))
		}
	}
	return scanner.Err()
}

// include expands each pattern of an Include directive. Relative paths are
// resolved against the directory of the top-level file, like ssh does for
// ~/.ssh. Unreadable includes are skipped.
func (p *sshParser) include(value string, depth int) {
	// An Include inside a Host block is scoped to it in ssh; the included
	// file starts its own blocks here, which is all completion needs.
	saved := p.current
	for _, pattern := range strings.Fields(value) {
		if strings.HasPrefix(pattern, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				pattern = filepath.Join(home, pattern[2:])
			}
		} else if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(p.baseDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, match := range matches {
			if err := p.parseFile(match, depth+1); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.WithComponent("suggest").Debug("skipping ssh config include", "path", match, "error", err)
			}
		}
	}
	p.current = saved
}

func (p *sshParser) startBlock(value string) {
	p.current = nil
	for _, alias := range strings.Fields(value) {
		if strings.ContainsAny(alias, "*?!") {
			continue
		}
		i, ok := p.index[alias]
		if !ok {
			i = len(p.hosts)
			p.hosts = append(p.hosts, Host{Name: alias})
			p.index[alias] = i
		}
		p.current = append(p.current, i)
	}
}

// set applies a directive to the hosts of the active block. As in ssh, the
// first value obtained for a parameter wins.
func (p *sshParser) set(key, value string) {
	for _, i := range p.current {
		h := &p.hosts[i]
		switch key {
		case "hostname":
			if h.HostName == "" {
				h.HostName = value
			}
		case "user":
			if h.User == "" {
				h.User = value
			}
		case "port":
			if port, err := strconv.Atoi(value); err == nil && h.Port == 0 {
				h.Port = port
			}
		}
	}
}

// splitDirective returns the lower-cased keyword and its argument. ssh
// accepts both "Key value" and "Key=value".
func splitDirective(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", ""
	}
	i := strings.IndexAny(line, " \t=")
	if i < 0 {
		return strings.ToLower(line), ""
	}
	key := strings.ToLower(line[:i])
	value := strings.TrimLeft(line[i:], " \t")
	value = strings.TrimPrefix(value, "=")
	return key, strings.Trim(strings.TrimSpace(value), `"`)
}

func firstField(value string) string {
	if fields := strings.Fields(value); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// FilterHosts returns the hosts whose alias, host name or user contains
// query, ignoring case. An empty query matches everything.
func FilterHosts(hosts []Host, query string) []Host {
	if query == "" {
		return hosts
	}
	q := strings.ToLower(query)
	var out []Host
	for _, h := range hosts {
		if strings.Contains(strings.ToLower(h.Name), q) ||
			strings.Contains(strings.ToLower(h.HostName), q) ||
			strings.Contains(strings.ToLower(h.User), q) {
			out = append(out, h)
		}
	}
	return out
}
