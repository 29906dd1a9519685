package session

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Kind selects the tunnel tool and the fields that are relevant.
type Kind string

const (
	KindSSH     Kind = "ssh"
	KindKubectl Kind = "kubectl"
	KindSOCKS5  Kind = "socks5"
)

// ParseKind accepts the canonical names plus the display spellings used by
// older pfman documents ("SSH", "Kubectl", "Socks5").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ssh":
		return KindSSH, nil
	case "kubectl", "k8s", "kube":
		return KindKubectl, nil
	case "socks5", "socks":
		return KindSOCKS5, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSession, s)
}

// Label returns the display name of the kind.
func (k Kind) Label() string {
	switch k {
	case KindSSH:
		return "SSH"
	case KindKubectl:
		return "kubectl"
	case KindSOCKS5:
		return "SOCKS5"
	}
	return string(k)
}

// UnmarshalYAML normalizes kind spellings. Unknown values are kept as-is so
// that Validate reports them instead of the whole document failing to load.
func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if parsed, err := ParseKind(raw); err == nil {
		*k = parsed
		return nil
	}
	*k = Kind(raw)
	return nil
}

// DesiredState is the user's last expressed intent for a session.
type DesiredState string

const (
	DesiredStopped DesiredState = "stopped"
	DesiredRunning DesiredState = "running"
)

// RetryPolicy controls automatic restarts after an unexpected exit.
// Attempts are counted inside a sliding Window; once MaxAttempts is reached
// the session stays crashed until the user acts.
type RetryPolicy struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Window      time.Duration `yaml:"window,omitempty"`
	Backoff     time.Duration `yaml:"backoff,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"`
}

// Delay returns the backoff before the given 1-indexed attempt, doubling
// from Backoff and capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Session is a user-defined tunnel configuration.
type Session struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// ssh and socks5
	Host         string `yaml:"host,omitempty"`
	User         string `yaml:"user,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`
	RemoteHost   string `yaml:"remote_host,omitempty"` // forward destination as seen from Host (default localhost)
	Reverse      bool   `yaml:"reverse,omitempty"`     // -R instead of -L

	// kubectl
	Context      string `yaml:"context,omitempty"`
	Namespace    string `yaml:"namespace,omitempty"`
	ResourceKind string `yaml:"resource_kind,omitempty"`
	ResourceName string `yaml:"resource_name,omitempty"`

	LocalPort   int      `yaml:"local_port"`
	RemotePort  int      `yaml:"remote_port,omitempty"`
	BindAddress string   `yaml:"bind_address,omitempty"`
	ExtraArgs   []string `yaml:"extra_args,omitempty"`

	Retry        RetryPolicy  `yaml:"retry,omitempty"`
	DesiredState DesiredState `yaml:"desired_state"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`

	// Extra holds document keys this version does not know about so they
	// survive a rewrite.
	Extra map[string]any `yaml:",inline"`
}

// New returns a stopped session with a fresh ID.
func New(name string, kind Kind) Session {
	now := time.Now().UTC()
	return Session{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(name),
		Kind:         kind,
		DesiredState: DesiredStopped,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// MaxNameLength bounds display names.
const MaxNameLength = 64

var validResourceKindRegex = regexp.MustCompile(`^[a-z][a-z0-9.-]*$`)

// Validate checks that the fields required by the session's kind are present
// and in range.
func (s *Session) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidSession, fmt.Sprintf(format, args...))
	}

	if s.ID == "" {
		return invalid("empty id")
	}
	if strings.TrimSpace(s.Name) == "" {
		return invalid("empty name")
	}
	if len(s.Name) > MaxNameLength {
		return invalid("name too long (max %d characters)", MaxNameLength)
	}
	if !validPort(s.LocalPort) {
		return invalid("local port %d out of range", s.LocalPort)
	}
	for _, arg := range s.ExtraArgs {
		if strings.TrimSpace(arg) == "" {
			return invalid("empty extra argument")
		}
	}

	switch s.Kind {
	case KindSSH:
		if s.Host == "" {
			return invalid("ssh session %q needs a host", s.Name)
		}
		if !validPort(s.RemotePort) {
			return invalid("remote port %d out of range", s.RemotePort)
		}
	case KindSOCKS5:
		if s.Host == "" {
			return invalid("socks5 session %q needs a host", s.Name)
		}
	case KindKubectl:
		if s.ResourceName == "" {
			return invalid("kubectl session %q needs a resource name", s.Name)
		}
		if s.ResourceKind != "" && !validResourceKindRegex.MatchString(s.ResourceKind) {
			return invalid("invalid resource kind %q", s.ResourceKind)
		}
		if !validPort(s.RemotePort) {
			return invalid("remote port %d out of range", s.RemotePort)
		}
	default:
		return invalid("unknown kind %q", s.Kind)
	}

	switch s.DesiredState {
	case DesiredStopped, DesiredRunning, "":
	default:
		return invalid("unknown desired state %q", s.DesiredState)
	}

	if s.Retry.Enabled && s.Retry.MaxAttempts < 0 {
		return invalid("retry max_attempts must not be negative")
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// SetResource parses "kind/name" (e.g. "svc/api") into ResourceKind and
// ResourceName. A bare name means a pod.
func (s *Session) SetResource(resource string) {
	if kind, name, ok := strings.Cut(resource, "/"); ok {
		s.ResourceKind = kind
		s.ResourceName = name
		return
	}
	s.ResourceKind = ""
	s.ResourceName = resource
}

// Resource returns the kubectl resource selector, e.g. "svc/api".
func (s *Session) Resource() string {
	if s.ResourceKind == "" {
		return s.ResourceName
	}
	return s.ResourceKind + "/" + s.ResourceName
}

// Target returns the host or resource the session points at, for display.
func (s *Session) Target() string {
	switch s.Kind {
	case KindKubectl:
		var parts []string
		if s.Context != "" {
			parts = append(parts, s.Context)
		}
		if s.Namespace != "" {
			parts = append(parts, s.Namespace)
		}
		parts = append(parts, s.Resource())
		return strings.Join(parts, "/")
	default:
		if s.User != "" {
			return s.User + "@" + s.Host
		}
		return s.Host
	}
}

// PortMapping renders the port pair for display ("8080 → 80", or the
// listening port alone for SOCKS5).
func (s *Session) PortMapping() string {
	switch {
	case s.Kind == KindSOCKS5:
		return fmt.Sprintf("%d", s.LocalPort)
	case s.Reverse:
		return fmt.Sprintf("%d ← %d", s.LocalPort, s.RemotePort)
	default:
		return fmt.Sprintf("%d → %d", s.LocalPort, s.RemotePort)
	}
}

// Clone returns a deep copy, so callers can hand sessions out without
// sharing slices or the Extra map.
func (s Session) Clone() Session {
	s.ExtraArgs = slices.Clone(s.ExtraArgs)
	s.Extra = maps.Clone(s.Extra)
	return s
}
