package store

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/pfman/session"
)

// legacySession is one entry of the original pfman document, a bare YAML
// sequence written before the versioned layout.
type legacySession struct {
	ID                string       `yaml:"id"`
	Name              string       `yaml:"name"`
	SessionType       session.Kind `yaml:"session_type"`
	Target            string       `yaml:"target"`
	LocalPort         int          `yaml:"local_port"`
	RemotePort        *int         `yaml:"remote_port"`
	Status            yaml.Node    `yaml:"status"`
	CreatedAt         time.Time    `yaml:"created_at"`
	AdditionalOptions []string     `yaml:"additional_options"`
	KubeContext       *string      `yaml:"kube_context"`
	KubeNamespace     *string      `yaml:"kube_namespace"`

	// Runtime fields of the old layout, dropped on conversion
	PID         yaml.Node `yaml:"pid"`
	LastStarted yaml.Node `yaml:"last_started"`

	Extra map[string]any `yaml:",inline"`
}

func (l legacySession) convert() session.Session {
	s := session.Session{
		ID:           l.ID,
		Name:         l.Name,
		Kind:         l.SessionType,
		LocalPort:    l.LocalPort,
		ExtraArgs:    l.AdditionalOptions,
		DesiredState: session.DesiredStopped,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.CreatedAt,
		Extra:        l.Extra,
	}
	if l.RemotePort != nil {
		s.RemotePort = *l.RemotePort
	}
	if l.KubeContext != nil {
		s.Context = *l.KubeContext
	}
	if l.KubeNamespace != nil {
		s.Namespace = *l.KubeNamespace
	}

	switch s.Kind {
	case session.KindKubectl:
		s.SetResource(l.Target)
	default:
		if user, host, ok := strings.Cut(l.Target, "@"); ok {
			s.User = user
			s.Host = host
		} else {
			s.Host = l.Target
		}
	}

	// The legacy status was "Running", "Stopped" or a tagged error. Only a
	// plain Running carries intent worth keeping.
	if l.Status.Kind == yaml.ScalarNode && l.Status.Value == "Running" {
		s.DesiredState = session.DesiredRunning
	}
	return s
}
