package spec

import (
	"fmt"
	"time"
)

// Image identifies the container image of a deployment
type Image struct {
	Name string
	Tag  string
}

// Reference returns the name:tag form of the image
func (i Image) Reference() string {
	return i.Name + ":" + i.Tag
}

// CheckKind is the tag of a health check method
type CheckKind string

const (
	// CheckScript runs a command and treats exit code 0 as healthy
	CheckScript CheckKind = "Script"
	// CheckHTTP requests an absolute URL
	CheckHTTP CheckKind = "Http"
	// CheckHTTPPath requests a path on the service's own address
	CheckHTTPPath CheckKind = "HttpPath"
)

// CheckMethod is the variant Script(cmd) | Http(url) | HttpPath(path)
type CheckMethod struct {
	Kind CheckKind
	// Arg holds the command, URL or path depending on Kind
	Arg string
}

// Script returns a Script check method
func Script(cmd string) CheckMethod { return CheckMethod{Kind: CheckScript, Arg: cmd} }

// HTTP returns an Http check method
func HTTP(url string) CheckMethod { return CheckMethod{Kind: CheckHTTP, Arg: url} }

// HTTPPath returns an HttpPath check method
func HTTPPath(path string) CheckMethod { return CheckMethod{Kind: CheckHTTPPath, Arg: path} }

func (m CheckMethod) String() string {
	return fmt.Sprintf("%s(%s)", m.Kind, m.Arg)
}

// Check describes how a service proves it is healthy
type Check struct {
	Method   CheckMethod
	Interval time.Duration
	Timeout  time.Duration
}

// Service is one port of the workload, registered for discovery
type Service struct {
	Name string
	Port uint16
	// Tags is a set: sorted and free of duplicates after Decode
	Tags  []string
	Check Check
	UDP   bool
	// HostPort is zero when the descriptor does not publish the port
	HostPort uint16
}

// PublishedPort returns the port reachable on the host
func (s Service) PublishedPort() uint16 {
	if s.HostPort != 0 {
		return s.HostPort
	}
	return s.Port
}

// Protocol returns "udp" or "tcp"
func (s Service) Protocol() string {
	if s.UDP {
		return "udp"
	}
	return "tcp"
}

// EnvVar is a single environment variable
type EnvVar struct {
	Name  string
	Value string
}

// Discovery asks for the address of another service to be injected into env
type Discovery struct {
	Service  string
	Env      string
	Multiple bool
	// Tag is empty when no tag filter applies
	Tag string
}

// Volume is a host bind mount
type Volume struct {
	From string
	To   string
}

// Log selects the engine log driver
type Log struct {
	Type   string
	Config map[string]string
}

// StopKind is the tag of a stop policy
type StopKind string

const (
	// StopBefore stops the running deployment before starting the candidate
	StopBefore StopKind = "Before"
	// StopAfterTimeout keeps the running deployment until the candidate is stable
	StopAfterTimeout StopKind = "AfterTimeout"
)

// StopPolicy is the variant Before | AfterTimeout(seconds)
type StopPolicy struct {
	Kind    StopKind
	Timeout time.Duration
}

// DefaultStopTimeout is the AfterTimeout value used when a descriptor has no stop field
const DefaultStopTimeout = 10 * time.Second

// Before returns the Before stop policy
func Before() StopPolicy { return StopPolicy{Kind: StopBefore} }

// AfterTimeout returns an AfterTimeout stop policy
func AfterTimeout(d time.Duration) StopPolicy {
	return StopPolicy{Kind: StopAfterTimeout, Timeout: d}
}

// DefaultStop returns AfterTimeout(10)
func DefaultStop() StopPolicy { return AfterTimeout(DefaultStopTimeout) }

func (p StopPolicy) String() string {
	if p.Kind == StopAfterTimeout {
		return fmt.Sprintf("AfterTimeout(%ds)", int(p.Timeout/time.Second))
	}
	return string(p.Kind)
}

// Spec is the desired state of one deployment. A Spec is treated as
// immutable once decoded: nothing in condo writes to a Spec it did not
// build, and Clone is used wherever an independent copy is needed.
type Spec struct {
	Image       Image
	Cmd         []string
	Services    []Service
	Envs        []EnvVar
	Discoveries []Discovery
	Volumes     []Volume

	Name        string
	Host        string
	User        string
	NetworkMode string
	Privileged  bool

	Stop StopPolicy
	// KillTimeout is zero when the descriptor omits kill_timeout
	KillTimeout time.Duration
	Log         *Log
}

// DisplayName returns the spec name, or the image name when unnamed
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Image.Name
}

// Clone returns a deep copy of the spec
func (s Spec) Clone() Spec {
	c := s
	c.Cmd = append([]string(nil), s.Cmd...)
	c.Envs = append([]EnvVar(nil), s.Envs...)
	c.Discoveries = append([]Discovery(nil), s.Discoveries...)
	c.Volumes = append([]Volume(nil), s.Volumes...)
	if s.Services != nil {
		c.Services = make([]Service, len(s.Services))
		for i, svc := range s.Services {
			svc.Tags = append([]string(nil), svc.Tags...)
			c.Services[i] = svc
		}
	}
	if s.Log != nil {
		l := Log{Type: s.Log.Type}
		if s.Log.Config != nil {
			l.Config = make(map[string]string, len(s.Log.Config))
			for k, v := range s.Log.Config {
				l.Config[k] = v
			}
		}
		c.Log = &l
	}
	return c
}
