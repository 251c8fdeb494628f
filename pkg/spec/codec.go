package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalid is wrapped by every error returned from Decode
var ErrInvalid = errors.New("invalid descriptor")

// Wire representation. Pointers mark fields that must be present; the
// conversion to Spec fails on the first missing one so a caller never sees a
// partially populated Spec.

type wireSpec struct {
	Image       *wireImage      `json:"image"`
	Cmd         *[]string       `json:"cmd"`
	Services    *[]wireService  `json:"services"`
	Envs        *[]wireEnv      `json:"envs"`
	Discoveries []wireDiscovery `json:"discoveries,omitempty"`
	Volumes     []wireVolume    `json:"volumes,omitempty"`
	Name        *string         `json:"name,omitempty"`
	Host        *string         `json:"host,omitempty"`
	User        *string         `json:"user,omitempty"`
	Privileged  bool            `json:"privileged,omitempty"`
	NetworkMode *string         `json:"network_mode,omitempty"`
	Stop        *wireStop       `json:"stop,omitempty"`
	KillTimeout *uint16         `json:"kill_timeout,omitempty"`
	Log         *wireLog        `json:"log,omitempty"`
}

type wireImage struct {
	Name *string `json:"name"`
	Tag  *string `json:"tag"`
}

type wireService struct {
	Name     *string    `json:"name"`
	Port     *uint16    `json:"port"`
	Tags     *[]string  `json:"tags"`
	Check    *wireCheck `json:"check"`
	UDP      *bool      `json:"udp"`
	HostPort *uint16    `json:"host_port,omitempty"`
}

type wireCheck struct {
	Method   *wireMethod `json:"method"`
	Interval *uint16     `json:"interval"`
	Timeout  *uint16     `json:"timeout"`
}

type wireEnv struct {
	Name  *string `json:"name"`
	Value *string `json:"value"`
}

type wireDiscovery struct {
	Service  *string `json:"service"`
	Env      *string `json:"env"`
	Multiple bool    `json:"multiple,omitempty"`
	Tag      *string `json:"tag,omitempty"`
}

type wireVolume struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

type wireLog struct {
	Type   *string       `json:"type"`
	Config wireLogConfig `json:"config,omitempty"`
}

// wireLogConfig accepts any scalar option value. Engines take log driver
// options as strings, so numbers and booleans keep their JSON text and
// nulls are dropped.
type wireLogConfig map[string]string

func (w *wireLogConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: log.config must be an object: %v", ErrInvalid, err)
	}
	if raw == nil {
		*w = nil
		return nil
	}

	config := make(wireLogConfig, len(raw))
	for key, value := range raw {
		value = bytes.TrimSpace(value)
		switch {
		case len(value) == 0 || bytes.Equal(value, []byte("null")):
		case value[0] == '"':
			var str string
			if err := json.Unmarshal(value, &str); err != nil {
				return fmt.Errorf("%w: log.config.%s: %v", ErrInvalid, key, err)
			}
			config[key] = str
		case value[0] == '{' || value[0] == '[':
			return fmt.Errorf("%w: log.config.%s must be a scalar", ErrInvalid, key)
		default:
			config[key] = string(value)
		}
	}
	*w = config
	return nil
}

// wireStop encodes as ["Before"] or ["AfterTimeout", seconds]
type wireStop StopPolicy

func (w wireStop) MarshalJSON() ([]byte, error) {
	switch w.Kind {
	case StopBefore:
		return json.Marshal([]any{string(StopBefore)})
	case StopAfterTimeout:
		return json.Marshal([]any{string(StopAfterTimeout), seconds(w.Timeout)})
	default:
		return nil, fmt.Errorf("%w: unknown stop policy %q", ErrInvalid, w.Kind)
	}
}

func (w *wireStop) UnmarshalJSON(data []byte) error {
	tag, args, err := splitTagged(data, "stop")
	if err != nil {
		return err
	}
	switch StopKind(tag) {
	case StopBefore:
		if len(args) != 0 {
			return fmt.Errorf("%w: stop Before takes no argument", ErrInvalid)
		}
		*w = wireStop(Before())
	case StopAfterTimeout:
		if len(args) != 1 {
			return fmt.Errorf("%w: stop AfterTimeout takes exactly one argument", ErrInvalid)
		}
		var secs uint16
		if err := json.Unmarshal(args[0], &secs); err != nil {
			return fmt.Errorf("%w: stop AfterTimeout: %v", ErrInvalid, err)
		}
		*w = wireStop(AfterTimeout(time.Duration(secs) * time.Second))
	default:
		return fmt.Errorf("%w: unknown stop tag %q", ErrInvalid, tag)
	}
	return nil
}

// wireMethod encodes as ["Script", cmd], ["Http", url] or ["HttpPath", path]
type wireMethod CheckMethod

func (w wireMethod) MarshalJSON() ([]byte, error) {
	switch w.Kind {
	case CheckScript, CheckHTTP, CheckHTTPPath:
		return json.Marshal([]string{string(w.Kind), w.Arg})
	default:
		return nil, fmt.Errorf("%w: unknown check method %q", ErrInvalid, w.Kind)
	}
}

func (w *wireMethod) UnmarshalJSON(data []byte) error {
	tag, args, err := splitTagged(data, "check method")
	if err != nil {
		return err
	}
	switch CheckKind(tag) {
	case CheckScript, CheckHTTP, CheckHTTPPath:
	default:
		return fmt.Errorf("%w: unknown check method %q", ErrInvalid, tag)
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: check method %s takes exactly one argument", ErrInvalid, tag)
	}
	var arg string
	if err := json.Unmarshal(args[0], &arg); err != nil {
		return fmt.Errorf("%w: check method %s: %v", ErrInvalid, tag, err)
	}
	*w = wireMethod{Kind: CheckKind(tag), Arg: arg}
	return nil
}

func splitTagged(data []byte, what string) (string, []json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("%w: %s must be a tagged array: %v", ErrInvalid, what, err)
	}
	if len(raw) == 0 {
		return "", nil, fmt.Errorf("%w: %s is an empty array", ErrInvalid, what)
	}
	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return "", nil, fmt.Errorf("%w: %s tag must be a string", ErrInvalid, what)
	}
	return tag, raw[1:], nil
}

// Decode parses and validates a descriptor payload
func Decode(data []byte) (Spec, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Spec{}, fmt.Errorf("%w: empty payload", ErrInvalid)
	}

	var w wireSpec
	if err := json.Unmarshal(data, &w); err != nil {
		if errors.Is(err, ErrInvalid) {
			return Spec{}, err
		}
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s, err := w.toSpec()
	if err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Encode renders a spec in the descriptor wire format
func Encode(s Spec) ([]byte, error) {
	return json.Marshal(fromSpec(s))
}

func missing(field string) error {
	return fmt.Errorf("%w: missing field %q", ErrInvalid, field)
}

func (w *wireSpec) toSpec() (Spec, error) {
	var s Spec

	if w.Image == nil {
		return Spec{}, missing("image")
	}
	if w.Image.Name == nil {
		return Spec{}, missing("image.name")
	}
	if w.Image.Tag == nil {
		return Spec{}, missing("image.tag")
	}
	if *w.Image.Name == "" {
		return Spec{}, fmt.Errorf("%w: image.name is empty", ErrInvalid)
	}
	s.Image = Image{Name: *w.Image.Name, Tag: *w.Image.Tag}

	if w.Cmd == nil {
		return Spec{}, missing("cmd")
	}
	s.Cmd = nonEmpty(*w.Cmd)

	if w.Services == nil {
		return Spec{}, missing("services")
	}
	for i, ws := range *w.Services {
		svc, err := ws.toService(fmt.Sprintf("services[%d]", i))
		if err != nil {
			return Spec{}, err
		}
		s.Services = append(s.Services, svc)
	}

	if w.Envs == nil {
		return Spec{}, missing("envs")
	}
	for i, we := range *w.Envs {
		if we.Name == nil {
			return Spec{}, missing(fmt.Sprintf("envs[%d].name", i))
		}
		if we.Value == nil {
			return Spec{}, missing(fmt.Sprintf("envs[%d].value", i))
		}
		s.Envs = append(s.Envs, EnvVar{Name: *we.Name, Value: *we.Value})
	}

	for i, wd := range w.Discoveries {
		path := fmt.Sprintf("discoveries[%d]", i)
		if wd.Service == nil {
			return Spec{}, missing(path + ".service")
		}
		if wd.Env == nil {
			return Spec{}, missing(path + ".env")
		}
		s.Discoveries = append(s.Discoveries, Discovery{
			Service:  *wd.Service,
			Env:      *wd.Env,
			Multiple: wd.Multiple,
			Tag:      deref(wd.Tag),
		})
	}

	for i, wv := range w.Volumes {
		path := fmt.Sprintf("volumes[%d]", i)
		if wv.From == nil {
			return Spec{}, missing(path + ".from")
		}
		if wv.To == nil {
			return Spec{}, missing(path + ".to")
		}
		s.Volumes = append(s.Volumes, Volume{From: *wv.From, To: *wv.To})
	}

	s.Name = deref(w.Name)
	s.Host = deref(w.Host)
	s.User = deref(w.User)
	s.NetworkMode = deref(w.NetworkMode)
	s.Privileged = w.Privileged

	s.Stop = DefaultStop()
	if w.Stop != nil {
		s.Stop = StopPolicy(*w.Stop)
	}
	if w.KillTimeout != nil {
		s.KillTimeout = time.Duration(*w.KillTimeout) * time.Second
	}

	if w.Log != nil {
		if w.Log.Type == nil {
			return Spec{}, missing("log.type")
		}
		s.Log = &Log{Type: *w.Log.Type}
		if len(w.Log.Config) > 0 {
			s.Log.Config = map[string]string(w.Log.Config)
		}
	}

	return s, nil
}

func (ws wireService) toService(path string) (Service, error) {
	switch {
	case ws.Name == nil:
		return Service{}, missing(path + ".name")
	case ws.Port == nil:
		return Service{}, missing(path + ".port")
	case ws.Tags == nil:
		return Service{}, missing(path + ".tags")
	case ws.Check == nil:
		return Service{}, missing(path + ".check")
	case ws.UDP == nil:
		return Service{}, missing(path + ".udp")
	}
	if *ws.Port == 0 {
		return Service{}, fmt.Errorf("%w: %s.port must be non-zero", ErrInvalid, path)
	}

	check, err := ws.Check.toCheck(path + ".check")
	if err != nil {
		return Service{}, err
	}

	svc := Service{
		Name:  *ws.Name,
		Port:  *ws.Port,
		Tags:  tagSet(*ws.Tags),
		Check: check,
		UDP:   *ws.UDP,
	}
	if ws.HostPort != nil {
		if *ws.HostPort == 0 {
			return Service{}, fmt.Errorf("%w: %s.host_port must be non-zero", ErrInvalid, path)
		}
		svc.HostPort = *ws.HostPort
	}
	return svc, nil
}

func (wc wireCheck) toCheck(path string) (Check, error) {
	switch {
	case wc.Method == nil:
		return Check{}, missing(path + ".method")
	case wc.Interval == nil:
		return Check{}, missing(path + ".interval")
	case wc.Timeout == nil:
		return Check{}, missing(path + ".timeout")
	}
	if *wc.Interval == 0 || *wc.Timeout == 0 {
		return Check{}, fmt.Errorf("%w: %s interval and timeout must be non-zero", ErrInvalid, path)
	}
	return Check{
		Method:   CheckMethod(*wc.Method),
		Interval: time.Duration(*wc.Interval) * time.Second,
		Timeout:  time.Duration(*wc.Timeout) * time.Second,
	}, nil
}

func fromSpec(s Spec) wireSpec {
	cmd := s.Cmd
	if cmd == nil {
		cmd = []string{}
	}
	services := make([]wireService, 0, len(s.Services))
	for _, svc := range s.Services {
		tags := svc.Tags
		if tags == nil {
			tags = []string{}
		}
		method := wireMethod(svc.Check.Method)
		ws := wireService{
			Name: ptr(svc.Name),
			Port: ptr(svc.Port),
			Tags: &tags,
			Check: &wireCheck{
				Method:   &method,
				Interval: ptr(seconds(svc.Check.Interval)),
				Timeout:  ptr(seconds(svc.Check.Timeout)),
			},
			UDP: ptr(svc.UDP),
		}
		if svc.HostPort != 0 {
			ws.HostPort = ptr(svc.HostPort)
		}
		services = append(services, ws)
	}
	envs := make([]wireEnv, 0, len(s.Envs))
	for _, e := range s.Envs {
		envs = append(envs, wireEnv{Name: ptr(e.Name), Value: ptr(e.Value)})
	}

	w := wireSpec{
		Image:      &wireImage{Name: ptr(s.Image.Name), Tag: ptr(s.Image.Tag)},
		Cmd:        &cmd,
		Services:   &services,
		Envs:       &envs,
		Name:       optional(s.Name),
		Host:       optional(s.Host),
		User:       optional(s.User),
		Privileged: s.Privileged,
	}
	w.NetworkMode = optional(s.NetworkMode)
	for _, d := range s.Discoveries {
		w.Discoveries = append(w.Discoveries, wireDiscovery{
			Service:  ptr(d.Service),
			Env:      ptr(d.Env),
			Multiple: d.Multiple,
			Tag:      optional(d.Tag),
		})
	}
	for _, v := range s.Volumes {
		w.Volumes = append(w.Volumes, wireVolume{From: ptr(v.From), To: ptr(v.To)})
	}
	if s.Stop.Kind != "" {
		stop := wireStop(s.Stop)
		w.Stop = &stop
	}
	if s.KillTimeout > 0 {
		w.KillTimeout = ptr(seconds(s.KillTimeout))
	}
	if s.Log != nil {
		w.Log = &wireLog{Type: ptr(s.Log.Type), Config: wireLogConfig(s.Log.Config)}
	}
	return w
}

func tagSet(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func nonEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func seconds(d time.Duration) uint16 {
	return uint16(d / time.Second)
}

func ptr[T any](v T) *T {
	return &v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
