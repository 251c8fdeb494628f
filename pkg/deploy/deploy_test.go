package deploy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/condo/pkg/consul"
	"github.com/cuemby/condo/pkg/dispatcher"
	"github.com/cuemby/condo/pkg/runtime"
	"github.com/cuemby/condo/pkg/spec"
)

type fakeRuntime struct {
	mu       sync.Mutex
	calls    []string
	created  []runtime.ContainerConfig
	running  bool
	pullErr  error
	startErr error
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) PullImage(ctx context.Context, name, tag string) (string, error) {
	f.record("pull:" + name + ":" + tag)
	if f.pullErr != nil {
		return "", f.pullErr
	}
	return "sha256:abc", nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, config runtime.ContainerConfig) (string, error) {
	f.record("create")
	f.mu.Lock()
	f.created = append(f.created, config)
	f.mu.Unlock()
	return "c1", nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.record("start:" + id)
	return f.startErr
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.record("stop:" + id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.record("remove:" + id)
	return nil
}

func (f *fakeRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeRuntime) Close() error { return nil }

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []*api.AgentServiceRegistration
	deregistered []string
	instances    map[string][]consul.Instance
	registerErr  error
}

func (f *fakeRegistry) RegisterService(ctx context.Context, svc *api.AgentServiceRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, svc)
	return nil
}

func (f *fakeRegistry) DeregisterService(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, id)
	return nil
}

func (f *fakeRegistry) HealthyInstances(ctx context.Context, service, tag string) ([]consul.Instance, error) {
	return f.instances[service+"/"+tag], nil
}

func newTestDeployer(t *testing.T, rt *fakeRuntime, reg *fakeRegistry) *Deployer {
	t.Helper()
	logger := zerolog.Nop()
	d, err := NewDeployer(Config{
		Runtime:       rt,
		Registry:      reg,
		AliveInterval: 20 * time.Millisecond,
		Logger:        &logger,
	})
	require.NoError(t, err)
	return d
}

func testSpec() spec.Spec {
	return spec.Spec{
		Image: spec.Image{Name: "registry.local/team/web", Tag: "1.2"},
		Cmd:   []string{"serve"},
		Services: []spec.Service{{
			Name:     "web",
			Port:     8080,
			HostPort: 18080,
			Tags:     []string{"v1"},
			Check: spec.Check{
				Method:   spec.HTTPPath("/health"),
				Interval: 10 * time.Second,
				Timeout:  2 * time.Second,
			},
		}},
		Envs:        []spec.EnvVar{{Name: "MODE", Value: "prod"}},
		Discoveries: []spec.Discovery{{Service: "db", Env: "DB_ADDR"}},
		Volumes:     []spec.Volume{{From: "/srv/data", To: "/data"}},
		Host:        "web-host",
		User:        "app",
		Stop:        spec.DefaultStop(),
	}
}

func TestNewDeployer_Requires(t *testing.T) {
	_, err := NewDeployer(Config{Registry: &fakeRegistry{}})
	assert.Error(t, err)

	_, err = NewDeployer(Config{Runtime: &fakeRuntime{}})
	assert.Error(t, err)
}

func TestDeployer_Start(t *testing.T) {
	rt := &fakeRuntime{}
	reg := &fakeRegistry{instances: map[string][]consul.Instance{
		"db/": {{Address: "10.0.0.5", Port: 5432}},
	}}
	d := newTestDeployer(t, rt, reg)

	handle, err := d.Start(context.Background(), dispatcher.Deploy{Spec: testSpec(), Generation: 3})
	require.NoError(t, err)

	h := handle.(*Handle)
	assert.Equal(t, "c1", h.ContainerID)
	assert.True(t, strings.HasPrefix(h.ContainerName, "web-3-"), h.ContainerName)
	assert.Equal(t, []string{"pull:registry.local/team/web:1.2", "create", "start:c1"}, rt.Calls())

	require.Len(t, rt.created, 1)
	config := rt.created[0]
	assert.Equal(t, h.ContainerName, config.Name)
	assert.Equal(t, "registry.local/team/web:1.2", config.Image)
	assert.Equal(t, []string{"MODE=prod", "DB_ADDR=10.0.0.5:5432"}, config.Env)
	assert.Equal(t, "web-host", config.Hostname)
	assert.Equal(t, "app", config.User)
	assert.Equal(t, []runtime.PortBinding{{ContainerPort: 8080, HostPort: 18080, Protocol: "tcp"}}, config.Ports)
	assert.Equal(t, []runtime.Mount{{Source: "/srv/data", Target: "/data"}}, config.Mounts)
	assert.Equal(t, "3", config.Labels[LabelGeneration])

	require.Len(t, reg.registered, 1)
	svc := reg.registered[0]
	assert.Equal(t, h.ContainerName+"-web", svc.ID)
	assert.Equal(t, "web", svc.Name)
	assert.Equal(t, 18080, svc.Port)
	assert.Equal(t, DefaultAdvertiseHost, svc.Address)
	require.NotNil(t, svc.Check)
	assert.Equal(t, "http://127.0.0.1:18080/health", svc.Check.HTTP)
	assert.Equal(t, "10s", svc.Check.Interval)
	assert.Equal(t, "2s", svc.Check.Timeout)
	assert.Equal(t, "3", svc.Meta[MetaGeneration])
	assert.Equal(t, []string{svc.ID}, h.ServiceIDs)
}

func TestDeployer_StartMultipleDiscovery(t *testing.T) {
	rt := &fakeRuntime{}
	reg := &fakeRegistry{instances: map[string][]consul.Instance{
		"cache/primary": {{Address: "10.0.0.1", Port: 6379}, {Address: "10.0.0.2", Port: 6379}},
	}}
	d := newTestDeployer(t, rt, reg)

	s := testSpec()
	s.Services = nil
	s.Discoveries = []spec.Discovery{{Service: "cache", Env: "CACHE", Multiple: true, Tag: "primary"}}

	_, err := d.Start(context.Background(), dispatcher.Deploy{Spec: s, Generation: 1})
	require.NoError(t, err)
	assert.Contains(t, rt.created[0].Env, "CACHE=10.0.0.1:6379,10.0.0.2:6379")
}

func TestDeployer_StartNoDiscoveryInstance(t *testing.T) {
	rt := &fakeRuntime{}
	d := newTestDeployer(t, rt, &fakeRegistry{})

	_, err := d.Start(context.Background(), dispatcher.Deploy{Spec: testSpec(), Generation: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no healthy instance of db")
	assert.Empty(t, rt.Calls())
}

func TestDeployer_StartPullError(t *testing.T) {
	rt := &fakeRuntime{pullErr: &runtime.PullError{Image: "web:1.2", Message: "manifest unknown"}}
	reg := &fakeRegistry{instances: map[string][]consul.Instance{"db/": {{Address: "db", Port: 1}}}}
	d := newTestDeployer(t, rt, reg)

	_, err := d.Start(context.Background(), dispatcher.Deploy{Spec: testSpec(), Generation: 1})
	var pullErr *runtime.PullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, []string{"pull:registry.local/team/web:1.2"}, rt.Calls())
}

func TestDeployer_StartCleansUp(t *testing.T) {
	t.Run("start error", func(t *testing.T) {
		rt := &fakeRuntime{startErr: errors.New("port in use")}
		reg := &fakeRegistry{instances: map[string][]consul.Instance{"db/": {{Address: "db", Port: 1}}}}
		d := newTestDeployer(t, rt, reg)

		_, err := d.Start(context.Background(), dispatcher.Deploy{Spec: testSpec(), Generation: 1})
		require.Error(t, err)
		assert.Equal(t, []string{"pull:registry.local/team/web:1.2", "create", "start:c1", "stop:c1", "remove:c1"}, rt.Calls())
		assert.Empty(t, reg.deregistered)
	})

	t.Run("register error", func(t *testing.T) {
		rt := &fakeRuntime{}
		reg := &fakeRegistry{
			instances:   map[string][]consul.Instance{"db/": {{Address: "db", Port: 1}}},
			registerErr: errors.New("agent unavailable"),
		}
		d := newTestDeployer(t, rt, reg)

		_, err := d.Start(context.Background(), dispatcher.Deploy{Spec: testSpec(), Generation: 1})
		require.Error(t, err)
		assert.Contains(t, rt.Calls(), "remove:c1")
	})
}

func TestDeployer_Registration(t *testing.T) {
	d := newTestDeployer(t, &fakeRuntime{}, &fakeRegistry{})
	h := &Handle{ContainerName: "web-1-abcdef12", Generation: 1}

	tests := []struct {
		name   string
		method spec.CheckMethod
		http   string
		args   []string
	}{
		{"script", spec.Script("curl -f localhost"), "", []string{"sh", "-c", "curl -f localhost"}},
		{"http", spec.HTTP("http://example.com/ok"), "http://example.com/ok", nil},
		{"http path", spec.HTTPPath("/ready"), "http://127.0.0.1:9000/ready", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := spec.Service{Name: "api", Port: 9000, Check: spec.Check{Method: tt.method, Interval: time.Second, Timeout: time.Second}}
			reg := d.registration(h, svc)
			assert.Equal(t, tt.http, reg.Check.HTTP)
			assert.Equal(t, tt.args, reg.Check.Args)
		})
	}
}

func TestDeployer_AwaitHealth(t *testing.T) {
	var ready sync.WaitGroup
	ready.Add(1)
	var once sync.Once
	hits := 0
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		once.Do(ready.Done)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	rt := &fakeRuntime{running: true}
	d := newTestDeployer(t, rt, &fakeRegistry{})

	s := testSpec()
	s.Services[0].HostPort = uint16(port)
	s.Services[0].Check.Interval = 20 * time.Millisecond
	s.Services[0].Check.Timeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	verdict := d.AwaitHealth(ctx, &Handle{ContainerID: "c1", Spec: s})
	assert.True(t, verdict.Stable, verdict.Reason)
	ready.Wait()
}

func TestDeployer_AwaitHealthContainerExited(t *testing.T) {
	rt := &fakeRuntime{running: false}
	d := newTestDeployer(t, rt, &fakeRegistry{})

	s := testSpec()
	s.Services[0].Check = spec.Check{Method: spec.Script("exit 1"), Interval: 20 * time.Millisecond, Timeout: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	verdict := d.AwaitHealth(ctx, &Handle{ContainerID: "c1", Spec: s})
	assert.False(t, verdict.Stable)
	assert.NotEmpty(t, verdict.Reason)
}

func TestDeployer_AwaitHealthScript(t *testing.T) {
	rt := &fakeRuntime{running: true}
	d := newTestDeployer(t, rt, &fakeRegistry{})

	s := testSpec()
	s.Services[0].Check = spec.Check{Method: spec.Script("true"), Interval: 20 * time.Millisecond, Timeout: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	verdict := d.AwaitHealth(ctx, &Handle{ContainerID: "c1", Spec: s})
	assert.True(t, verdict.Stable, verdict.Reason)
}

func TestDeployer_StopIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	reg := &fakeRegistry{}
	d := newTestDeployer(t, rt, reg)

	h := &Handle{ContainerID: "c1", ContainerName: "web-1-x", ServiceIDs: []string{"web-1-x-web"}}
	require.NoError(t, d.Stop(context.Background(), h, time.Second))
	require.NoError(t, d.Stop(context.Background(), h, time.Second))

	assert.Equal(t, []string{"stop:c1", "remove:c1"}, rt.Calls())
	assert.Equal(t, []string{"web-1-x-web"}, reg.deregistered)
}

func TestContainerName(t *testing.T) {
	s := spec.Spec{Image: spec.Image{Name: "registry.local:5000/team/web app", Tag: "1"}}
	name := ContainerName(s, 12)
	assert.True(t, strings.HasPrefix(name, "web-app-12-"), name)
	assert.Len(t, name, len("web-app-12-")+8)

	s.Name = "billing"
	assert.True(t, strings.HasPrefix(ContainerName(s, 1), "billing-1-"))
	assert.NotEqual(t, ContainerName(s, 1), ContainerName(s, 1))
}
