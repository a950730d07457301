package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"

	"flyrunner/internal/control"
	"flyrunner/internal/fly"
)

// flyAPI is an in-memory Machines and GraphQL API
type flyAPI struct {
	mu sync.Mutex

	failMachines bool
	volumes      int
	machines     int
	deleted      []string
	secrets      []fly.Secret
}

func (f *flyAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/graphql":
		var body struct {
			Variables struct {
				Secrets []fly.Secret `json:"secrets"`
			} `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.secrets = append(f.secrets, body.Variables.Secrets...)
		w.Write([]byte(`{"data":{"setSecrets":{"app":{"name":"app"}}}}`))

	case r.Method == http.MethodDelete:
		parts := strings.Split(r.URL.Path, "/")
		f.deleted = append(f.deleted, parts[len(parts)-1])
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/volumes"):
		var req fly.CreateVolumeRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.volumes++
		fmt.Fprintf(w, `{"id":"vol-%d","region":%q}`, f.volumes, req.Region)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/machines"):
		if f.failMachines {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"no capacity"}`))
			return
		}
		var req fly.CreateMachineRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.machines++
		fmt.Fprintf(w, `{"id":"m-%d","name":%q,"region":%q,"state":"created"}`, f.machines, req.Name, req.Region)

	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/wait"):
		w.Write([]byte(`{"ok":true}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *flyAPI) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deleted)
}

func (f *flyAPI) registeredSecrets() []fly.Secret {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.secrets)
}

func (f *flyAPI) machineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machines
}

func startFlyAPI(api *flyAPI) *httptest.Server {
	return httptest.NewServer(api)
}

// cli emulates flyctl and buildkite-agent
type cli struct {
	mu sync.Mutex

	apps      []string
	uploadErr error
	uploaded  []byte
	commands  []string
}

func (c *cli) Run(ctx context.Context, cmd control.Command) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd.String())

	switch {
	case cmd.Name == "flyctl" && slices.Equal(cmd.Args[:2], []string{"apps", "list"}):
		out, _ := json.Marshal(func() []map[string]string {
			list := []map[string]string{}
			for _, a := range c.apps {
				list = append(list, map[string]string{"Name": a})
			}
			return list
		}())
		return out, nil
	case cmd.Name == "flyctl" && slices.Equal(cmd.Args[:2], []string{"apps", "create"}):
		c.apps = append(c.apps, cmd.Args[2])
		return []byte(`{}`), nil
	case cmd.Name == "buildkite-agent":
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return nil, err
		}
		c.uploaded = data
		return nil, c.uploadErr
	}
	return nil, fmt.Errorf("unexpected command %s", cmd)
}

func (c *cli) upload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploaded
}
