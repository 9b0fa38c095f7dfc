package registry

import (
	"bytes"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/n9te9/federation-gateway-core/federation/graph"
)

// Registry is the schema registration collaborator: subgraphs POST their SDL
// here, and every registered gateway host is forwarded the registration so
// it can recompose its supergraph.
type Registry struct {
	gatewayHosts     atomic.Value
	addHostChan      chan string
	registratedGraph atomic.Value
	client           *http.Client
}

func NewRegistry() *Registry {
	gatewayHosts := atomic.Value{}
	gatewayHosts.Store(make(map[string]struct{}))

	registratedGraph := atomic.Value{}
	registratedGraph.Store(make([]*graph.SubGraphV2, 0))

	return &Registry{
		gatewayHosts:     gatewayHosts,
		addHostChan:      make(chan string),
		registratedGraph: registratedGraph,
		client:           &http.Client{},
	}
}

func (r *Registry) Start() {
	go func() {
		for host := range r.addHostChan {
			r.addGatewayHost(host)
		}
	}()
}

func (r *Registry) addGatewayHost(host string) {
	gatewayHosts := r.gatewayHosts.Load().(map[string]struct{})
	gatewayHosts[host] = struct{}{}
	r.gatewayHosts.Store(gatewayHosts)
}

type RegistrationGraph struct {
	Name string `json:"name"`
	Host string `json:"host"`
	SDL  string `json:"sdl"`
}

type RegistrationRequest struct {
	RegistrationGraphs []RegistrationGraph `json:"registration_graphs"`
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/schema/registration":
		r.RegisterGateway(w, req)
	}
}

func (r *Registry) RegisterGateway(w http.ResponseWriter, req *http.Request) {
	var body RegistrationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "Failed to decode request body", http.StatusBadRequest)
		return
	}

	registratedGraphs := r.registratedGraph.Load().([]*graph.SubGraphV2)
	for _, rg := range body.RegistrationGraphs {
		subGraph, err := graph.NewSubGraphV2(rg.Name, []byte(rg.SDL), rg.Host)
		if err != nil {
			http.Error(w, "Failed to create subgraph", http.StatusBadRequest)
			return
		}

		r.addHostChan <- rg.Host
		registratedGraphs = append(registratedGraphs, subGraph)
	}

	gatewayHosts := r.gatewayHosts.Load().(map[string]struct{})
	reqBody, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "Failed to marshal request body", http.StatusInternalServerError)
		return
	}

	for sgHost := range gatewayHosts {
		registerGatewayRequest, err := http.NewRequestWithContext(req.Context(), http.MethodPost, sgHost+"/schema/registration", bytes.NewReader(reqBody))
		if err != nil {
			slog.Error("failed to build gateway registration forward request", "host", sgHost, "error", err)
			continue
		}
		registerGatewayRequest.Header.Set("Content-Type", "application/json")

		go func(host string, fwdReq *http.Request) {
			if _, err := r.client.Do(fwdReq); err != nil {
				slog.Error("failed to forward schema registration to gateway", "host", host, "error", err)
			}
		}(sgHost, registerGatewayRequest)
	}

	r.registratedGraph.Store(registratedGraphs)
}
