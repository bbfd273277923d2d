/*
Copyright 2024 QKD Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kmd

import (
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qkdlab/kmed"
	"github.com/qkdlab/kmed/lib/httplib"
)

// APIServerConfig configures the HTTP API.
type APIServerConfig struct {
	// Service implements the key delivery operations.
	Service *Service
	// ReadyCheck reports whether the server can serve keys; nil means
	// always ready.
	ReadyCheck func(r *http.Request) error
}

// CheckAndSetDefaults checks and sets default values.
func (c *APIServerConfig) CheckAndSetDefaults() error {
	if c.Service == nil {
		return trace.BadParameter("missing parameter Service")
	}
	return nil
}

// APIServer binds the ETSI GS QKD 014 routes to the service. The URL SAE
// segment is the slave for status and enc_keys and the master for
// dec_keys; the handlers pick the right interpretation.
type APIServer struct {
	httprouter.Router
	cfg APIServerConfig
}

// NewAPIServer returns the HTTP API over the service.
func NewAPIServer(cfg APIServerConfig) (*APIServer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &APIServer{cfg: cfg}

	srv.GET("/api/"+kmed.APIVersion+"/keys/:sae_id/status", httplib.MakeHandler(srv.getStatus))
	srv.POST("/api/"+kmed.APIVersion+"/keys/:sae_id/enc_keys", httplib.MakeHandler(srv.postEncKeys))
	srv.GET("/api/"+kmed.APIVersion+"/keys/:sae_id/enc_keys", httplib.MakeHandler(srv.getEncKeys))
	srv.POST("/api/"+kmed.APIVersion+"/keys/:sae_id/dec_keys", httplib.MakeHandler(srv.postDecKeys))
	srv.GET("/api/"+kmed.APIVersion+"/keys/:sae_id/dec_keys", httplib.MakeHandler(srv.getDecKeys))

	srv.GET("/health/live", httplib.MakeHandler(srv.healthLive))
	srv.GET("/health/ready", httplib.MakeHandler(srv.healthReady))
	srv.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return srv, nil
}

func (s *APIServer) getStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	status, err := s.cfg.Service.GetStatus(r.Context(), p.ByName("sae_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

func (s *APIServer) postEncKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req KeyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	container, err := s.cfg.Service.GetKeys(r.Context(), p.ByName("sae_id"), &req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return container, nil
}

// getEncKeys is the query-parameter form of Get Key: number and size only,
// no extensions and no multicast.
func (s *APIServer) getEncKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req KeyRequest
	var err error
	if req.Number, err = intQueryParam(r, "number"); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Size, err = intQueryParam(r, "size"); err != nil {
		return nil, trace.Wrap(err)
	}
	container, err := s.cfg.Service.GetKeys(r.Context(), p.ByName("sae_id"), &req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return container, nil
}

func (s *APIServer) postDecKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req KeyIDs
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	container, err := s.cfg.Service.GetKeysWithIDs(r.Context(), p.ByName("sae_id"), &req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return container, nil
}

// getDecKeys is the query-parameter form of Get Key with Key IDs: a single
// key_ID parameter.
func (s *APIServer) getDecKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	keyID := r.URL.Query().Get("key_ID")
	if keyID == "" {
		return nil, trace.BadParameter("missing query parameter key_ID")
	}
	req := KeyIDs{KeyIDs: []KeyID{{KeyID: keyID}}}
	container, err := s.cfg.Service.GetKeysWithIDs(r.Context(), p.ByName("sae_id"), &req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return container, nil
}

func (s *APIServer) healthLive(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

func (s *APIServer) healthReady(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if s.cfg.ReadyCheck != nil {
		if err := s.cfg.ReadyCheck(r); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return map[string]string{"status": "ok"}, nil
}

func intQueryParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, trace.BadParameter("query parameter %v: %q is not an integer", name, raw)
	}
	return value, nil
}
