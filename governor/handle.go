// Copyright 2022 The codesjoy Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package governor

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/codesjoy/bifrost/config"
)

// StatusFunc produces a JSON-serializable snapshot of one component.
type StatusFunc func() any

var (
	statusMu    sync.RWMutex
	statusFuncs = map[string]StatusFunc{}
)

// RegisterStatus publishes a component snapshot under /debug/status/{name};
// channels and servers register themselves on construction.
func RegisterStatus(name string, f StatusFunc) {
	statusMu.Lock()
	defer statusMu.Unlock()
	statusFuncs[name] = f
}

// DeregisterStatus removes a published snapshot.
func DeregisterStatus(name string) {
	statusMu.Lock()
	defer statusMu.Unlock()
	delete(statusFuncs, name)
}

func mountRoutes(r chi.Router) {
	r.Get("/debug/status", func(w http.ResponseWriter, req *http.Request) {
		statusMu.RLock()
		names := make([]string, 0, len(statusFuncs))
		for name := range statusFuncs {
			names = append(names, name)
		}
		statusMu.RUnlock()
		sort.Strings(names)
		respJSON(w, req, names)
	})
	r.Get("/debug/status/*", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "*")
		statusMu.RLock()
		f, ok := statusFuncs[name]
		statusMu.RUnlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		respJSON(w, req, f())
	})
	r.Get("/debug/config", func(w http.ResponseWriter, req *http.Request) {
		respJSON(w, req, config.Get("").Map())
	})
	r.Get("/debug/build", func(w http.ResponseWriter, req *http.Request) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			http.NotFound(w, req)
			return
		}
		respJSON(w, req, info)
	})
}

func respJSON(w http.ResponseWriter, r *http.Request, data any) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	if r.URL.Query().Get("pretty") == "true" {
		encoder.SetIndent("", "    ")
	}
	_ = encoder.Encode(data)
}
