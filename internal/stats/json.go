/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Start runs the monitoring HTTP server: Prometheus scrape endpoint at
// /metrics, plus the legacy point-in-time JSON snapshot at / for
// collaborators that predate Prometheus, mirroring ptp4u/stats's
// JSONStats.Start/handleRequest.
func (c *Collector) Start(monitoringPort int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", c.handleRequest)

	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("starting stats http server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("stats http server stopped: %v", err)
	}
}

func (c *Collector) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(c.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("failed to reply to stats request: %v", err)
	}
}
