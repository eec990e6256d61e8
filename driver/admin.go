package driver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cloudlet-rpc/transport"
)

type health struct {
	Status    string `json:"status"`
	Driver    string `json:"driver"`
	Protocol  string `json:"protocol"`
	Sessions  int    `json:"sessions"`
	Resources int    `json:"resources"`
}

// AdminRouter is the driver's HTTP surface:
//
//	/session    websocket sessions, when ws is not nil
//	/metrics    prometheus exposition of gatherer, when not nil
//	/healthz    liveness and session count
//	/resources  acquired resources
func (d *Driver) AdminRouter(ws *transport.WebSocketListener, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	if ws != nil {
		router.Handle(transport.SessionPath, ws)
	}
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", d.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/resources", d.handleResources).Methods(http.MethodGet)
	return router
}

func (d *Driver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{
		Status:    "ok",
		Driver:    d.cfg.Kind,
		Protocol:  d.proto.Tag(),
		Sessions:  d.Sessions(),
		Resources: len(d.Resources()),
	}
	code := http.StatusOK
	if d.shutdown.Load() {
		h.Status = "shutting-down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (d *Driver) handleResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Resources())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
