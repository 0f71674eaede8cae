package daemon

import "net/http"

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.Health)
	mux.HandleFunc("/v1/sessions", a.Sessions)
	mux.HandleFunc("/v1/sessions/", a.SessionByID)
	mux.HandleFunc("/v1/workers", a.WorkersCollection)
	mux.HandleFunc("/v1/workers/", a.WorkerByID)
	mux.HandleFunc("/v1/shutdown", a.ShutdownDaemon)
}
