package relay

import "net/http"

//handleIndex answers the root path for humans and load balancer
//health checks poking at the server
func handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Wormhole Relay\n"))
}
