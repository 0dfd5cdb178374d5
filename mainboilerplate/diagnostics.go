package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" default:"" description:"Port serving metrics and debug handlers. Diagnostics aren't served if not set"`
}

// InitDiagnosticsAndRecover registers diagnostic handlers on the default
// ServeMux and, if a port is configured, serves it:
//   - /debug/metrics serves Prometheus metrics.
//   - /debug/ready serves a liveness check.
//   - /debug/pprof/ and /debug/vars are served by their packages.
//
// The returned closure should be deferred by main. It writes the value of a
// recovered panic as the K8s termination message, and then re-panics.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	http.Handle("/debug/metrics", promhttp.Handler())
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if cfg.Port != "" {
		go func() {
			var err = http.ListenAndServe(":"+cfg.Port, nil)
			log.WithFields(log.Fields{"port": cfg.Port, "err": err}).Error("diagnostics server exited")
		}()
	}

	return func() {
		var r = recover()
		if r == nil {
			return
		}
		// Best effort. See https://github.com/kubernetes/kubernetes/issues/31839
		if f, err := os.OpenFile(terminationLog, os.O_WRONLY, 0666); err == nil {
			_, _ = fmt.Fprintf(f, "%+v", r)
			_ = f.Close()
		}
		panic(r)
	}
}

// Must logs and panics if |err| is non-nil. |extra| are alternating field
// names and values which are added to the logged event.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var entry = log.WithField("err", err)
	for i := 0; i+1 < len(extra); i += 2 {
		entry = entry.WithField(fmt.Sprint(extra[i]), extra[i+1])
	}
	entry.Panic(msg)
}

// terminationLog is read by Kubernetes as the reason of a container exit.
const terminationLog = "/dev/termination-log"
