package core

import (
	"os"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("core")

// ConfigureLogger install the stderr backend for every module logger
func ConfigureLogger(verbose bool) {
	var format = logging.MustStringFormatter(
		`%{color}%{time:15:04:05.000000} %{module} %{shortfunc} %{level:s} %{id:03x}%{color:reset} ▶ %{message}`,
	)

	backend := logging.NewLogBackend(os.Stderr, "[EMU6] ", 0)
	backendformatter := logging.NewBackendFormatter(backend, format)
	backendLeveled := logging.AddModuleLevel(backendformatter)

	if verbose {
		backendLeveled.SetLevel(logging.DEBUG, "")
	} else {
		backendLeveled.SetLevel(logging.WARNING, "")
	}

	logging.SetBackend(backendLeveled)
}
