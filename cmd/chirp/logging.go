package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/creachadair/chirplink"
	"github.com/fatih/color"
	"github.com/op/go-logging"
)

const logModule = "chirp"

var log = logging.MustGetLogger(logModule)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} ▶ %{message}%{color:reset}`,
)

// setupLogging directs log output to stderr at the named level. If level is
// empty, the value of CHIRP_LOG_LEVEL is used, and if that is also empty the
// level is WARNING.
func setupLogging(level string) error {
	if level == "" {
		level = os.Getenv("CHIRP_LOG_LEVEL")
	}
	lvl := logging.WARNING
	if level != "" {
		v, err := logging.LogLevel(strings.ToUpper(level))
		if err != nil {
			return fmt.Errorf("invalid log level %q", level)
		}
		lvl = v
	}
	backend := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), stderrFormat)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(lvl, logModule)
	logging.SetBackend(leveled)
	return nil
}

// engineOptions returns options for an engine that log to the module logger.
// Messages are logged at DEBUG and diagnostic events at INFO.
func engineOptions(hints bool) *chirplink.Options {
	return &chirplink.Options{
		HintInterested: hints,
		LogMessages:    func(msg chirplink.MessageInfo) { log.Debugf("%v", msg) },
		Logf:           log.Infof,
	}
}

func green(s string) string   { return color.New(color.FgHiGreen).SprintFunc()(s) }
func red(s string) string     { return color.New(color.FgHiRed).SprintFunc()(s) }
func cyan(s string) string    { return color.New(color.FgHiCyan).SprintFunc()(s) }
func magenta(s string) string { return color.New(color.FgHiMagenta).SprintFunc()(s) }
