// Package debug writes a developer log. It is disabled unless one of the
// environment variables PACKRAT_DEBUG_LOG, PACKRAT_DEBUG_FUNCS or
// PACKRAT_DEBUG_FILES is set.
//
// PACKRAT_DEBUG_LOG names a file every message is appended to.
// PACKRAT_DEBUG_FUNCS and PACKRAT_DEBUG_FILES hold comma separated glob
// patterns (optionally prefixed with + or -) selecting messages that are also
// printed to stderr, matched against the function name or "dir/file.go:line".
package debug

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
)

var opts struct {
	isEnabled bool
	logger    *log.Logger
	funcs     filter
	files     filter
}

// initialize before any package level init() of importing packages runs
var _ = initDebug()

func initDebug() bool {
	initDebugLogger()
	opts.funcs = parseFilter("PACKRAT_DEBUG_FUNCS", func(s string) string { return s })
	opts.files = parseFilter("PACKRAT_DEBUG_FILES", padFile)

	opts.isEnabled = opts.logger != nil || len(opts.funcs) > 0 || len(opts.files) > 0
	if opts.isEnabled {
		fmt.Fprintf(os.Stderr, "debug enabled\n")
	}
	return opts.isEnabled
}

func initDebugLogger() {
	debugfile := os.Getenv("PACKRAT_DEBUG_LOG")
	if debugfile == "" {
		return
	}

	fmt.Fprintf(os.Stderr, "debug log file %v\n", debugfile)

	f, err := os.OpenFile(debugfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open debug log file: %v\n", err)
		os.Exit(2)
	}

	opts.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
}

// filter maps glob patterns to whether matching keys are enabled.
type filter map[string]bool

func parseFilter(envname string, pad func(string) string) filter {
	f := make(filter)

	env := os.Getenv(envname)
	if env == "" {
		return f
	}

	for _, pattern := range strings.Split(env, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		enabled := true
		switch pattern[0] {
		case '-':
			enabled = false
			pattern = pattern[1:]
		case '+':
			pattern = pattern[1:]
		}
		pattern = pad(pattern)

		if _, err := path.Match(pattern, ""); err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid pattern %q: %v\n", pattern, err)
			os.Exit(5)
		}

		f[pattern] = enabled
	}

	return f
}

// padFile turns "file.go" into "*/file.go:*" so that short patterns match.
func padFile(s string) string {
	if s == "all" {
		return s
	}

	if !strings.Contains(s, "/") {
		s = "*/" + s
	}
	if !strings.Contains(s, ":") {
		s += ":*"
	}

	return s
}

func (f filter) match(key string) bool {
	if v, ok := f[key]; ok {
		return v
	}

	for pattern, v := range f {
		if ok, _ := path.Match(pattern, key); ok {
			return v
		}
	}

	return f["all"]
}

func goroutineNum() int {
	b := make([]byte, 20)
	runtime.Stack(b, false)

	var num int
	_, _ = fmt.Sscanf(string(b), "goroutine %d ", &num)
	return num
}

// caller returns the function name and "dir/file:line" of Log's caller.
func caller() (fn, pos string) {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return "", ""
	}

	dir := filepath.Base(filepath.Dir(file))
	pos = fmt.Sprintf("%s/%s:%d", dir, filepath.Base(file), line)

	if f := runtime.FuncForPC(pc); f != nil {
		fn = path.Base(f.Name())
	}

	return fn, pos
}

// Shortener is implemented by values with a compact log representation,
// such as ids.
type Shortener interface {
	Str() string
}

// Log writes a message to the debug log if debugging is enabled.
func Log(format string, args ...interface{}) {
	if !opts.isEnabled {
		return
	}

	fn, pos := caller()

	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}

	for i, item := range args {
		if s, ok := item.(Shortener); ok {
			args[i] = s.Str()
		}
	}

	line := fmt.Sprintf("%s\t%s\t%d\t", pos, fn, goroutineNum()) + fmt.Sprintf(format, args...)

	if opts.logger != nil {
		opts.logger.Print(line)
	}

	if opts.files.match(pos) || opts.funcs.match(fn) {
		fmt.Fprint(os.Stderr, line)
	}
}
