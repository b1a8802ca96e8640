// Package fakegateway is a stand-in for the gateway tool, used by tests. Test
// binaries re-execute themselves with EnvEnable set and hand control to Main.
package fakegateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

const (
	// EnvEnable makes a test binary behave as the gateway tool.
	EnvEnable = "MOLTGATE_FAKE_GATEWAY"
	// EnvAddr is the address the fake gateway listens on.
	EnvAddr = "FAKE_GATEWAY_ADDR"
	// EnvMode selects the behavior of the "gateway" subcommand: "serve"
	// (default), "silent" never listens, "exit" exits with code 3 at once.
	EnvMode = "FAKE_GATEWAY_MODE"
	// EnvDelay delays listening by a duration such as "300ms".
	EnvDelay = "FAKE_GATEWAY_DELAY"
	// EnvSpawnLog names a file that gets one line per gateway start.
	EnvSpawnLog = "FAKE_GATEWAY_SPAWN_LOG"
	// EnvCLILog names a file that gets one line per CLI invocation.
	EnvCLILog = "FAKE_GATEWAY_CLI_LOG"
	// EnvIgnoreTerm set to "1" makes the gateway ignore SIGTERM, so only
	// SIGKILL stops it.
	EnvIgnoreTerm = "FAKE_GATEWAY_IGNORE_TERM"
)

// Enabled reports whether the current process was started as the gateway.
func Enabled() bool {
	return os.Getenv(EnvEnable) == "1"
}

// Main runs the fake gateway tool with args and returns the exit code.
func Main(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gateway|config|onboard ...")
		return 2
	}
	switch args[0] {
	case "gateway":
		return serve(args[1:])
	case "config", "onboard":
		appendLine(os.Getenv(EnvCLILog), strings.Join(args, " "))
		fmt.Printf("ok: %s\n", args[0])
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
	return 2
}

func serve(args []string) int {
	appendLine(os.Getenv(EnvSpawnLog), fmt.Sprintf("%d %s", os.Getpid(), strings.Join(args, " ")))
	fmt.Printf("fake gateway starting pid=%d\n", os.Getpid())
	if os.Getenv(EnvIgnoreTerm) == "1" {
		signal.Ignore(syscall.SIGTERM)
	}

	switch os.Getenv(EnvMode) {
	case "exit":
		fmt.Fprintln(os.Stderr, "fake gateway exiting on purpose")
		return 3
	case "silent":
		time.Sleep(time.Hour)
		return 0
	}

	if d, err := time.ParseDuration(os.Getenv(EnvDelay)); err == nil {
		time.Sleep(d)
	}

	ln, err := net.Listen("tcp", os.Getenv(EnvAddr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		return 1
	}
	token := flagValue(args, "--token")
	if err := http.Serve(ln, handler(token)); err != nil {
		return 1
	}
	return 0
}

func handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, append([]byte("echo: "), msg...)); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Fake-Gateway", fmt.Sprint(os.Getpid()))
		w.Header().Set("X-Seen-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("Content-Type", "text/plain")
		if r.URL.Path == "/teapot" {
			w.WriteHeader(http.StatusTeapot)
		}
		fmt.Fprintf(w, "fake-gateway method=%s path=%s token=%t", r.Method, r.URL.Path, token != "")
	})
	return mux
}

func flagValue(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func appendLine(path, line string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}
