// fakebackend stands in for the real backend binary in integration tests.
// It accepts the same "serve --http <addr> --dir <dir>" invocation.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: fakebackend serve --http <addr> --dir <dir> | child")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "child":
		// Long-lived grandchild holding the inherited stdout open.
		fmt.Println("child-start")
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("http", "127.0.0.1:8090", "listen address")
	dir := fs.String("dir", "pb_data", "data directory")
	spawn := fs.Bool("spawn", false, "spawn a long-lived child process")
	exitAfter := fs.Duration("exit-after", 0, "exit on its own after this long")
	exitCode := fs.Int("exit", 1, "exit code used with -exit-after")
	fs.Parse(args)

	if err := os.WriteFile(filepath.Join(*dir, "fakebackend.pid"), []byte(fmt.Sprint(os.Getpid())), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *spawn {
		self, _ := os.Executable()
		cmd := exec.Command(self, "child")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: spawn child: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("spawned-child", cmd.Process.Pid)
	}

	if *exitAfter > 0 {
		go func() {
			time.Sleep(*exitAfter)
			fmt.Println("exiting", *exitCode)
			os.Exit(*exitCode)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":200,"message":"API is healthy."}`)
	})

	fmt.Printf("Server started at http://%s\n", *addr)
	fmt.Fprintln(os.Stderr, "warning: running with fake data")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
