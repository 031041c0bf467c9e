package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"paylane/pkg/callbind"
)

const usage = `usage:
  payctl commit make   --service <id> --agent <id> --invocation <id> [--payload <path>]
  payctl commit verify --commitment <c> --service <id> --agent <id> --invocation <id> [--payload <path>]
  payctl escrow get       --id <escrow_id>
  payctl escrow dispute   --id <escrow_id> [--reason <text>]
  payctl escrow arbitrate --id <escrow_id> --pass=<true|false>

ENGINE_URL sets the engine base URL (default http://localhost:8090).`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	switch os.Args[1] + " " + os.Args[2] {
	case "commit make":
		runCommitMake(os.Args[3:])
	case "commit verify":
		runCommitVerify(os.Args[3:])
	case "escrow get":
		runEscrowGet(os.Args[3:])
	case "escrow dispute":
		runEscrowDispute(os.Args[3:])
	case "escrow arbitrate":
		runEscrowArbitrate(os.Args[3:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func engineURL() string {
	if u := os.Getenv("ENGINE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8090"
}

func readPayload(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read payload failed:", err)
		os.Exit(1)
	}
	return b
}

func runCommitMake(args []string) {
	fs := flag.NewFlagSet("commit make", flag.ExitOnError)
	service := fs.String("service", "", "service id")
	agent := fs.String("agent", "", "agent id")
	invocation := fs.String("invocation", "", "invocation id")
	payload := fs.String("payload", "", "path to payload json")
	_ = fs.Parse(args)
	if *service == "" || *agent == "" || *invocation == "" {
		fmt.Fprintln(os.Stderr, "--service, --agent and --invocation are required")
		os.Exit(2)
	}
	c, err := callbind.Bind(*service, *agent, *invocation, readPayload(*payload))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bind failed:", err)
		os.Exit(1)
	}
	fmt.Println(c)
}

func runCommitVerify(args []string) {
	fs := flag.NewFlagSet("commit verify", flag.ExitOnError)
	commitment := fs.String("commitment", "", "commitment to check")
	service := fs.String("service", "", "service id")
	agent := fs.String("agent", "", "agent id")
	invocation := fs.String("invocation", "", "invocation id")
	payload := fs.String("payload", "", "path to payload json")
	_ = fs.Parse(args)
	if *commitment == "" || *service == "" || *agent == "" || *invocation == "" {
		fmt.Fprintln(os.Stderr, "--commitment, --service, --agent and --invocation are required")
		os.Exit(2)
	}
	if !callbind.Verify(callbind.Commitment(*commitment), *service, *agent, *invocation, readPayload(*payload)) {
		fmt.Println("MISMATCH")
		os.Exit(1)
	}
	fmt.Println("OK")
}

func runEscrowGet(args []string) {
	fs := flag.NewFlagSet("escrow get", flag.ExitOnError)
	id := fs.String("id", "", "escrow id")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		os.Exit(2)
	}
	resp, err := http.Get(engineURL() + "/engine/escrows/" + *id)
	done(resp, err)
}

func runEscrowDispute(args []string) {
	fs := flag.NewFlagSet("escrow dispute", flag.ExitOnError)
	id := fs.String("id", "", "escrow id")
	reason := fs.String("reason", "disputed by operator", "dispute reason")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		os.Exit(2)
	}
	body, _ := json.Marshal(map[string]string{"reason": *reason})
	resp, err := http.Post(engineURL()+"/engine/escrows/"+*id+"/dispute", "application/json", bytes.NewReader(body))
	done(resp, err)
}

func runEscrowArbitrate(args []string) {
	fs := flag.NewFlagSet("escrow arbitrate", flag.ExitOnError)
	id := fs.String("id", "", "escrow id")
	pass := fs.Bool("pass", false, "arbitration verdict")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		os.Exit(2)
	}
	body, _ := json.Marshal(map[string]bool{"pass": *pass})
	resp, err := http.Post(engineURL()+"/engine/escrows/"+*id+"/arbitrate", "application/json", bytes.NewReader(body))
	done(resp, err)
}

func done(resp *http.Response, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, b, "", "  ") == nil {
		os.Stdout.Write(pretty.Bytes())
		fmt.Println()
	} else {
		os.Stdout.Write(b)
	}
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}
