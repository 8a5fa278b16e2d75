// Command datapathctl submits one JSON-RPC request to a running
// datapathd control socket and pretty-prints the response, the way
// SPDK's rpc.py submits one call per invocation over its UNIX socket.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	var (
		socketPath = flag.String("s", "/var/tmp/datapath.sock", "UNIX socket path of the running datapathd control plane")
		paramsRaw  = flag.String("params", "", "JSON object of parameters for the method")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-s socket] [-params '{...}'] <method>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	method := flag.Arg(0)

	params := strings.TrimSpace(*paramsRaw)
	if params == "" {
		params = "null"
	}

	req := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s,"id":1}`, method, params)

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "datapathctl: dial %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(req)); err != nil {
		fmt.Fprintf(os.Stderr, "datapathctl: write: %v\n", err)
		os.Exit(1)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		fmt.Fprintf(os.Stderr, "datapathctl: read: %v\n", err)
		os.Exit(1)
	}

	var pretty interface{}
	if err := json.Unmarshal(line, &pretty); err != nil {
		os.Stdout.Write(line)
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		os.Stdout.Write(line)
		return
	}
	fmt.Println(string(out))
}
