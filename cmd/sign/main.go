package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/eldtechnologies/kalenda/internal/crypto"
)

func main() {
	privKeyB64 := flag.String("key", "", "Base64-encoded Ed25519 seed or private key (defaults to $SIGNING_KEY)")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	flag.Parse()

	if *privKeyB64 == "" {
		*privKeyB64 = os.Getenv("SIGNING_KEY")
	}
	if *privKeyB64 == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <private-key-base64> [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	privKey, err := crypto.ParsePrivateKey(*privKeyB64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}

	// Read body
	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	h := http.Header{}
	crypto.SignRequest(h, privKey, body)

	// Output headers
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %s\n", name, h.Get(name))
	}
}
