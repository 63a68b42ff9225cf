// Package main is a utility for minting API keys outside the running server.
// The gateway stores only the SHA-256 lookup hash of a key, so this tool prints the raw key once
// along with the hash and display prefix to insert into the api_keys table when seeding a
// database by hand. Passing an existing key with -hash prints the lookup hash for it instead.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
)

func main() {
	prefix := flag.String("prefix", "wfk", "key prefix")
	existing := flag.String("hash", "", "print the lookup hash of an existing key")
	flag.Parse()

	if *existing != "" {
		fmt.Println(auth.HashAPIKey(*existing))
		return
	}

	key, hash, displayPrefix, err := auth.GenerateAPIKey(*prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("key:        %s\n", key)
	fmt.Printf("key_hash:   %s\n", hash)
	fmt.Printf("key_prefix: %s\n", displayPrefix)
}
