package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Matches the cost the gateway expects when it checks connect passwords.
const cost = 12

func main() {
	if len(os.Args) != 2 || os.Args[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: go run scripts/hash-password.go <gateway-password>")
		fmt.Fprintln(os.Stderr, "prints a GATEWAY_PASSWORD_HASH line for the gateway environment")
		os.Exit(2)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[1]), cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash gateway password: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("GATEWAY_PASSWORD_HASH=%s\n", hash)
}
