package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("ctxkeeper %s\n", version)
}
