package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(postgresRepository).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
