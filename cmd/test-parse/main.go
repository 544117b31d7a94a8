package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/docmesh-ai/extraction-engine/internal/partialjson"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run main.go <fragment_file>")
		fmt.Println("Reads a truncated JSON fragment and prints what the reconstructor recovers. Use - for stdin.")
		os.Exit(1)
	}

	var content []byte
	var err error
	if os.Args[1] == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(os.Args[1])
	}
	if err != nil {
		fmt.Printf("Error reading input: %v\n", err)
		os.Exit(1)
	}

	repaired := partialjson.CloseBrackets(string(content))
	fmt.Printf("Input:    %d bytes\n", len(content))
	fmt.Printf("Repaired: %d bytes\n", len(repaired))

	data := partialjson.SafeParse(string(content))
	if data == nil {
		fmt.Println("\nNo object recoverable from this fragment")
		os.Exit(1)
	}

	fmt.Printf("\nRecovered %d top-level fields:\n", len(data))
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Printf("Error rendering result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
