// rag-tutor is a session-scoped retrieval-augmented tutor backend.
package main

import (
	"os"

	"rag-tutor/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
