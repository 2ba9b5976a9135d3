// Command collabctl drives a collaboration session against a relay from the
// terminal.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
