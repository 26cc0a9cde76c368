// Command tlog inspects and operates on transaction log directories.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

func main() {
	cmd, err := NewCommand(viper.New(), os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
