package main

import (
	"fmt"
	"os"

	"github.com/tphakala/lightfield/cmd"
	"github.com/tphakala/lightfield/internal/conf"
	"github.com/tphakala/lightfield/internal/logger"
)

func main() {
	ctx := &conf.Context{}
	err := cmd.RootCommand(ctx).Execute()
	_ = logger.Global().Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
