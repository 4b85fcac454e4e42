// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/USA-RedDragon/configulator"
	"github.com/roomhub/overlay/cmd"
	"github.com/roomhub/overlay/internal/config"
	"github.com/roomhub/overlay/internal/sdk"
)

func main() {
	os.Exit(run())
}

func run() int {
	c := configulator.New[config.Config]()
	ctx := c.ToContext(context.Background())

	rootCmd := cmd.NewCommand(sdk.Version, sdk.GitCommit)
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
