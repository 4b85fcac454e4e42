// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sdk exposes the build-time version identity the overlay command
// prints at startup.
package sdk

import (
	// embed the commit.txt file into the binary.
	_ "embed"
)

//go:generate bash -c "bash ../../hack/git_commit.sh > commit.txt"
var (
	//go:embed commit.txt
	GitCommit string

	// Version of the overlay mesh binary.
	Version = "0.1.0" //nolint:gochecknoglobals
)
