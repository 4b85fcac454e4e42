// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"testing"

	"github.com/roomhub/overlay/internal/config"
)

func TestSetupLoggerAllLevels(t *testing.T) {
	t.Parallel()
	levels := []config.LogLevel{
		config.LogLevelDebug,
		config.LogLevelInfo,
		config.LogLevelWarn,
		config.LogLevelError,
		config.LogLevel("unrecognized"),
	}
	for _, level := range levels {
		cfg := config.Default()
		cfg.LogLevel = level
		// setupLogger must never panic, even for an unrecognized level.
		setupLogger(cfg)
	}
}

func TestNewCommandSetsVersionAnnotations(t *testing.T) {
	t.Parallel()
	command := NewCommand("1.2.3", "abcdef")
	if command.Annotations["version"] != "1.2.3" {
		t.Errorf("expected version annotation 1.2.3, got %s", command.Annotations["version"])
	}
	if command.Annotations["commit"] != "abcdef" {
		t.Errorf("expected commit annotation abcdef, got %s", command.Annotations["commit"])
	}
}
