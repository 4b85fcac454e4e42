// SPDX-License-Identifier: AGPL-3.0-or-later

package overlay_test

import (
	"testing"

	"github.com/roomhub/overlay/internal/ids"
	"github.com/roomhub/overlay/internal/overlay"
	"github.com/stretchr/testify/assert"
)

func TestNewPacketDefaultsTTL(t *testing.T) {
	t.Parallel()

	p := overlay.NewPacket(overlay.ActionTalk, ids.New(), ids.Nil, "hello")
	assert.Equal(t, overlay.DefaultTTL, p.TTL)
	assert.Equal(t, overlay.DefaultTTL, p.OriginalTTL)
	assert.False(t, p.HasRecipient())
	assert.Equal(t, 0, p.Cost())
}

func TestPacketCostTracksHops(t *testing.T) {
	t.Parallel()

	p := overlay.NewPacket(overlay.ActionPing, ids.New(), ids.Nil, "")
	p.TTL -= 3
	assert.Equal(t, 3, p.Cost())
}

func TestPacketExpired(t *testing.T) {
	t.Parallel()

	p := overlay.NewPacket(overlay.ActionPing, ids.New(), ids.Nil, "")
	assert.False(t, p.Expired())
	p.TTL = 0
	assert.True(t, p.Expired())
}

func TestCloneIsIndependentCopy(t *testing.T) {
	t.Parallel()

	original := overlay.NewPacket(overlay.ActionText, ids.New(), ids.New(), "secret")
	clone := original.Clone()
	clone.Context = "redacted"

	assert.Equal(t, "secret", original.Context)
	assert.Equal(t, "redacted", clone.Context)
}

func TestWithRecipientAndWithContext(t *testing.T) {
	t.Parallel()

	target := ids.New()
	original := overlay.NewPacket(overlay.ActionWhisper, ids.New(), ids.New(), "hi")

	redacted := original.WithRecipient(ids.Nil).WithContext("")
	assert.True(t, original.HasRecipient())
	assert.False(t, redacted.HasRecipient())
	assert.Equal(t, "hi", original.Context)
	assert.Empty(t, redacted.Context)

	readdressed := original.WithRecipient(target)
	assert.Equal(t, target, readdressed.Recipient)
}
