// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"testing"

	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestFromConfig(t *testing.T) {
	t.Run("no SMTP host falls back to the log", func(t *testing.T) {
		n := FromConfig(config.SMTPConfig{})
		assert.IsType(t, LogNotifier{}, n)
	})

	t.Run("configured host selects email delivery", func(t *testing.T) {
		n := FromConfig(config.SMTPConfig{
			Host: "smtp.internal",
			Port: 587,
			From: "migrations@posthog.com",
			To:   []string{"oncall@posthog.com"},
		})
		assert.IsType(t, &EmailNotifier{}, n)
	})
}
