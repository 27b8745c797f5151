// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"

	"github.com/PostHog/posthog-sub063/cmd/migrator/commands"
	"github.com/automa-saga/logx"
	"github.com/google/uuid"
)

func main() {
	traceId := uuid.NewString()
	ctx := context.WithValue(context.Background(), "traceId", traceId)
	if err := commands.Execute(ctx); err != nil {
		logx.As().Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
