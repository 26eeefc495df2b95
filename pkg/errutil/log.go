// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package errutil renders and logs coded errors.
package errutil

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code and context.
// For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error) {
	LogErrorContext(context.Background(), logger, msg, err)
}

// LogErrorContext is LogError with a context, so handlers can add the
// trace and operation ids carried by ctx.
func LogErrorContext(ctx context.Context, logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if fields := oopsErr.Context(); len(fields) > 0 {
			attrs = append(attrs, "context", fields)
		}
		logger.ErrorContext(ctx, msg, attrs...)
	} else {
		logger.ErrorContext(ctx, msg, "error", err)
	}
}

// Describe renders err for the console: the message followed by the code
// and sorted context, e.g. "unknown capability "fly" [UNKNOWN_CAPABILITY capability=fly]".
func Describe(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return err.Error()
	}

	var details []string
	if code := oopsErr.Code(); code != nil && fmt.Sprint(code) != "" {
		details = append(details, fmt.Sprint(code))
	}
	ctx := oopsErr.Context()
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		details = append(details, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	if len(details) == 0 {
		return oopsErr.Error()
	}
	return fmt.Sprintf("%s [%s]", oopsErr.Error(), strings.Join(details, " "))
}
