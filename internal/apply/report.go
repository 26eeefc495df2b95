// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package apply

import (
	"github.com/permkeeper/permkeeper/internal/diff"
)

// Operation names the run that produced a report.
type Operation string

// Operations.
const (
	OperationApply    Operation = "apply"
	OperationRollback Operation = "rollback"
)

// Failure is an entry whose write did not land.
type Failure struct {
	Entry diff.Entry
	Err   error
}

// Report is the outcome of one apply or rollback run.
type Report struct {
	Operation Operation
	Mode      diff.Mode
	Succeeded []diff.Entry
	Failed    []Failure
	// Skipped entries were never attempted because the context ended.
	Skipped []diff.Entry
}

// Total returns the number of entries the run was asked to write.
func (r *Report) Total() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Skipped)
}

// Complete reports whether every entry landed.
func (r *Report) Complete() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}
