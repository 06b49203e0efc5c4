/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"errors"
	"fmt"
)

// ErrProjectionNotFound is returned when an operation names a projection that does not exist.
var ErrProjectionNotFound = errors.New("projection not found")

// JournalIncompleteErr is returned by CommitJournal while uncompleted journal
// entries remain. The checkpoint is left untouched.
type JournalIncompleteErr struct {
	Name       string
	Incomplete int
}

func (e *JournalIncompleteErr) Error() string {
	return fmt.Sprintf("(%s) journal has %d incomplete entries", e.Name, e.Incomplete)
}

// IsJournalIncomplete returns true if err is or wraps a *JournalIncompleteErr.
func IsJournalIncomplete(err error) bool {
	var e *JournalIncompleteErr
	return errors.As(err, &e)
}
