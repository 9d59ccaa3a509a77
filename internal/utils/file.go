// Copyright 2025 BlockStorage, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultFilePerm is applied to cache bodies and journals.
	DefaultFilePerm os.FileMode = 0600

	// DefaultDirPerm is applied to directories created under the data
	// root.
	DefaultDirPerm os.FileMode = 0700
)

// CreateFile opens the named file, creating it and any missing parent
// directories as needed.
func CreateFile(filePath string, flag int) (f *os.File, err error) {
	err = os.MkdirAll(filepath.Dir(filePath), DefaultDirPerm)
	if err != nil {
		err = fmt.Errorf("creating parent directory: %w", err)
		return
	}

	f, err = os.OpenFile(filePath, flag|os.O_CREATE, DefaultFilePerm)
	if err != nil {
		err = fmt.Errorf("opening file: %w", err)
		return
	}

	return
}

// DivideCeiling returns ceil(numerator / denominator) for positive
// denominators.
func DivideCeiling(numerator uint64, denominator uint64) uint64 {
	return (numerator + denominator - 1) / denominator
}
