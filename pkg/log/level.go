// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"strings"
)

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case Warning:
		return []byte("warning"), nil
	case Info:
		return []byte("info"), nil
	case Debug:
		return []byte("debug"), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts both level
// names and their integer values.
func (l *Level) UnmarshalText(b []byte) error {
	switch s := strings.ToLower(string(b)); s {
	case "0", "warning":
		*l = Warning
	case "1", "info":
		*l = Info
	case "2", "debug":
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}
