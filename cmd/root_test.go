/*
Copyright © 2025 The pipemeter Authors

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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWatch(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		pid     int
		fd      int
		wantErr bool
	}{
		{"pid only", "1234", 1234, -1, false},
		{"pid and fd", "1234:3", 1234, 3, false},
		{"fd zero is valid", "1234:0", 1234, 0, false},
		{"not a number", "abc", 0, 0, true},
		{"bad fd", "1234:x", 0, 0, true},
		{"negative fd", "1234:-1", 0, 0, true},
		{"zero pid", "0", 0, 0, true},
		{"empty", "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, fd, err := parseWatch(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pid, pid)
			assert.Equal(t, tt.fd, fd)
		})
	}
}
