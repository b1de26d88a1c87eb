// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckGoroutines(t *testing.T) {
	tests := []struct {
		name    string
		counts  []int
		wantErr string
	}{
		{name: "defaults", counts: []int{1, 2, 4, 8, 16, 32}},
		{name: "single", counts: []int{1}},
		{name: "zero", counts: []int{1, 0}, wantErr: "--goroutines must be positive, got 0"},
		{name: "negative", counts: []int{-4}, wantErr: "--goroutines must be positive, got -4"},
		{name: "empty", counts: nil, wantErr: "at least one count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkGoroutines(tt.counts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunRejectsBadGoroutines(t *testing.T) {
	oldOps, oldGoroutines := numOps, goroutines
	t.Cleanup(func() { numOps, goroutines = oldOps, oldGoroutines })

	numOps, goroutines = 10, []int{2, -1}
	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got -1")
}
