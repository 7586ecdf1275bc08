// config_test.go: unit tests for string-based configuration parsing
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

import (
	"testing"
	"time"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "64K", want: 64_000},
		{in: "64k", want: 64_000},
		{in: "2M", want: 2_000_000},
		{in: "1G", want: 1_000_000_000},
		{in: "0", want: 0},
		{in: "", wantErr: true},
		{in: "10X", wantErr: true},
		{in: "K", wantErr: true},
		{in: "1.5M", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCount(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCount(%q) = %d, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCount(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "30s", want: 30 * time.Second},
		{in: "24h", want: 24 * time.Hour},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "2w", want: 14 * 24 * time.Hour},
		{in: "1y", want: 365 * 24 * time.Hour},
		{in: "2h30m", want: 2*time.Hour + 30*time.Minute},
		{in: "", wantErr: true},
		{in: "10x", wantErr: true},
		{in: "d", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeout(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTimeout(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeout(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeout(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
