package model

import (
	"strings"
	"time"
)

// BatchPreset is a named batch size and pacing.
type BatchPreset struct {
	Name            string        `json:"name"`
	BatchSize       int           `json:"batch_size"`
	InterBatchDelay time.Duration `json:"inter_batch_delay"`
}

var (
	PresetConservative = BatchPreset{Name: "conservative", BatchSize: 5, InterBatchDelay: 5 * time.Minute}
	PresetNormal       = BatchPreset{Name: "normal", BatchSize: 10, InterBatchDelay: 3 * time.Minute}
	PresetAggressive   = BatchPreset{Name: "aggressive", BatchSize: 20, InterBatchDelay: 2 * time.Minute}
)

// PresetByName looks a preset up case-insensitively.
func PresetByName(name string) (BatchPreset, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetConservative.Name:
		return PresetConservative, true
	case PresetNormal.Name:
		return PresetNormal, true
	case PresetAggressive.Name:
		return PresetAggressive, true
	}
	return BatchPreset{}, false
}

// RecommendPreset picks a pacing from the size of the audience.
func RecommendPreset(recipients int) BatchPreset {
	switch {
	case recipients <= 50:
		return PresetConservative
	case recipients <= 500:
		return PresetNormal
	default:
		return PresetAggressive
	}
}
