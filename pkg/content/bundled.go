package content

import (
	_ "embed"
	"encoding/json"

	"github.com/odvcencio/parami/pkg/model"
)

//go:embed bundled.json
var bundledJSON []byte

// BundledSnapshot builds the version-0 snapshot from the content shipped
// with the binary. It is the offline fallback used on first run and
// whenever the persisted snapshot cannot be read.
func BundledSnapshot() *model.ContentSnapshot {
	var payload struct {
		Paramis           []model.Parami                `json:"paramis"`
		ExpandedPractices map[int][]model.PracticeEntry `json:"expandedPractices"`
	}
	// The bundled document is part of the build; a decode failure is a
	// programming error, not a runtime condition.
	if err := json.Unmarshal(bundledJSON, &payload); err != nil {
		panic("content: invalid bundled document: " + err.Error())
	}

	return &model.ContentSnapshot{
		Version:           0,
		Paramis:           payload.Paramis,
		ExpandedPractices: payload.ExpandedPractices,
	}
}
