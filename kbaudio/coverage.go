package kbaudio

import (
	"math"
	"os"
)

// SegmentRef names one item field inside a bank.
type SegmentRef struct {
	ItemID string `json:"item_id"`
	Field  string `json:"field"`
}

// CoverageReport summarizes which of a bank's audio files exist on disk.
type CoverageReport struct {
	BankID          string       `json:"bank_id"`
	TotalItems      int          `json:"total_items"`
	CoveredItems    int          `json:"covered_items"`
	TotalSegments   int          `json:"total_segments"`
	CoveredSegments int          `json:"covered_segments"`
	MissingSegments int          `json:"missing_segments"`
	Missing         []SegmentRef `json:"missing,omitempty"`
	TotalSizeBytes  int64        `json:"total_size_bytes"`
	Complete        bool         `json:"complete"`
	Percent         float64      `json:"percent"`
}

// Coverage reports coverage over the cross product of item IDs and
// fields. Items count as covered when at least one of their fields has
// audio.
func (m *Manager) Coverage(bankID string, itemIDs, fields []string) (CoverageReport, error) {
	refs := make([]SegmentRef, 0, len(itemIDs)*len(fields))
	for _, itemID := range itemIDs {
		for _, field := range fields {
			refs = append(refs, SegmentRef{ItemID: itemID, Field: field})
		}
	}
	return m.coverageFor(bankID, refs)
}

// CoverageForItems reports coverage over the speakable fields of each
// item, so items with differing hint counts are not overcounted.
func (m *Manager) CoverageForItems(bankID string, items []Item) (CoverageReport, error) {
	var refs []SegmentRef
	for _, item := range items {
		for _, seg := range item.segments() {
			refs = append(refs, SegmentRef{ItemID: item.ID, Field: seg.field})
		}
	}
	return m.coverageFor(bankID, refs)
}

func (m *Manager) coverageFor(bankID string, refs []SegmentRef) (CoverageReport, error) {
	report := CoverageReport{BankID: bankID}

	items := make(map[string]bool)
	covered := make(map[string]bool)
	for _, ref := range refs {
		path, err := m.Path(bankID, ref.ItemID, ref.Field)
		if err != nil {
			return CoverageReport{}, err
		}
		items[ref.ItemID] = true
		st, err := os.Stat(path)
		if err != nil {
			report.Missing = append(report.Missing, ref)
			continue
		}
		covered[ref.ItemID] = true
		report.CoveredSegments++
		report.TotalSizeBytes += st.Size()
	}

	report.TotalItems = len(items)
	report.CoveredItems = len(covered)
	report.TotalSegments = len(refs)
	report.MissingSegments = len(report.Missing)
	report.Complete = report.MissingSegments == 0
	if report.TotalSegments == 0 {
		report.Percent = 100
	} else {
		pct := float64(report.CoveredSegments) / float64(report.TotalSegments) * 100
		report.Percent = math.Round(pct*10) / 10
	}
	return report, nil
}
