package service

import "github.com/noah-isme/sma-adp-enrollment/internal/models"

// FindSlotConflicts pairs every candidate slot with each existing slot it overlaps.
// Slots overlap when they share a weekday and their half-open intervals intersect,
// so a class ending at 10:00 never conflicts with one starting at 10:00.
func FindSlotConflicts(candidate, existing []models.MeetingSlot) []models.SlotConflict {
	var conflicts []models.SlotConflict
	for _, c := range candidate {
		for _, e := range existing {
			if slotsOverlap(c, e) {
				conflicts = append(conflicts, models.SlotConflict{Candidate: c, Existing: e})
			}
		}
	}
	return conflicts
}

func slotsOverlap(a, b models.MeetingSlot) bool {
	return a.DayOfWeek == b.DayOfWeek && a.Start < b.End && a.End > b.Start
}
