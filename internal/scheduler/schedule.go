package scheduler

import (
	"fmt"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// ScheduleLength is the number of pre-operative calls every patient receives.
const ScheduleLength = 6

// Day offsets from the surgery date and the call type placed on each.
var (
	scheduleOffsets   = [ScheduleLength]int{-42, -28, -21, -14, -7, -1}
	scheduleCallTypes = [ScheduleLength]models.CallType{
		models.CallTypeEnrollment,
		models.CallTypeEducation,
		models.CallTypeEducation,
		models.CallTypePreparation,
		models.CallTypePreparation,
		models.CallTypeFinalPrep,
	}
)

// EntryID is the deterministic identifier of the i-th schedule entry of a patient.
func EntryID(patientID string, i int) string {
	return fmt.Sprintf("sched_%s_%d", patientID, i+1)
}

// GenerateSchedule computes the pre-operative call schedule for a patient. Dates are calendar
// dates at midnight in the patient's time zone; the surgery date's own calendar day is used
// regardless of the zone it was parsed in.
func GenerateSchedule(p models.Patient) ([]models.CallScheduleEntry, error) {
	if p.ID == "" {
		return nil, models.ErrEmptyPatientID
	}
	if p.SurgeryDate.IsZero() {
		return nil, models.ErrMissingSurgeryDate
	}
	loc, err := p.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidTimezone, p.Timezone)
	}

	y, m, d := p.SurgeryDate.Date()
	surgery := time.Date(y, m, d, 0, 0, 0, 0, loc)

	entries := make([]models.CallScheduleEntry, ScheduleLength)
	for i, off := range scheduleOffsets {
		entries[i] = models.CallScheduleEntry{
			ID:            EntryID(p.ID, i),
			PatientID:     p.ID,
			CallType:      scheduleCallTypes[i],
			ScheduledDate: surgery.AddDate(0, 0, off),
			SurgeryType:   p.SurgeryType,
			Status:        models.CallStatusScheduled,
		}
	}
	return entries, nil
}

// CallTime returns the moment an entry should be dialed: hour o'clock on its scheduled date.
func CallTime(e models.CallScheduleEntry, hour int) time.Time {
	d := e.ScheduledDate
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, d.Location())
}
