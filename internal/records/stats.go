package records

import (
	"context"
	"strings"
	"time"

	"github.com/medrec/medrec/internal/audit"
)

// Age bands reported by Stats, youngest first.
const (
	AgeUnder20 = "<20"
	Age20to39  = "20-39"
	Age40to59  = "40-59"
	Age60Plus  = "60+"
	AgeUnknown = "unknown"
)

const (
	dobLayout    = "2006-01-02"
	genderMale   = "male"
	genderFemale = "female"
	genderOther  = "other"
)

// AgeBands lists the Stats age bands in display order.
var AgeBands = []string{AgeUnder20, Age20to39, Age40to59, Age60Plus, AgeUnknown}

// Genders lists the Stats gender groups in display order.
var Genders = []string{genderMale, genderFemale, genderOther}

// Stats is the demographic breakdown of the patients that have not been
// deleted. It reads only plaintext identifying fields.
type Stats struct {
	Total  int
	Gender map[string]int
	Age    map[string]int
}

// Percent returns n as a share of Total, or 0 for an empty population.
func (st Stats) Percent(n int) float64 {
	if st.Total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(st.Total)
}

// Stats counts live patients by gender (male, female, other) and by age
// band. A DOB that is empty or not YYYY-MM-DD lands in the unknown band.
func (s *Service) Stats(ctx context.Context, role audit.Role) (Stats, error) {
	patients, err := s.List(ctx, role)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Total:  len(patients),
		Gender: make(map[string]int, len(Genders)),
		Age:    make(map[string]int, len(AgeBands)),
	}
	today := s.now().UTC()
	for _, p := range patients {
		st.Gender[genderGroup(p.Gender)]++
		st.Age[ageBand(p.DOB, today)]++
	}
	return st, nil
}

func genderGroup(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case genderMale:
		return genderMale
	case genderFemale:
		return genderFemale
	default:
		return genderOther
	}
}

func ageBand(dob string, today time.Time) string {
	born, err := time.Parse(dobLayout, strings.TrimSpace(dob))
	if err != nil || born.After(today) {
		return AgeUnknown
	}
	age := today.Year() - born.Year()
	if !birthdayPassed(today, born) {
		age--
	}
	switch {
	case age < 20:
		return AgeUnder20
	case age < 40:
		return Age20to39
	case age < 60:
		return Age40to59
	default:
		return Age60Plus
	}
}

// birthdayPassed reports whether today's month and day are on or after
// born's.
func birthdayPassed(today, born time.Time) bool {
	if today.Month() != born.Month() {
		return today.Month() > born.Month()
	}
	return today.Day() >= born.Day()
}
