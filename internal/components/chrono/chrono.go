package chrono

import (
	"time"
	_ "time/tzdata"
)

// API is the source of wall clock time for anything that derives calendar
// values (dates, "today") from the current time.
type API interface {
	Now() time.Time
	Location() *time.Location
}

type StandardImpl struct {
	location *time.Location
}

// NewStandardImpl loads the given IANA location, the portal renders dates in
// Europe/Amsterdam so that is the default when name is empty.
func NewStandardImpl(name string) (StandardImpl, error) {
	if name == "" {
		name = "Europe/Amsterdam"
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: location}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// FixedImpl always returns the same instant, used in tests.
type FixedImpl struct {
	Time time.Time
}

func (f FixedImpl) Now() time.Time {
	return f.Time
}

func (f FixedImpl) Location() *time.Location {
	return f.Time.Location()
}
