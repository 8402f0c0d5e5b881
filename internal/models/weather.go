package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire and storage format for calendar dates
const DateLayout = "2006-01-02"

// Date is a calendar day without time-of-day or zone. It is stored as
// YYYY-MM-DD text so that both backends agree on the value.
type Date struct {
	time.Time
}

// NewDate builds a Date in UTC
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses s with the given layout into a Date
func ParseDate(layout, s string) (Date, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t.UTC()}, nil
}

// String formats the date as YYYY-MM-DD
func (d Date) String() string {
	return d.Format(DateLayout)
}

// Value implements driver.Valuer
func (d Date) Value() (driver.Value, error) {
	return d.Format(DateLayout), nil
}

// Scan implements sql.Scanner. Postgres returns time.Time for DATE columns;
// SQLite may return the stored text.
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		*d = NewDate(v.Year(), v.Month(), v.Day())
		return nil
	case string:
		return d.scanText(v)
	case []byte:
		return d.scanText(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}

func (d *Date) scanText(s string) error {
	if len(s) < len(DateLayout) {
		return fmt.Errorf("invalid date %q", s)
	}
	parsed, err := ParseDate(DateLayout, s[:len(DateLayout)])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON renders the date as "YYYY-MM-DD"
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "YYYY-MM-DD"
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(DateLayout, s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Station represents a weather monitoring station. Only ID is known from the
// source files; the rest is optional metadata.
type Station struct {
	ID        string   `json:"id" db:"id"`
	Name      *string  `json:"name,omitempty" db:"name"`
	Latitude  *float64 `json:"latitude,omitempty" db:"latitude"`
	Longitude *float64 `json:"longitude,omitempty" db:"longitude"`
	State     *string  `json:"state,omitempty" db:"state"`
}

// Observation is one day of raw measurements for one station.
// Temperatures are tenths of a degree Celsius, precipitation tenths of a
// millimetre. nil means the source reported -9999.
type Observation struct {
	ID            int64  `json:"-" db:"id"`
	StationID     string `json:"station_id" db:"station_id"`
	Date          Date   `json:"date" db:"date"`
	TMax          *int   `json:"tmax" db:"tmax"`
	TMin          *int   `json:"tmin" db:"tmin"`
	Precipitation *int   `json:"precipitation" db:"precipitation"`
}

// YearlyStatistic holds the derived per-station, per-year aggregates in real
// units (degrees Celsius, centimetres).
type YearlyStatistic struct {
	ID          int64    `json:"-" db:"id"`
	StationID   string   `json:"station_id" db:"station_id"`
	Year        int      `json:"year" db:"year"`
	AvgTMax     *float64 `json:"avg_tmax" db:"avg_tmax"`
	AvgTMin     *float64 `json:"avg_tmin" db:"avg_tmin"`
	TotalPrecip *float64 `json:"total_precip" db:"total_precip"`
}

// IngestedFile records a source file whose observations were committed
type IngestedFile struct {
	FileName   string    `json:"file_name" db:"file_name"`
	IngestedAt time.Time `json:"ingested_at" db:"ingested_at"`
}

// ValidationError represents a bad filter or pagination input at the query boundary
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
