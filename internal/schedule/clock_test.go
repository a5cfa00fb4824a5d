package schedule

import (
	"testing"
	"time"
)

func TestNextOccurrence(t *testing.T) {
	rome := romeLocation(t)

	tests := []struct {
		name string
		hour int
		t    time.Time
		want time.Time
	}{
		{
			// 10:15 UTC is 11:15 in Rome (UTC+1 before the end-of-March
			// switch), already past 09:00, so the slot rolls to the next day.
			name: "past target hour rolls to next day",
			hour: 9,
			t:    time.Date(2025, 3, 14, 10, 15, 0, 0, time.UTC),
			want: time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "before target hour stays same day",
			hour: 9,
			t:    time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC), // 07:00 Rome
			want: time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC), // 09:00 Rome
		},
		{
			name: "exactly on the hour is strictly after",
			hour: 9,
			t:    time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC), // 09:00:00 Rome
			want: time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "one second past the hour rolls over",
			hour: 9,
			t:    time.Date(2025, 3, 14, 8, 0, 1, 0, time.UTC),
			want: time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC),
		},
		{
			// DST starts in Rome on 2025-03-30 at 02:00: the next 09:00
			// wall time is only 07:00 UTC.
			name: "crossing into DST keeps the wall clock anchor",
			hour: 9,
			t:    time.Date(2025, 3, 29, 19, 0, 0, 0, time.UTC), // 20:00 Rome, still UTC+1
			want: time.Date(2025, 3, 30, 7, 0, 0, 0, time.UTC),  // 09:00 Rome, now UTC+2
		},
		{
			name: "evening anchor",
			hour: 19,
			t:    time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC), // 12:00 Rome in summer
			want: time.Date(2025, 7, 1, 17, 0, 0, 0, time.UTC), // 19:00 Rome
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextOccurrence(tt.hour, tt.t, rome)
			if !got.Equal(tt.want) {
				t.Errorf("NextOccurrence(%d, %v) = %v, want %v",
					tt.hour, tt.t, got.UTC(), tt.want)
			}
			if got.In(rome).Hour() != tt.hour || got.In(rome).Minute() != 0 {
				t.Errorf("result wall clock = %v, want %02d:00", got.In(rome), tt.hour)
			}
		})
	}
}

func TestNextBusinessDay(t *testing.T) {
	rome := romeLocation(t)

	// Friday 14:00 Rome: the next 09:00 occurrence is Saturday, which the
	// business-day variant skips through to Monday.
	friday := time.Date(2025, 3, 14, 13, 0, 0, 0, time.UTC)
	got := NextBusinessDay(9, friday, rome)
	want := time.Date(2025, 3, 17, 8, 0, 0, 0, time.UTC) // Monday 09:00 Rome
	if !got.Equal(want) {
		t.Errorf("NextBusinessDay(9, friday) = %v, want %v", got.UTC(), want)
	}

	// Midweek behaves like NextOccurrence.
	tuesday := time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC)
	got = NextBusinessDay(9, tuesday, rome)
	if !got.Equal(NextOccurrence(9, tuesday, rome)) {
		t.Errorf("NextBusinessDay midweek = %v, want NextOccurrence result", got.UTC())
	}
}

func TestOperatingHourWindows(t *testing.T) {
	rome := romeLocation(t)

	tests := []struct {
		utcHour     int
		utcMin      int
		calling     bool
		retryWindow bool
	}{
		{6, 59, false, false}, // 07:59 Rome
		{7, 0, true, false},   // 08:00 Rome
		{7, 59, true, false},  // 08:59 Rome
		{8, 0, true, true},    // 09:00 Rome
		{18, 59, true, true},  // 19:59 Rome
		{19, 0, false, false}, // 20:00 Rome
		{22, 0, false, false}, // 23:00 Rome
	}

	for _, tt := range tests {
		instant := time.Date(2025, 3, 14, tt.utcHour, tt.utcMin, 0, 0, time.UTC)
		if got := WithinCallingHours(instant, rome); got != tt.calling {
			t.Errorf("WithinCallingHours(%02d:%02dZ) = %v, want %v",
				tt.utcHour, tt.utcMin, got, tt.calling)
		}
		if got := WithinRetryHours(instant, rome); got != tt.retryWindow {
			t.Errorf("WithinRetryHours(%02d:%02dZ) = %v, want %v",
				tt.utcHour, tt.utcMin, got, tt.retryWindow)
		}
	}
}
