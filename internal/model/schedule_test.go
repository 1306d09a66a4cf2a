package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pxs-lab/experimenter/internal/model"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"P1D", 24 * time.Hour, false},
		{"PT6M", 6 * time.Minute, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"PT0.5S", 500 * time.Millisecond, false},
		{"PT1,25S", 1250 * time.Millisecond, false},
		{"", 0, true},
		{"P", 0, true},
		{"PT", 0, true},
		{"P2DT", 0, true},
		{"P2M", 0, true},
		{"6m", 0, true},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tt.given)
			if tt.err {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	d, err := model.ParseCron("*/5 * * * *")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = model.ParseCron("@hourly")
	require.NoError(t, err)
	require.Equal(t, time.Hour, d)

	_, err = model.ParseCron("")
	require.Error(t, err)
	_, err = model.ParseCron("* * * * * *")
	require.Error(t, err)
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, model.Schedule{Cron: "0 * * * *"}.Validate())
	require.NoError(t, model.Schedule{Duration: "PT1H"}.Validate())
	require.Error(t, model.Schedule{}.Validate())
	require.Error(t, model.Schedule{Cron: "0 * * * *", Duration: "PT1H"}.Validate())
	require.Error(t, model.Schedule{Duration: "PT0S"}.Validate())
}
