package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fallguard/internal/detector"
	"fallguard/internal/sensors/icm20948"
)

type scriptedIMU struct {
	mu    sync.Mutex
	reads int
	// failFrom..failTo (inclusive, 1-based) return errors.
	failFrom, failTo int
	base             time.Time
}

func (f *scriptedIMU) Read() (icm20948.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.reads >= f.failFrom && f.reads <= f.failTo {
		return icm20948.Sample{}, errors.New("nack")
	}
	return icm20948.Sample{
		Time: f.base.Add(time.Duration(f.reads) * 10 * time.Millisecond),
		Az:   icm20948.StandardGravity,
	}, nil
}

func (f *scriptedIMU) RateHz() float64 { return 500 }

func TestIMUSource_EmitsOrderedSamples(t *testing.T) {
	base := time.Now()
	fake := &scriptedIMU{base: base}
	src := NewIMUSource(IMUConfig{RateHz: 500}, zaptest.NewLogger(t))
	src.now = func() time.Time { return base }
	closed := 0
	src.open = func(IMUConfig) (accelReader, func() error, error) {
		return fake, func() error { closed++; return nil }, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var got []detector.Sample
	err := src.Run(ctx, func(s detector.Sample) {
		got = append(got, s)
		if len(got) == 5 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 5)
	for i, s := range got {
		require.Equal(t, int64((i+1)*10), s.TimestampMs)
		require.InDelta(t, icm20948.StandardGravity, s.GForce(), 1e-9)
	}
	require.Equal(t, 1, closed)

	st := src.Status()
	require.True(t, st.Detected)
	require.EqualValues(t, 5, st.Samples)
	require.Equal(t, 500.0, st.RateHz)
}

func TestIMUSource_ReinitAfterRepeatedFailures(t *testing.T) {
	fake := &scriptedIMU{base: time.Now(), failFrom: 1, failTo: imuReinitAfterFailures}
	src := NewIMUSource(IMUConfig{RateHz: 500}, zaptest.NewLogger(t))
	opens := 0
	src.open = func(IMUConfig) (accelReader, func() error, error) {
		opens++
		return fake, func() error { return nil }, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := src.Run(ctx, func(detector.Sample) {
		n++
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, n)
	require.Equal(t, 2, opens)

	st := src.Status()
	require.EqualValues(t, imuReinitAfterFailures, st.ReadErrors)
	require.EqualValues(t, 1, st.Reinits)
	require.Empty(t, st.LastError)
}

func TestIMUSource_InitFailure(t *testing.T) {
	src := NewIMUSource(IMUConfig{}, nil)
	src.open = func(IMUConfig) (accelReader, func() error, error) {
		return nil, nil, errors.New("no device")
	}
	err := src.Run(context.Background(), func(detector.Sample) {})
	require.Error(t, err)
	st := src.Status()
	require.False(t, st.Detected)
	require.Contains(t, st.LastError, "no device")
}

func TestUsesLogicalTime(t *testing.T) {
	require.False(t, UsesLogicalTime(SourceFunc(func(context.Context, func(detector.Sample)) error { return nil })))
	require.False(t, UsesLogicalTime(NewIMUSource(IMUConfig{}, nil)))
}
