package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, Status("paused").Valid())
}

func TestNew(t *testing.T) {
	now := time.Now()
	j := New("owner-1", 5, 3, Settings{Type: TypeAudio}, now)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, TypeAudio, j.Type)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, 0, j.Progress)
	assert.True(t, j.Eligible(now))
	assert.NotEqual(t, j.ID, New("owner-1", 5, 3, Settings{}, now).ID)
}

func TestJob_Eligible(t *testing.T) {
	now := time.Now()
	j := New("o", 0, 3, Settings{}, now)

	j.AvailableAt = now.Add(time.Second)
	assert.False(t, j.Eligible(now), "not eligible before backoff elapses")
	assert.True(t, j.Eligible(now.Add(time.Second)))

	j.CancelRequested = true
	assert.False(t, j.Eligible(now.Add(time.Hour)))
}

func TestJob_CloneIsDeep(t *testing.T) {
	j := New("o", 0, 3, Settings{}, time.Now())
	j.Artifacts = map[string]string{"a": "1"}
	j.Error = &Failure{Category: Transient, Message: "x"}

	c := j.Clone()
	c.Artifacts["a"] = "2"
	c.Error.Message = "y"

	assert.Equal(t, "1", j.Artifacts["a"])
	assert.Equal(t, "x", j.Error.Message)
}

func TestSnapshot(t *testing.T) {
	now := time.Now()
	j := New("o", 0, 3, Settings{}, now)

	s := j.Snapshot()
	assert.Nil(t, s.StartedAt)
	assert.Nil(t, s.CompletedAt)
	assert.True(t, s.Equal(j.Snapshot()))

	j.Status = StatusProcessing
	j.StartedAt = now
	j.Progress = 40
	next := j.Snapshot()
	require.NotNil(t, next.StartedAt)
	assert.False(t, s.Equal(next))

	j.Error = &Failure{Category: Permanent, Message: "bad"}
	assert.False(t, next.Equal(j.Snapshot()))
}

func TestClassify(t *testing.T) {
	t.Run("unclassified errors are transient", func(t *testing.T) {
		se := Classify("transcode", errors.New("connection reset"))
		assert.Equal(t, Transient, se.Category)
		assert.Equal(t, "transcode", se.Stage)
	})

	t.Run("deadline is transient", func(t *testing.T) {
		se := Classify("upload-artifact", fmt.Errorf("put: %w", context.DeadlineExceeded))
		assert.Equal(t, Transient, se.Category)
		assert.Contains(t, se.Error(), "timed out")
	})

	t.Run("permanent survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("probe: %w", Permanentf("unsupported codec %s", "vp8"))
		se := Classify("validate-inputs", err)
		assert.Equal(t, Permanent, se.Category)
		assert.Equal(t, "validate-inputs", se.Stage)

		f := se.Failure()
		assert.Equal(t, "unsupported codec vp8", f.Message)
		assert.Equal(t, "validate-inputs", f.Stage)
	})
}

func TestRateLimited_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, (&RateLimited{RetryAfter: 0}).RetryAfterSeconds())
	assert.Equal(t, 1, (&RateLimited{RetryAfter: 200 * time.Millisecond}).RetryAfterSeconds())
	assert.Equal(t, 3, (&RateLimited{RetryAfter: 2100 * time.Millisecond}).RetryAfterSeconds())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("urgent")
	require.NoError(t, err)
	assert.Equal(t, 20, p)

	p, err = ParsePriority(" 7 ")
	require.NoError(t, err)
	assert.Equal(t, 7, p)

	_, err = ParsePriority("soon")
	assert.Error(t, err)
}

func TestVideoSettings_Defaults(t *testing.T) {
	v := &VideoSettings{Resolution: "1080p", Quality: "best"}
	assert.Equal(t, 8000, v.VideoBitrate())

	v = &VideoSettings{Resolution: "720p"}
	assert.Equal(t, 2500, v.VideoBitrate())

	v.Bitrate = 1200
	assert.Equal(t, 1200, v.VideoBitrate())

	w, h := Dimensions("4k")
	assert.Equal(t, 3840, w)
	assert.Equal(t, 2160, h)

	s := Settings{Type: TypeComposite, Composite: &CompositeSettings{Video: VideoSettings{Format: "mov"}}}
	assert.Equal(t, "mov", s.OutputFormat())
	assert.Equal(t, "bin", Settings{Type: TypeAudio}.OutputFormat())
}

func TestDecodeSettings(t *testing.T) {
	s, err := DecodeSettings(TypeVideo, []byte(`{"resolution":"1080p","fps":30,"codec":"h264","format":"mp4","slides":[{"imageUrl":"https://x/a.png","durationSeconds":2}]}`))
	require.NoError(t, err)
	require.NotNil(t, s.Video)
	assert.Equal(t, TypeVideo, s.Type)
	assert.Equal(t, "1080p", s.Video.Resolution)
	assert.Len(t, s.Video.Slides, 1)

	var ve *ValidationError
	_, err = DecodeSettings("gif", []byte(`{}`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "type", ve.Fields[0].Field)

	_, err = DecodeSettings(TypeAudio, nil)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "required", ve.Fields[0].Rule)

	_, err = DecodeSettings(TypeAudio, []byte(`{"tracks": 7}`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "json", ve.Fields[0].Rule)
}
