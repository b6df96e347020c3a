package pipeline

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/artifact"
	"renderq/ffmpeg"
	"renderq/job"
)

// fakeMedia writes placeholder files instead of calling ffmpeg.
type fakeMedia struct {
	mu       sync.Mutex
	calls    [][]string
	fetched  []string
	fetchErr func(src string) error
	runErr   func(args []string) error
}

func (m *fakeMedia) Fetch(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	m.fetched = append(m.fetched, src)
	m.mu.Unlock()
	if m.fetchErr != nil {
		if err := m.fetchErr(src); err != nil {
			return err
		}
	}
	return os.WriteFile(dst, []byte(src), 0644)
}

func (m *fakeMedia) Run(ctx context.Context, args []string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	if m.runErr != nil {
		if err := m.runErr(args); err != nil {
			return "", err
		}
	}
	out := args[len(args)-1]
	if out == "-" {
		return "[Parsed_volumedetect_0] mean_volume: -20.0 dB\n[Parsed_volumedetect_0] max_volume: -4.5 dB\n", nil
	}
	return "", os.WriteFile(out, []byte("rendered"), 0644)
}

func videoSettings() job.Settings {
	return job.Settings{
		Type: job.TypeVideo,
		Video: &job.VideoSettings{
			Resolution: "720p",
			FPS:        30,
			Codec:      "h264",
			Format:     "mp4",
			Slides: []job.Slide{
				{ImageURL: "https://cdn.example.com/a.png", DurationSeconds: 2},
				{ImageURL: "https://cdn.example.com/b.jpg?sig=1", DurationSeconds: 3},
			},
			Audio:     []job.AudioTrack{{URL: "https://cdn.example.com/voice.mp3"}},
			Watermark: &job.Watermark{Enabled: true, Text: "Draft: v1", Position: "top-left"},
			Subtitles: &job.Subtitles{URL: "https://cdn.example.com/pt.srt", Language: "por"},
		},
	}
}

func runChain(t *testing.T, stages []Stage, s job.Settings) (Artifacts, error) {
	t.Helper()
	arts := Artifacts{}
	for _, st := range stages {
		out, err := st.Run(context.Background(), s, arts)
		if err != nil {
			return arts, job.Classify(st.Name, err)
		}
		arts = arts.Merge(out)
	}
	return arts, nil
}

func TestRenderer_VideoChain(t *testing.T) {
	work := t.TempDir()
	sink, err := artifact.NewLocalSink(filepath.Join(t.TempDir(), "out"), "http://renderq")
	require.NoError(t, err)
	media := &fakeMedia{}

	stages := NewRenderer(media, sink).Build("job1", work)
	var names []string
	for _, s := range stages {
		names = append(names, s.Name)
	}
	assert.Equal(t, Order, names)

	arts, err := runChain(t, stages, videoSettings())
	require.NoError(t, err)

	assert.Equal(t, "http://renderq/files/job1.mp4", arts[KeyResult])
	assert.Equal(t, "job1.mp4", arts[KeyResultKey])
	assert.Equal(t, "job1_thumb.jpg", arts[KeyThumbnailKey])
	assert.Equal(t, filepath.Join(work, "subtitled.mp4"), arts["render"])
	assert.Equal(t, "3.5", arts["audio.gain.0"])
	assert.Equal(t, filepath.Join(work, "inputs", "input.slide.1.jpg"), arts["input.slide.1"])
	assert.Len(t, media.fetched, 4)
	assert.FileExists(t, filepath.Join(sink.Dir(), "job1.mp4"))
	assert.FileExists(t, filepath.Join(sink.Dir(), "job1_thumb.jpg"))

	// analyze, transcode, thumbnail, watermark, subtitles
	require.Len(t, media.calls, 5)
	assert.Contains(t, strings.Join(media.calls[1], " "), "-c:v libx264")
	assert.Contains(t, strings.Join(media.calls[3], " "), "drawtext=text='Draft\\: v1'")
	assert.Contains(t, strings.Join(media.calls[4], " "), "language=por")
	assert.True(t, arts.Available())
}

func TestRenderer_AudioAndImage(t *testing.T) {
	sink, err := artifact.NewLocalSink(t.TempDir(), "")
	require.NoError(t, err)

	t.Run("audio normalises and skips video stages", func(t *testing.T) {
		media := &fakeMedia{}
		s := job.Settings{Type: job.TypeAudio, Audio: &job.AudioSettings{
			Tracks:    []job.AudioTrack{{URL: "/srv/a.wav"}, {URL: "/srv/b.wav", Volume: 0.5}},
			Format:    "mp3",
			Bitrate:   192,
			Normalize: true,
		}}
		arts, err := runChain(t, NewRenderer(media, sink).Build("aud", t.TempDir()), s)
		require.NoError(t, err)
		assert.Equal(t, "/files/aud.mp3", arts[KeyResult])

		require.Len(t, media.calls, 3, "two analyses and one transcode")
		transcode := strings.Join(media.calls[2], " ")
		assert.Contains(t, transcode, "[1:a]volume=0.5,volume=3.5dB[a1]")
		assert.Contains(t, transcode, "amix=inputs=2")
		assert.Contains(t, transcode, "-c:a libmp3lame -b:a 192k")
	})

	t.Run("image watermark without thumbnail", func(t *testing.T) {
		media := &fakeMedia{}
		s := job.Settings{Type: job.TypeImage, Image: &job.ImageSettings{
			Source:    "https://x/photo.jpg",
			Format:    "webp",
			Width:     640,
			Watermark: &job.Watermark{Enabled: true, Text: "100%"},
		}}
		arts, err := runChain(t, NewRenderer(media, sink).Build("img", t.TempDir()), s)
		require.NoError(t, err)
		assert.Equal(t, "img.webp", arts[KeyResultKey])
		assert.Empty(t, arts[KeyThumbnailKey])
		require.Len(t, media.calls, 2)
		assert.Contains(t, media.calls[0], "scale=640:-1")
	})
}

func TestValidateInputs_Errors(t *testing.T) {
	sink, err := artifact.NewLocalSink(t.TempDir(), "")
	require.NoError(t, err)

	t.Run("webm requires vp9 or av1", func(t *testing.T) {
		media := &fakeMedia{}
		s := videoSettings()
		s.Video.Format = "webm"
		_, err := runChain(t, NewRenderer(media, sink).Build("j", t.TempDir()), s)
		var se *job.StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, job.Permanent, se.Category)
		assert.Equal(t, StageValidateInputs, se.Stage)
		assert.Empty(t, media.fetched)
	})

	cases := []struct {
		name string
		err  error
		want job.Category
	}{
		{"not found", &ffmpeg.HTTPStatusError{URL: "u", StatusCode: http.StatusNotFound}, job.Permanent},
		{"rate limited upstream", &ffmpeg.HTTPStatusError{URL: "u", StatusCode: http.StatusTooManyRequests}, job.Transient},
		{"server error", &ffmpeg.HTTPStatusError{URL: "u", StatusCode: http.StatusBadGateway}, job.Transient},
		{"too large", ffmpeg.ErrInputTooLarge, job.Permanent},
		{"outside input root", ffmpeg.ErrInputNotAllowed, job.Permanent},
		{"missing local file", os.ErrNotExist, job.Permanent},
		{"network", errors.New("connection reset"), job.Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			media := &fakeMedia{fetchErr: func(string) error { return tc.err }}
			_, err := runChain(t, NewRenderer(media, sink).Build("j", t.TempDir()), videoSettings())
			var se *job.StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.want, se.Category)
			assert.Equal(t, StageValidateInputs, se.Stage)
		})
	}
}

func TestAnalyzeAudio_NoStream(t *testing.T) {
	sink, err := artifact.NewLocalSink(t.TempDir(), "")
	require.NoError(t, err)
	s := job.Settings{Type: job.TypeAudio, Audio: &job.AudioSettings{Tracks: []job.AudioTrack{{URL: "/a.mp3"}}, Format: "aac"}}
	in := Artifacts{"input.audio.0": "/w/a.mp3"}

	stages := NewRenderer(silentMedia{&fakeMedia{}}, sink).Build("j", t.TempDir())
	_, err = stages[1].Run(context.Background(), s, in)
	var se *job.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, job.Permanent, se.Category)
}

// silentMedia reports no audio stream.
type silentMedia struct{ *fakeMedia }

func (m silentMedia) Run(ctx context.Context, args []string) (string, error) {
	return "Output #0, null", nil
}

func TestTranscode_MissingArtifactIsTransient(t *testing.T) {
	sink, err := artifact.NewLocalSink(t.TempDir(), "")
	require.NoError(t, err)
	stages := NewRenderer(&fakeMedia{}, sink).Build("j", t.TempDir())

	_, err = stages[2].Run(context.Background(), videoSettings(), Artifacts{})
	var se *job.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, job.Transient, se.Category)
}

func TestArtifacts(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(present, nil, 0644))

	a := Artifacts{"render": present, "audio.gain.0": "-3", KeyResult: "http://x/y"}
	assert.True(t, a.Available())

	b := a.Merge(Artifacts{"render": filepath.Join(dir, "gone.mp4")})
	assert.False(t, b.Available())
	assert.Equal(t, present, a["render"], "merge does not mutate the receiver")
}

func TestPercent(t *testing.T) {
	total := len(Order)
	var got []int
	for i := 0; i < total; i++ {
		got = append(got, Percent(i, total))
	}
	assert.Equal(t, []int{14, 28, 42, 57, 71, 85, 100}, got)
	assert.Equal(t, 100, Percent(0, 0))
}
