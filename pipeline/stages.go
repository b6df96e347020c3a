package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"

	"renderq/artifact"
	"renderq/ffmpeg"
	"renderq/job"
)

// artifact names
const (
	keyRender       = "render"
	keyThumbnail    = "thumbnail"
	KeyResult       = "result"
	KeyResultKey    = "result_key"
	KeyThumbnailKey = "thumbnail_key"
)

func slideKey(i int) string   { return fmt.Sprintf("input.slide.%d", i) }
func trackKey(i int) string   { return fmt.Sprintf("input.audio.%d", i) }
func overlayKey(i int) string { return fmt.Sprintf("input.overlay.%d", i) }
func gainKey(i int) string    { return fmt.Sprintf("audio.gain.%d", i) }

const (
	keySource    = "input.source"
	keySubtitles = "input.subtitles"
)

type env struct {
	jobID   string
	workDir string
	media   Media
	sink    artifact.Sink
}

type input struct {
	key string
	src string
}

func tracks(s job.Settings) []job.AudioTrack {
	if s.Type == job.TypeAudio && s.Audio != nil {
		return s.Audio.Tracks
	}
	if v := s.VideoSpec(); v != nil {
		return v.Audio
	}
	return nil
}

func inputs(s job.Settings) []input {
	var out []input
	if v := s.VideoSpec(); v != nil {
		for i, sl := range v.Slides {
			out = append(out, input{slideKey(i), sl.ImageURL})
		}
		if v.Subtitles != nil {
			out = append(out, input{keySubtitles, v.Subtitles.URL})
		}
	}
	for i, t := range tracks(s) {
		out = append(out, input{trackKey(i), t.URL})
	}
	if s.Type == job.TypeComposite && s.Composite != nil {
		for i, o := range s.Composite.Overlays {
			out = append(out, input{overlayKey(i), o.ImageURL})
		}
	}
	if s.Type == job.TypeImage && s.Image != nil {
		out = append(out, input{keySource, s.Image.Source})
	}
	return out
}

func extension(src string) string {
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		return filepath.Ext(u.Path)
	}
	return filepath.Ext(src)
}

// classifyFetch decides whether a failed download can succeed later.
func classifyFetch(src string, err error) error {
	var statusErr *ffmpeg.HTTPStatusError
	switch {
	case errors.Is(err, ffmpeg.ErrInputTooLarge), errors.Is(err, ffmpeg.ErrInputNotAllowed), errors.Is(err, fs.ErrNotExist):
		return job.Permanentf("fetch %s: %w", src, err)
	case errors.As(err, &statusErr):
		code := statusErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return job.PermanentError(err)
		}
	}
	return job.Transientf("fetch %s: %w", src, err)
}

func (e *env) validateInputs(ctx context.Context, s job.Settings, in Artifacts) (Artifacts, error) {
	if err := CheckCompatibility(s); err != nil {
		return nil, err
	}
	dir := filepath.Join(e.workDir, "inputs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create input directory: %w", err)
	}

	out := Artifacts{}
	for _, item := range inputs(s) {
		dst := filepath.Join(dir, item.key+extension(item.src))
		if err := e.media.Fetch(ctx, item.src, dst); err != nil {
			return nil, classifyFetch(item.src, err)
		}
		out[item.key] = dst
	}
	log.Debug().Str("job_id", e.jobID).Int("inputs", len(out)).Msg("inputs fetched")
	return out, nil
}

var maxVolumeRe = regexp.MustCompile(`max_volume:\s*(-?[0-9.]+) dB`)

// ParseMaxVolume extracts the peak level from volumedetect output.
func ParseMaxVolume(output string) (float64, bool) {
	m := maxVolumeRe.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

// analyzeAudio records, per track, the gain that brings its peak to -1 dB.
func (e *env) analyzeAudio(ctx context.Context, s job.Settings, in Artifacts) (Artifacts, error) {
	out := Artifacts{}
	for i := range tracks(s) {
		path, err := need(in, trackKey(i))
		if err != nil {
			return nil, err
		}
		output, err := e.media.Run(ctx, AnalyzeArgs(path))
		if err != nil {
			return nil, err
		}
		peak, ok := ParseMaxVolume(output)
		if !ok {
			return nil, job.Permanentf("audio track %d has no measurable audio stream", i)
		}
		out[gainKey(i)] = seconds(-1 - peak)
	}
	return out, nil
}

func gains(in Artifacts, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if v, err := strconv.ParseFloat(in[gainKey(i)], 64); err == nil {
			out[i] = v
		}
	}
	return out
}

func collect(in Artifacts, n int, key func(int) string) ([]string, error) {
	out := make([]string, n)
	for i := range out {
		p, err := need(in, key(i))
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func need(in Artifacts, key string) (string, error) {
	v, ok := in[key]
	if !ok || v == "" {
		return "", job.Transientf("missing artifact %s", key)
	}
	return v, nil
}

func (e *env) output(name, format string) string {
	return filepath.Join(e.workDir, name+"."+format)
}

func (e *env) transcode(ctx context.Context, s job.Settings, in Artifacts) (Artifacts, error) {
	output := e.output("render", s.OutputFormat())
	var args []string

	switch s.Type {
	case job.TypeVideo, job.TypeComposite:
		v := s.VideoSpec()
		slides, err := collect(in, len(v.Slides), slideKey)
		if err != nil {
			return nil, err
		}
		audio, err := collect(in, len(v.Audio), trackKey)
		if err != nil {
			return nil, err
		}
		var overlays []job.Overlay
		if s.Type == job.TypeComposite {
			overlays = s.Composite.Overlays
		}
		overlayInputs, err := collect(in, len(overlays), overlayKey)
		if err != nil {
			return nil, err
		}
		args, err = VideoArgs(v, overlays, slides, audio, overlayInputs, output)
		if err != nil {
			return nil, job.PermanentError(err)
		}
	case job.TypeAudio:
		audio, err := collect(in, len(s.Audio.Tracks), trackKey)
		if err != nil {
			return nil, err
		}
		var g []float64
		if s.Audio.Normalize {
			g = gains(in, len(s.Audio.Tracks))
		}
		args, err = AudioArgs(s.Audio, audio, g, output)
		if err != nil {
			return nil, job.PermanentError(err)
		}
	case job.TypeImage:
		src, err := need(in, keySource)
		if err != nil {
			return nil, err
		}
		args = ImageArgs(s.Image, src, output)
	default:
		return nil, job.Permanentf("unsupported job type %q", s.Type)
	}

	if _, err := e.media.Run(ctx, args); err != nil {
		return nil, err
	}
	return Artifacts{keyRender: output}, nil
}

func (e *env) generateThumbnail(ctx context.Context, s job.Settings, in Artifacts) (Artifacts, error) {
	if s.VideoSpec() == nil {
		return nil, nil
	}
	render, err := need(in, keyRender)
	if err != nil {
		return nil, err
	}
	output := e.output("thumbnail", "jpg")
	if _, err := e.media.Run(ctx, ThumbnailArgs(render, output)); err != nil {
		return nil, err
	}
	return Artifacts{keyThumbnail: output}, nil
}

func watermark(s job.Settings) (*job.Watermark, string) {
	if v := s.VideoSpec(); v != nil {
		return v.Watermark, v.Codec
	}
	if s.Type == job.TypeImage && s.Image != nil {
		return s.Image.Watermark, ""
	}
	return nil, ""
}

func (e *env) applyWatermark(ctx context.Context, s job.Settings, in Artifacts) (Artifacts, error) {
	wm, codec := watermark(s)
	if wm == nil || !wm.Enabled {
		return nil, nil
	}
	render, err := need(in, keyRender)
	if err != nil {
		return nil, err
	}
	output := e.output("watermarked", s.OutputFormat())
	if _, err := e.media.Run(ctx, WatermarkArgs(wm, codec, render, output)); err != nil {
		return nil, err
	}
	return Artifacts{keyRender: output}, nil
}

func (e *env) embedSubtitles(ctx context.Context, s job.Settings, in Artifacts) (Artifacts, error) {
	v := s.VideoSpec()
	if v == nil || v.Subtitles == nil {
		return nil, nil
	}
	render, err := need(in, keyRender)
	if err != nil {
		return nil, err
	}
	subs, err := need(in, keySubtitles)
	if err != nil {
		return nil, err
	}
	output := e.output("subtitled", v.Format)
	if _, err := e.media.Run(ctx, SubtitleArgs(v.Subtitles, v.Format, render, subs, output)); err != nil {
		return nil, err
	}
	return Artifacts{keyRender: output}, nil
}

func (e *env) upload(ctx context.Context, path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", job.Transientf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	u, err := e.sink.Upload(ctx, f, key)
	if errors.Is(err, artifact.ErrInvalidKey) {
		return "", job.PermanentError(err)
	}
	return u, err
}

func (e *env) uploadArtifact(ctx context.Context, s job.Settings, in Artifacts) (Artifacts, error) {
	render, err := need(in, keyRender)
	if err != nil {
		return nil, err
	}
	key := e.jobID + "." + s.OutputFormat()
	u, err := e.upload(ctx, render, key)
	if err != nil {
		return nil, err
	}
	out := Artifacts{KeyResult: u, KeyResultKey: key}

	if thumb, ok := in[keyThumbnail]; ok {
		thumbKey := e.jobID + "_thumb.jpg"
		if _, err := e.upload(ctx, thumb, thumbKey); err != nil {
			return nil, err
		}
		out[KeyThumbnailKey] = thumbKey
	}
	return out, nil
}
