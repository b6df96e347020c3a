package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"renderq/ffmpeg"
	"renderq/job"
)

var videoCodecs = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"vp9":  "libvpx-vp9",
	"av1":  "libaom-av1",
}

var audioCodecs = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"wav":  "pcm_s16le",
	"mp4":  "aac",
	"mov":  "aac",
	"webm": "libopus",
}

// VideoEncoder maps a codec name to its ffmpeg encoder.
func VideoEncoder(codec string) string {
	if enc, ok := videoCodecs[codec]; ok {
		return enc
	}
	return "libx264"
}

// AudioEncoder maps an output format to its ffmpeg audio encoder.
func AudioEncoder(format string) string {
	if enc, ok := audioCodecs[format]; ok {
		return enc
	}
	return "aac"
}

// CheckCompatibility rejects settings no retry can fix.
func CheckCompatibility(s job.Settings) error {
	v := s.VideoSpec()
	if v == nil {
		return nil
	}
	if v.Format == "webm" && v.Codec != "vp9" && v.Codec != "av1" {
		return job.Permanentf("format webm requires codec vp9 or av1, got %s", v.Codec)
	}
	if _, err := ffmpeg.ParseExtraArgs(v.ExtraArgs); err != nil {
		return job.Permanentf("extraArgs: %v", err)
	}
	if s.Type == job.TypeComposite {
		total := v.TotalSeconds()
		for i, o := range s.Composite.Overlays {
			if o.StartSeconds >= total {
				return job.Permanentf("overlay %d starts at %ss, after the video ends at %ss", i, seconds(o.StartSeconds), seconds(total))
			}
		}
	}
	return nil
}

func seconds(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func trackVolume(t job.AudioTrack) float64 {
	if t.Volume == 0 {
		return 1
	}
	return t.Volume
}

// mixAudio appends volume and amix filters for tracks starting at input
// index first and returns the label of the mixed stream.
func mixAudio(filters []string, first int, tracks []job.AudioTrack, gains []float64) ([]string, string) {
	labels := make([]string, len(tracks))
	for i, t := range tracks {
		f := fmt.Sprintf("[%d:a]volume=%s", first+i, seconds(trackVolume(t)))
		if i < len(gains) && gains[i] != 0 {
			f += fmt.Sprintf(",volume=%sdB", seconds(gains[i]))
		}
		labels[i] = fmt.Sprintf("a%d", i)
		filters = append(filters, f+"["+labels[i]+"]")
	}
	if len(labels) == 1 {
		return filters, labels[0]
	}
	mix := ""
	for _, l := range labels {
		mix += "[" + l + "]"
	}
	filters = append(filters, fmt.Sprintf("%samix=inputs=%d:duration=longest[aout]", mix, len(labels)))
	return filters, "aout"
}

// VideoArgs renders slides, mixed audio tracks and timed overlays into one
// video file.
func VideoArgs(v *job.VideoSettings, overlays []job.Overlay, slides, tracks, overlayInputs []string, output string) ([]string, error) {
	if len(slides) != len(v.Slides) || len(tracks) != len(v.Audio) || len(overlayInputs) != len(overlays) {
		return nil, fmt.Errorf("input count mismatch")
	}
	extra, err := ffmpeg.ParseExtraArgs(v.ExtraArgs)
	if err != nil {
		return nil, err
	}

	w, h := job.Dimensions(v.Resolution)
	bg := "black"
	if v.BackgroundColor != "" {
		bg = "0x" + strings.TrimPrefix(v.BackgroundColor, "#")
	}

	args := []string{"-y", "-hide_banner"}
	for i, s := range v.Slides {
		args = append(args, "-loop", "1", "-t", seconds(s.DurationSeconds), "-i", slides[i])
	}
	for _, t := range tracks {
		args = append(args, "-i", t)
	}
	for _, o := range overlayInputs {
		args = append(args, "-i", o)
	}

	var filters []string
	concat := ""
	for i := range v.Slides {
		filters = append(filters, fmt.Sprintf(
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=%s,setsar=1,fps=%d[s%d]",
			i, w, h, w, h, bg, v.FPS, i))
		concat += fmt.Sprintf("[s%d]", i)
	}
	filters = append(filters, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[base]", concat, len(v.Slides)))

	video := "base"
	for k, o := range overlays {
		idx := len(slides) + len(tracks) + k
		next := fmt.Sprintf("o%d", k)
		filters = append(filters, fmt.Sprintf("[%s][%d:v]overlay=%d:%d:enable='between(t,%s,%s)'[%s]",
			video, idx, o.X, o.Y, seconds(o.StartSeconds), seconds(o.EndSeconds), next))
		video = next
	}

	audio := ""
	if len(tracks) > 0 {
		filters, audio = mixAudio(filters, len(slides), v.Audio, nil)
	}

	args = append(args, "-filter_complex", strings.Join(filters, ";"), "-map", "["+video+"]")
	if audio != "" {
		args = append(args, "-map", "["+audio+"]", "-c:a", AudioEncoder(v.Format))
	}
	args = append(args,
		"-c:v", VideoEncoder(v.Codec),
		"-b:v", fmt.Sprintf("%dk", v.VideoBitrate()),
		"-r", strconv.Itoa(v.FPS),
		"-pix_fmt", "yuv420p",
	)
	args = append(args, extra...)
	args = append(args, "-t", seconds(v.TotalSeconds()), output)
	return args, nil
}

// AudioArgs mixes the tracks into one file, applying normalisation gains.
func AudioArgs(a *job.AudioSettings, tracks []string, gains []float64, output string) ([]string, error) {
	if len(tracks) != len(a.Tracks) {
		return nil, fmt.Errorf("input count mismatch")
	}
	args := []string{"-y", "-hide_banner"}
	for _, t := range tracks {
		args = append(args, "-i", t)
	}
	filters, label := mixAudio(nil, 0, a.Tracks, gains)
	args = append(args, "-filter_complex", strings.Join(filters, ";"), "-map", "["+label+"]", "-c:a", AudioEncoder(a.Format))
	if a.Bitrate > 0 && a.Format != "wav" {
		args = append(args, "-b:a", fmt.Sprintf("%dk", a.Bitrate))
	}
	return append(args, output), nil
}

// ImageArgs converts and optionally resizes a still image.
func ImageArgs(im *job.ImageSettings, source, output string) []string {
	args := []string{"-y", "-hide_banner", "-i", source}
	if im.Width > 0 || im.Height > 0 {
		w, h := -1, -1
		if im.Width > 0 {
			w = im.Width
		}
		if im.Height > 0 {
			h = im.Height
		}
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", w, h))
	}
	return append(args, "-frames:v", "1", output)
}

// AnalyzeArgs measures the loudness of one input.
func AnalyzeArgs(input string) []string {
	return []string{"-hide_banner", "-nostats", "-i", input, "-af", "volumedetect", "-vn", "-f", "null", "-"}
}

// ThumbnailArgs grabs the first frame scaled to 320px wide.
func ThumbnailArgs(input, output string) []string {
	return []string{"-y", "-hide_banner", "-ss", "0", "-i", input, "-frames:v", "1", "-vf", "scale=320:-1", output}
}

var drawtextEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)

// Drawtext builds the drawtext filter for a watermark.
func Drawtext(wm *job.Watermark) string {
	opacity := wm.Opacity
	if opacity == 0 {
		opacity = 0.5
	}
	var x, y string
	switch wm.Position {
	case "top-left":
		x, y = "10", "10"
	case "top-right":
		x, y = "w-tw-10", "10"
	case "bottom-left":
		x, y = "10", "h-th-10"
	default:
		x, y = "w-tw-10", "h-th-10"
	}
	return fmt.Sprintf("drawtext=text='%s':fontcolor=white@%s:fontsize=24:x=%s:y=%s",
		drawtextEscaper.Replace(wm.Text), seconds(opacity), x, y)
}

// WatermarkArgs burns wm into input. videoCodec is empty for stills.
func WatermarkArgs(wm *job.Watermark, videoCodec, input, output string) []string {
	args := []string{"-y", "-hide_banner", "-i", input, "-vf", Drawtext(wm)}
	if videoCodec != "" {
		args = append(args, "-c:v", VideoEncoder(videoCodec), "-c:a", "copy")
	}
	return append(args, output)
}

// SubtitleArgs muxes a subtitle track into input without re-encoding.
func SubtitleArgs(sub *job.Subtitles, format, input, subtitles, output string) []string {
	codec := "mov_text"
	if format == "webm" {
		codec = "webvtt"
	}
	args := []string{"-y", "-hide_banner", "-i", input, "-i", subtitles, "-map", "0", "-map", "1", "-c", "copy", "-c:s", codec}
	if sub.Language != "" {
		args = append(args, "-metadata:s:s:0", "language="+sub.Language)
	}
	return append(args, output)
}
