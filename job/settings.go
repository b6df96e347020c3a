package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Type selects the settings variant and the behaviour of each stage.
type Type string

const (
	TypeVideo     Type = "video"
	TypeAudio     Type = "audio"
	TypeImage     Type = "image"
	TypeComposite Type = "composite"
)

// Settings is a tagged variant: exactly the member named by Type is used.
// It is validated once at admission and passed unchanged to every stage.
type Settings struct {
	Type      Type               `json:"type" validate:"required,oneof=video audio image composite"`
	Video     *VideoSettings     `json:"video,omitempty" validate:"required_if=Type video"`
	Audio     *AudioSettings     `json:"audio,omitempty" validate:"required_if=Type audio"`
	Image     *ImageSettings     `json:"image,omitempty" validate:"required_if=Type image"`
	Composite *CompositeSettings `json:"composite,omitempty" validate:"required_if=Type composite"`
}

type VideoSettings struct {
	Resolution      string       `json:"resolution" validate:"required,oneof=720p 1080p 4k"`
	FPS             int          `json:"fps" validate:"required,oneof=24 30 60"`
	Codec           string       `json:"codec" validate:"required,oneof=h264 h265 vp9 av1"`
	Format          string       `json:"format" validate:"required,oneof=mp4 webm mov"`
	Quality         string       `json:"quality,omitempty" validate:"omitempty,oneof=draft good best"`
	Bitrate         int          `json:"bitrate,omitempty" validate:"omitempty,min=100,max=100000"`
	BackgroundColor string       `json:"backgroundColor,omitempty" validate:"omitempty,hexcolor"`
	Slides          []Slide      `json:"slides" validate:"required,min=1,max=500,dive"`
	Audio           []AudioTrack `json:"audio,omitempty" validate:"omitempty,max=16,dive"`
	Watermark       *Watermark   `json:"watermark,omitempty"`
	Subtitles       *Subtitles   `json:"subtitles,omitempty"`
	ExtraArgs       string       `json:"extraArgs,omitempty" validate:"omitempty,max=512,ffargs"`
}

type Slide struct {
	ImageURL        string  `json:"imageUrl" validate:"required,media"`
	DurationSeconds float64 `json:"durationSeconds" validate:"required,gt=0,lte=600"`
}

type AudioTrack struct {
	URL    string  `json:"url" validate:"required,media"`
	Volume float64 `json:"volume,omitempty" validate:"omitempty,gte=0,lte=2"`
}

type Watermark struct {
	Enabled  bool    `json:"enabled"`
	Text     string  `json:"text,omitempty" validate:"required_if=Enabled true,max=120"`
	Position string  `json:"position,omitempty" validate:"omitempty,oneof=top-left top-right bottom-left bottom-right"`
	Opacity  float64 `json:"opacity,omitempty" validate:"gte=0,lte=1"`
}

type Subtitles struct {
	URL      string `json:"url" validate:"required,media"`
	Language string `json:"language,omitempty" validate:"omitempty,min=2,max=8"`
}

type AudioSettings struct {
	Tracks    []AudioTrack `json:"tracks" validate:"required,min=1,max=16,dive"`
	Format    string       `json:"format" validate:"required,oneof=mp3 aac wav"`
	Bitrate   int          `json:"bitrate,omitempty" validate:"omitempty,min=32,max=512"`
	Normalize bool         `json:"normalize,omitempty"`
}

type ImageSettings struct {
	Source    string     `json:"source" validate:"required,media"`
	Format    string     `json:"format" validate:"required,oneof=png jpg webp"`
	Width     int        `json:"width,omitempty" validate:"omitempty,min=16,max=7680"`
	Height    int        `json:"height,omitempty" validate:"omitempty,min=16,max=4320"`
	Watermark *Watermark `json:"watermark,omitempty"`
}

type CompositeSettings struct {
	Video    VideoSettings `json:"video"`
	Overlays []Overlay     `json:"overlays" validate:"required,min=1,max=32,dive"`
}

type Overlay struct {
	ImageURL     string  `json:"imageUrl" validate:"required,media"`
	X            int     `json:"x" validate:"gte=0"`
	Y            int     `json:"y" validate:"gte=0"`
	StartSeconds float64 `json:"startSeconds" validate:"gte=0"`
	EndSeconds   float64 `json:"endSeconds" validate:"gtfield=StartSeconds"`
}

// VideoSpec returns the video settings for video and composite jobs.
func (s Settings) VideoSpec() *VideoSettings {
	switch s.Type {
	case TypeVideo:
		return s.Video
	case TypeComposite:
		if s.Composite != nil {
			return &s.Composite.Video
		}
	}
	return nil
}

// OutputFormat is the container/file extension of the final artifact.
func (s Settings) OutputFormat() string {
	switch s.Type {
	case TypeAudio:
		if s.Audio != nil {
			return s.Audio.Format
		}
	case TypeImage:
		if s.Image != nil {
			return s.Image.Format
		}
	default:
		if v := s.VideoSpec(); v != nil {
			return v.Format
		}
	}
	return "bin"
}

// Dimensions maps a resolution name to pixel width and height.
func Dimensions(resolution string) (int, int) {
	switch resolution {
	case "4k":
		return 3840, 2160
	case "1080p":
		return 1920, 1080
	default:
		return 1280, 720
	}
}

var defaultBitrates = map[string]map[string]int{
	"720p":  {"draft": 1500, "good": 2500, "best": 4000},
	"1080p": {"draft": 3000, "good": 5000, "best": 8000},
	"4k":    {"draft": 10000, "good": 15000, "best": 25000},
}

// VideoBitrate returns the requested bitrate in kbps, or the default for the
// resolution and quality.
func (v *VideoSettings) VideoBitrate() int {
	if v.Bitrate > 0 {
		return v.Bitrate
	}
	quality := v.Quality
	if quality == "" {
		quality = "good"
	}
	if b, ok := defaultBitrates[v.Resolution][quality]; ok {
		return b
	}
	return 2500
}

// named priorities accepted in addition to plain integers
var namedPriorities = map[string]int{
	"low":    1,
	"normal": 5,
	"high":   10,
	"urgent": 20,
}

const (
	MinPriority = 0
	MaxPriority = 100
)

// ParsePriority accepts an integer or one of low, normal, high, urgent.
func ParsePriority(v string) (int, error) {
	if p, ok := namedPriorities[strings.ToLower(strings.TrimSpace(v))]; ok {
		return p, nil
	}
	p, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", v)
	}
	return p, nil
}

// DecodeSettings unmarshals the variant payload named by t.
func DecodeSettings(t Type, raw []byte) (Settings, error) {
	s := Settings{Type: t}
	var target any
	switch t {
	case TypeVideo:
		s.Video = &VideoSettings{}
		target = s.Video
	case TypeAudio:
		s.Audio = &AudioSettings{}
		target = s.Audio
	case TypeImage:
		s.Image = &ImageSettings{}
		target = s.Image
	case TypeComposite:
		s.Composite = &CompositeSettings{}
		target = s.Composite
	default:
		return s, &ValidationError{Fields: []FieldError{{
			Field: "type", Rule: "oneof", Message: "type must be one of video, audio, image, composite",
		}}}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return s, &ValidationError{Fields: []FieldError{{
			Field: "settings", Rule: "required", Message: "settings is required",
		}}}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return s, &ValidationError{Fields: []FieldError{{
			Field: "settings", Rule: "json", Message: err.Error(),
		}}}
	}
	return s, nil
}

// TotalSeconds is the summed duration of all slides.
func (v *VideoSettings) TotalSeconds() float64 {
	var total float64
	for _, s := range v.Slides {
		total += s.DurationSeconds
	}
	return total
}
