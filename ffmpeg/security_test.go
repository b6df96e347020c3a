package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommand(t *testing.T) {
	cmd := `-preset slow -vf "scale=1280:-1" -tune film`
	expected := []string{"-preset", "slow", "-vf", "scale=1280:-1", "-tune", "film"}

	args, err := SplitCommand(cmd)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)

	_, err = SplitCommand(`-vf "unterminated`)
	assert.Error(t, err)
}

func TestSanitizeArgs(t *testing.T) {
	t.Run("Valid encoder tuning", func(t *testing.T) {
		args, _ := SplitCommand(`-preset veryfast -crf 23 -movflags +faststart`)
		assert.NoError(t, SanitizeArgs(args))
	})

	t.Run("Extra input", func(t *testing.T) {
		args, _ := SplitCommand(`-i other.mp4`)
		err := SanitizeArgs(args)
		assert.ErrorContains(t, err, "option not allowed: -i")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitCommand(`-crf 23; ls`)
		err := SanitizeArgs(args)
		assert.ErrorContains(t, err, "disallowed character found in argument: 23;")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitCommand(`-vf "crop=$(($RANDOM))"`)
		err := SanitizeArgs(args)
		assert.ErrorContains(t, err, "disallowed character found in argument: crop=$(($RANDOM))")
	})

	t.Run("File references", func(t *testing.T) {
		for _, cmd := range []string{`-metadata /etc/passwd`, `-vf movie=http://evil/x.png`, `-x ../../secret`} {
			args, _ := SplitCommand(cmd)
			assert.ErrorContains(t, SanitizeArgs(args), "not allowed", cmd)
		}
	})
}

func TestParseExtraArgs(t *testing.T) {
	args, err := ParseExtraArgs("   ")
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = ParseExtraArgs("-preset slow")
	require.NoError(t, err)
	assert.Equal(t, []string{"-preset", "slow"}, args)

	_, err = ParseExtraArgs("-report")
	assert.Error(t, err)
}

func TestWithinRoot(t *testing.T) {
	assert.True(t, WithinRoot("/srv/media", "/srv/media/a.png"))
	assert.True(t, WithinRoot("/srv/media/", "/srv/media/clips/b.mp4"))
	assert.False(t, WithinRoot("/srv/media", "/srv/media"))
	assert.False(t, WithinRoot("/srv/media", "/srv/media/../secret"))
	assert.False(t, WithinRoot("/srv/media", "/srv/media-other/a.png"))
	assert.False(t, WithinRoot("/srv/media", "/etc/passwd"))
	assert.False(t, WithinRoot("/srv/media", "relative/a.png"))
	assert.False(t, WithinRoot("", "/srv/media/a.png"))
}
