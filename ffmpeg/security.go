package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// options that read or write files other than the job's own input and output
var deniedOptions = map[string]bool{
	"-i":                     true,
	"-y":                     true,
	"-filter_script":         true,
	"-filter_complex_script": true,
	"-dump_attachment":       true,
	"-attach":                true,
	"-progress":              true,
	"-report":                true,
	"-vstats_file":           true,
	"-passlogfile":           true,
	"-stats_enc_pre":         true,
	"-stats_enc_post":        true,
	"-stats_mux_pre":         true,
}

// SanitizeArgs checks user supplied extra encoder arguments. They may tune the
// encoder but never name files, URLs or shell syntax.
func SanitizeArgs(args []string) error {
	for _, arg := range args {
		if deniedOptions[arg] {
			return fmt.Errorf("option not allowed: %s", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if strings.Contains(arg, "://") || strings.HasPrefix(arg, "/") || strings.Contains(arg, "..") {
			return fmt.Errorf("file or URL references are not allowed: %s", arg)
		}
	}
	return nil
}

// ParseExtraArgs splits and sanitises an extraArgs string.
func ParseExtraArgs(extra string) ([]string, error) {
	if strings.TrimSpace(extra) == "" {
		return nil, nil
	}
	args, err := SplitCommand(extra)
	if err != nil {
		return nil, err
	}
	if err := SanitizeArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// WithinRoot reports whether the absolute path p lies inside root. An empty
// root allows nothing.
func WithinRoot(root, p string) bool {
	if root == "" || !filepath.IsAbs(p) {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}
