// Package naming maps raw torrent file names to canonical episode names.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTemplate is the canonical episode name used when none is configured.
const DefaultTemplate = "{title} - S{season:02}E{episode:02}"

// seasonPattern matches the season/episode marker of a canonical name.
var seasonPattern = regexp.MustCompile(`S(\d+)E(\d+(\.5)?)`)

// languagePattern matches subtitle language suffixes such as "chs", "sc" or "zh-CN".
var languagePattern = regexp.MustCompile(`^[A-Za-z]{2,8}([-_][A-Za-z0-9]{2,8})*$`)

// formatPattern matches {name} or {name:02} style placeholders.
var formatPattern = regexp.MustCompile(`\{(\w+)(?::(\d+))?\}`)

//nolint:gochecknoglobals // lookup tables
var (
	videoExtensions = map[string]bool{
		"mp4": true, "mkv": true, "avi": true, "wmv": true, "flv": true,
		"mov": true, "webm": true, "ts": true, "m2ts": true, "rmvb": true,
	}
	subtitleExtensions = map[string]bool{
		"ass": true, "ssa": true, "srt": true, "vtt": true, "sub": true,
		"sup": true, "idx": true,
	}
)

// IsEpisodeName reports whether name carries a season/episode marker.
// Names without one (movies, specials) are never renamed.
func IsEpisodeName(name string) bool {
	return name != "" && seasonPattern.MatchString(name)
}

// Ext returns the lower-cased extension of name without the leading dot.
func Ext(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// IsVideo reports whether name has a known video extension.
func IsVideo(name string) bool {
	return videoExtensions[Ext(name)]
}

// IsSubtitle reports whether name has a known subtitle extension.
func IsSubtitle(name string) bool {
	return subtitleExtensions[Ext(name)]
}

// IsMedia reports whether name is a video or subtitle file.
func IsMedia(name string) bool {
	return IsVideo(name) || IsSubtitle(name)
}

// Target computes the renamed path of fileName for the canonical episode name.
// The parent directory inside the torrent is kept, the extension is kept and
// subtitle language suffixes ("Foo.chs.ass") survive the rename.
func Target(fileName, canonical string) string {
	ext := path.Ext(fileName)
	if ext == "" || canonical == "" {
		return fileName
	}

	newName := SanitizeFilename(canonical)
	if IsSubtitle(fileName) {
		base := strings.TrimSuffix(path.Base(fileName), ext)
		if lang := strings.TrimPrefix(path.Ext(base), "."); lang != "" && languagePattern.MatchString(lang) {
			newName += "." + lang
		}
	}
	newName += ext

	if dir := path.Dir(fileName); dir != "." && dir != "/" {
		return dir + "/" + newName
	}
	return newName
}

// Action is the outcome planned for one file of a torrent.
type Action int

const (
	// Keep leaves the file as is: its target already exists in the torrent.
	Keep Action = iota
	// Rename moves the file to its canonical name.
	Rename
	// Exclude stops downloading the file; an earlier file claimed its target.
	Exclude
)

// Step is the planned action for a single file.
type Step struct {
	Source string
	Target string
	Action Action
}

// Plan resolves the canonical targets of names, which must be ordered by
// preference (largest first). A file whose target is already present among
// names is kept. A file whose target was claimed by an earlier file is
// excluded. Running Plan on its own output yields only Keep steps.
func Plan(names []string, canonical string) []Step {
	existing := make(map[string]bool, len(names))
	for _, name := range names {
		existing[name] = true
	}

	steps := make([]Step, len(names))
	claimed := make(map[string]bool, len(names))

	for i, name := range names {
		target := Target(name, canonical)
		steps[i] = Step{Source: name, Target: target}

		switch {
		case existing[target]:
			steps[i].Action = Keep
		case claimed[target]:
			steps[i].Action = Exclude
		default:
			steps[i].Action = Rename
			claimed[target] = true
		}
	}

	return steps
}

// Format renders a canonical episode name from a template. Supported
// placeholders are {title}, {season} and {episode}; a width such as {season:02}
// zero-pads the number. Half episodes render as "05.5".
func Format(template, title string, season int, episode float64) string {
	if template == "" {
		template = DefaultTemplate
	}

	vars := map[string]any{
		"title":   SanitizeFilename(title),
		"season":  season,
		"episode": episode,
	}

	return formatPattern.ReplaceAllStringFunc(template, func(match string) string {
		parts := formatPattern.FindStringSubmatch(match)
		val, ok := vars[parts[1]]
		if !ok {
			return match
		}

		width := 0
		if parts[2] != "" {
			width, _ = strconv.Atoi(parts[2])
		}

		switch v := val.(type) {
		case int:
			return fmt.Sprintf("%0*d", width, v)
		case float64:
			whole := int(v)
			out := fmt.Sprintf("%0*d", width, whole)
			if v != float64(whole) {
				out += ".5"
			}
			return out
		}
		return fmt.Sprintf("%v", val)
	})
}
